package mockserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goodtune/parkmeter/internal/clock"
	"github.com/goodtune/parkmeter/internal/gateway"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthenticated is returned when a request carries no usable identity.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrSessionNotFound is returned when an admin end names an unknown session.
	ErrSessionNotFound = errors.New("session not found")
)

// Space is one parking space offered by the server
type Space struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	FeePerHour float64 `json:"feePerHour"`
}

// Config holds mock server configuration
type Config struct {
	Spaces          []Space
	StartingBalance float64
	// TokenSecret, when set, makes the server verify HS256 bearer tokens.
	// Without it the sub claim is trusted as-is.
	TokenSecret string
}

type parkingSession struct {
	id           string
	userID       string
	spaceID      string
	licensePlate string
	feePerHour   float64
	startedAt    time.Time
}

// Server is an in-memory parking server implementing the session REST API
type Server struct {
	mu       sync.Mutex
	spaces   map[string]Space
	sessions map[string]*parkingSession // keyed by session id
	active   map[string]string          // user id -> session id
	balances map[string]float64

	startingBalance float64
	secret          []byte
	clock           clock.Clock
	newID           func() string
	router          *mux.Router
	logger          zerolog.Logger
}

// New creates a new mock parking server
func New(config Config, clk clock.Clock, logger zerolog.Logger) *Server {
	if clk == nil {
		clk = clock.RealClock{}
	}

	s := &Server{
		spaces:          make(map[string]Space, len(config.Spaces)),
		sessions:        make(map[string]*parkingSession),
		active:          make(map[string]string),
		balances:        make(map[string]float64),
		startingBalance: config.StartingBalance,
		clock:           clk,
		newID:           uuid.NewString,
		logger:          logger.With().Str("component", "mock-server").Logger(),
	}
	if config.TokenSecret != "" {
		s.secret = []byte(config.TokenSecret)
	}
	for _, sp := range config.Spaces {
		s.spaces[sp.ID] = sp
	}

	s.router = mux.NewRouter()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/spaces", s.handleListSpaces).Methods("GET")
	api.HandleFunc("/parking/start", s.handleStart).Methods("POST")
	api.HandleFunc("/parking/end", s.handleEnd).Methods("POST")
	api.HandleFunc("/parking/active", s.handleActive).Methods("GET")
	api.HandleFunc("/balance", s.handleBalance).Methods("GET")

	// Out-of-band end, as an operator would do from the admin screens
	api.HandleFunc("/admin/sessions/{id}", s.handleAdminEnd).Methods("DELETE")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// EndSession ends a session out of band and charges its user
func (s *Server) EndSession(sessionID string) (gateway.EndResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.sessions[sessionID]
	if !ok {
		return gateway.EndResponse{}, ErrSessionNotFound
	}
	return s.closeLocked(ps), nil
}

// Balance returns a user's balance
func (s *Server) Balance(userID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(userID)
}

func (s *Server) balanceLocked(userID string) float64 {
	if b, ok := s.balances[userID]; ok {
		return b
	}
	s.balances[userID] = s.startingBalance
	return s.startingBalance
}

// closeLocked charges and removes a session. Caller holds s.mu.
func (s *Server) closeLocked(ps *parkingSession) gateway.EndResponse {
	duration := s.clock.Now().Sub(ps.startedAt)
	if duration < 0 {
		duration = 0
	}
	seconds := int64(duration / time.Second)
	cost := roundCents(float64(seconds) / 3600 * ps.feePerHour)

	balance := roundCents(s.balanceLocked(ps.userID) - cost)
	s.balances[ps.userID] = balance

	delete(s.sessions, ps.id)
	if s.active[ps.userID] == ps.id {
		delete(s.active, ps.userID)
	}

	s.logger.Info().
		Str("session_id", ps.id).
		Str("user", ps.userID).
		Int64("duration_seconds", seconds).
		Float64("total_cost", cost).
		Msg("Parking session ended")

	return gateway.EndResponse{
		Success:         true,
		DurationSeconds: seconds,
		TotalCost:       cost,
		NewBalance:      balance,
	}
}

func (s *Server) handleListSpaces(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	spaces := make([]Space, 0, len(s.spaces))
	for _, sp := range s.spaces {
		spaces = append(spaces, sp)
	}
	s.mu.Unlock()

	sort.Slice(spaces, func(i, j int) bool { return spaces[i].ID < spaces[j].ID })
	writeJSON(w, http.StatusOK, spaces)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req gateway.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SpaceID == "" || req.LicensePlate == "" {
		writeError(w, http.StatusBadRequest, "spaceId and licensePlate are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	space, ok := s.spaces[req.SpaceID]
	if !ok {
		writeJSON(w, http.StatusOK, gateway.StartResponse{Message: fmt.Sprintf("unknown space %s", req.SpaceID)})
		return
	}
	if _, parked := s.active[userID]; parked {
		writeJSON(w, http.StatusOK, gateway.StartResponse{Message: "you already have an active parking session"})
		return
	}
	for _, ps := range s.sessions {
		if ps.spaceID == space.ID {
			writeJSON(w, http.StatusOK, gateway.StartResponse{Message: fmt.Sprintf("space %s is occupied", space.ID)})
			return
		}
	}
	if s.balanceLocked(userID) <= 0 {
		writeJSON(w, http.StatusOK, gateway.StartResponse{Message: "insufficient balance"})
		return
	}

	ps := &parkingSession{
		id:           s.newID(),
		userID:       userID,
		spaceID:      space.ID,
		licensePlate: strings.ToUpper(req.LicensePlate),
		feePerHour:   space.FeePerHour,
		startedAt:    s.clock.Now(),
	}
	s.sessions[ps.id] = ps
	s.active[userID] = ps.id

	s.logger.Info().
		Str("session_id", ps.id).
		Str("user", userID).
		Str("space", space.ID).
		Msg("Parking session started")

	writeJSON(w, http.StatusOK, gateway.StartResponse{
		Success:       true,
		SessionID:     ps.id,
		FeePerHour:    space.FeePerHour,
		LocationLabel: space.Label,
	})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req gateway.EndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.sessions[req.SessionID]
	if !ok || ps.userID != userID {
		writeJSON(w, http.StatusOK, gateway.EndResponse{Message: "no such active session"})
		return
	}

	writeJSON(w, http.StatusOK, s.closeLocked(ps))
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[userID]
	if !ok {
		writeJSON(w, http.StatusOK, gateway.ActiveResponse{})
		return
	}
	ps := s.sessions[id]

	writeJSON(w, http.StatusOK, gateway.ActiveResponse{
		HasActiveSession: true,
		Session: &gateway.ActiveSession{
			SessionID:    ps.id,
			StartedAt:    ps.startedAt,
			SpaceCode:    ps.spaceID,
			FeePerHour:   ps.feePerHour,
			LicensePlate: ps.licensePlate,
		},
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"balance": s.Balance(userID)})
}

func (s *Server) handleAdminEnd(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.EndSession(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// userFromRequest resolves the caller from the bearer token sub claim,
// falling back to the X-User header.
func (s *Server) userFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
		claims := &jwt.RegisteredClaims{}
		if s.secret != nil {
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return s.secret, nil
			})
			if err != nil || !parsed.Valid {
				return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
			}
		} else if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return "", fmt.Errorf("%w: malformed token", ErrUnauthenticated)
		}
		if claims.Subject == "" {
			return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
		}
		return claims.Subject, nil
	}

	if user := r.Header.Get("X-User"); user != "" {
		return user, nil
	}
	return "", ErrUnauthenticated
}

// IssueToken signs an HS256 token for subject, valid for ttl
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "parkmeter-mock",
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
