package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/parkmeter/internal/clock"
	"github.com/goodtune/parkmeter/internal/gateway"
	"github.com/goodtune/parkmeter/internal/metrics"
	"github.com/goodtune/parkmeter/internal/notify"
	"github.com/goodtune/parkmeter/internal/storage"
	"github.com/goodtune/parkmeter/internal/warning"
	"github.com/rs/zerolog"
)

// Authenticator reports whether the signed-in user may make changes at now
type Authenticator interface {
	Authenticated(now time.Time) error
}

// Warnings schedules and cancels a session's warning group
type Warnings interface {
	ScheduleFor(ctx context.Context, t warning.Target) []string
	CancelAll(ctx context.Context, ids []string)
	Reschedule(ctx context.Context, old []string, t warning.Target) []string
}

// BalanceFunc receives the user's balance after a session is charged
type BalanceFunc func(ctx context.Context, newBalance float64)

// Deps are the collaborators a Store drives
type Deps struct {
	KV       storage.KeyValueStore
	Gateway  gateway.Gateway
	Warnings Warnings
	Notifier notify.Primitive // optional, for started/ended announcements
	Auth     Authenticator
	Balance  BalanceFunc // optional
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// Config holds store configuration
type Config struct {
	KeyPrefix        string
	UserID           string
	DefaultHourLimit float64 // hour limit given to a session adopted from the server
	Announce         bool
}

// Keys are the durable keys holding one user's session
type Keys struct {
	Session   string
	SessionID string
}

// KeysFor returns the durable keys for userID under prefix
func KeysFor(prefix, userID string) Keys {
	base := fmt.Sprintf("%s:%s", prefix, userID)
	return Keys{
		Session:   base + ":session",
		SessionID: base + ":session-id",
	}
}

// StartRequest describes a session to start
type StartRequest struct {
	SpaceID       string
	LicensePlate  string
	FeePerHour    float64 // overridden by the server's fee when it returns one
	LocationLabel string  // overridden by the server's label when it returns one
	HourLimit     float64
}

// EndReceipt is the authoritative result of ending a session
type EndReceipt struct {
	SessionID       string
	DurationSeconds int64
	TotalCost       float64
	NewBalance      float64

	// Session is the final record, in the ended state
	Session ParkingSession
}

// Store owns the user's single active parking session. Construct exactly one
// per process; it is the only writer of the session keys.
type Store struct {
	mu      sync.Mutex
	current *ParkingSession
	busy    bool
	epoch   uint64 // bumped by ForceClear so in-flight transitions do not commit

	kv       storage.KeyValueStore
	gateway  gateway.Gateway
	warnings Warnings
	notifier notify.Primitive
	auth     Authenticator
	balance  BalanceFunc
	clock    clock.Clock
	config   Config
	keys     Keys
	logger   zerolog.Logger
}

// NewStore creates a session store. Call Rehydrate before first use.
func NewStore(deps Deps, config Config) *Store {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if config.DefaultHourLimit <= 0 {
		config.DefaultHourLimit = 2
	}

	return &Store{
		kv:       deps.KV,
		gateway:  deps.Gateway,
		warnings: deps.Warnings,
		notifier: deps.Notifier,
		auth:     deps.Auth,
		balance:  deps.Balance,
		clock:    deps.Clock,
		config:   config,
		keys:     KeysFor(config.KeyPrefix, config.UserID),
		logger: deps.Logger.With().
			Str("component", "session").
			Str("user", config.UserID).
			Logger(),
	}
}

// Snapshot returns a copy of the current session with its estimate computed
// at the current time. The bool is false when there is no session.
func (s *Store) Snapshot() (ParkingSession, State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ParkingSession{}, NoSession, false
	}

	snap := s.current.clone()
	snap.AccruedCostEstimate = Estimate(snap, s.clock.Now())
	return snap, stateOf(s.current), true
}

// State returns the current machine state
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stateOf(s.current)
}

func stateOf(p *ParkingSession) State {
	switch {
	case p == nil:
		return NoSession
	case p.LifecycleState == LifecycleEnding:
		return Ending
	default:
		return Active
	}
}

// begin claims the in-flight flag. Concurrent transitions are rejected, not queued.
func (s *Store) begin(op string) (uint64, *Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return 0, preconditionError(op, ErrBusy, "")
	}
	s.busy = true
	return s.epoch, nil
}

func (s *Store) finish() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// cleared reports whether ForceClear ran since epoch was taken. Caller holds s.mu.
func (s *Store) cleared(epoch uint64) bool {
	return s.epoch != epoch
}

func (s *Store) checkAuth(op string) *Error {
	if s.auth == nil {
		return nil
	}
	if err := s.auth.Authenticated(s.clock.Now()); err != nil {
		return &Error{Kind: KindPrecondition, Op: op, Message: err.Error(), Err: errors.Join(ErrNotAuthenticated, err)}
	}
	return nil
}

func (s *Store) fail(op string, err *Error) error {
	metrics.SessionFailures.WithLabelValues(op, err.Kind.String()).Inc()
	return err
}

// Start claims a space on the parking server and makes it the active session.
// Nothing is stored locally unless the server accepts.
func (s *Store) Start(ctx context.Context, req StartRequest) (ParkingSession, error) {
	const op = "start"

	req.SpaceID = strings.TrimSpace(req.SpaceID)
	req.LicensePlate = strings.ToUpper(strings.TrimSpace(req.LicensePlate))
	if req.HourLimit == 0 {
		req.HourLimit = s.config.DefaultHourLimit
	}
	switch {
	case req.SpaceID == "":
		return ParkingSession{}, s.fail(op, preconditionError(op, ErrInvalidRequest, "space id is required"))
	case req.LicensePlate == "":
		return ParkingSession{}, s.fail(op, preconditionError(op, ErrInvalidRequest, "licence plate is required"))
	case req.HourLimit < 0:
		return ParkingSession{}, s.fail(op, preconditionError(op, ErrInvalidRequest, "hour limit must be positive"))
	case req.FeePerHour < 0:
		return ParkingSession{}, s.fail(op, preconditionError(op, ErrInvalidRequest, "fee per hour must not be negative"))
	}

	epoch, berr := s.begin(op)
	if berr != nil {
		return ParkingSession{}, s.fail(op, berr)
	}
	defer s.finish()

	if s.State() != NoSession {
		return ParkingSession{}, s.fail(op, preconditionError(op, ErrSessionActive, ""))
	}
	if aerr := s.checkAuth(op); aerr != nil {
		return ParkingSession{}, s.fail(op, aerr)
	}

	resp, err := s.gateway.Start(ctx, req.SpaceID, req.LicensePlate)
	if err != nil {
		s.logger.Warn().Err(err).Str("space", req.SpaceID).Msg("Parking server did not start session")
		return ParkingSession{}, s.fail(op, remoteError(op, err))
	}

	p := ParkingSession{
		SessionID:      resp.SessionID,
		LicensePlate:   req.LicensePlate,
		SpaceID:        req.SpaceID,
		LocationLabel:  req.LocationLabel,
		FeePerHour:     req.FeePerHour,
		StartedAt:      s.clock.Now(),
		HourLimit:      req.HourLimit,
		LifecycleState: LifecycleActive,
	}
	if resp.FeePerHour > 0 {
		p.FeePerHour = resp.FeePerHour
	}
	if resp.LocationLabel != "" {
		p.LocationLabel = resp.LocationLabel
	}
	if p.LocationLabel == "" {
		p.LocationLabel = p.SpaceID
	}
	if p.FeePerHour <= 0 {
		// No fee to accrue against: release the space rather than track it
		if _, err := s.gateway.End(ctx, p.SessionID); err != nil {
			s.logger.Error().Err(err).Str("session_id", p.SessionID).Msg("Failed to release session without a fee")
		}
		s.logger.Warn().Str("session_id", p.SessionID).Str("space", p.SpaceID).Msg("Parking server returned no fee")
		return ParkingSession{}, s.fail(op, remoteError(op, &gateway.RejectedError{Op: "start", Message: "parking server returned no fee for the space"}))
	}

	s.mu.Lock()
	if s.cleared(epoch) {
		s.mu.Unlock()
		s.logger.Warn().Str("session_id", p.SessionID).Msg("Signed out while starting, session left on server")
		return ParkingSession{}, s.fail(op, preconditionError(op, ErrNotAuthenticated, "signed out while starting"))
	}
	s.current = &p
	s.mu.Unlock()

	signedOut := preconditionError(op, ErrNotAuthenticated, "signed out while starting")
	if !s.persistUnlessCleared(ctx, epoch, p) {
		return ParkingSession{}, s.fail(op, signedOut)
	}

	ids := s.warnings.ScheduleFor(ctx, targetOf(p))
	p, ok := s.setWarnings(epoch, ids)
	if !ok || !s.persistUnlessCleared(ctx, epoch, p) {
		s.warnings.CancelAll(ctx, ids)
		return ParkingSession{}, s.fail(op, signedOut)
	}

	metrics.SessionTransitions.WithLabelValues(op).Inc()
	metrics.SessionActive.Set(1)

	s.logger.Info().
		Str("session_id", p.SessionID).
		Str("space", p.SpaceID).
		Str("plate", p.LicensePlate).
		Float64("fee_per_hour", p.FeePerHour).
		Float64("hour_limit", p.HourLimit).
		Int("warnings", len(ids)).
		Msg("Parking session started")

	s.announce(ctx, "Parking started", fmt.Sprintf("%s at %s", p.LicensePlate, p.LocationLabel), notify.StartedPayload{
		SessionID:     p.SessionID,
		LocationLabel: p.LocationLabel,
		LicensePlate:  p.LicensePlate,
	})

	return p.clone(), nil
}

// Extend raises the advisory hour limit and replaces the warning group.
// The parking server is not involved.
func (s *Store) Extend(ctx context.Context, additionalHours float64) (ParkingSession, error) {
	const op = "extend"

	if additionalHours <= 0 {
		return ParkingSession{}, s.fail(op, preconditionError(op, ErrInvalidRequest, "additional hours must be positive"))
	}

	epoch, berr := s.begin(op)
	if berr != nil {
		return ParkingSession{}, s.fail(op, berr)
	}
	defer s.finish()

	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ParkingSession{}, s.fail(op, preconditionError(op, ErrNoActiveSession, ""))
	}
	p := s.current.clone()
	s.mu.Unlock()

	if aerr := s.checkAuth(op); aerr != nil {
		return ParkingSession{}, s.fail(op, aerr)
	}

	old := p.ScheduledWarningIDs
	p.HourLimit += additionalHours
	p.ScheduledWarningIDs = s.warnings.Reschedule(ctx, old, targetOf(p))

	s.mu.Lock()
	if s.cleared(epoch) {
		s.mu.Unlock()
		s.warnings.CancelAll(ctx, p.ScheduledWarningIDs)
		return ParkingSession{}, s.fail(op, preconditionError(op, ErrNoActiveSession, "signed out while extending"))
	}
	s.current = &p
	s.mu.Unlock()

	if !s.persistUnlessCleared(ctx, epoch, p) {
		s.warnings.CancelAll(ctx, p.ScheduledWarningIDs)
		return ParkingSession{}, s.fail(op, preconditionError(op, ErrNoActiveSession, "signed out while extending"))
	}

	metrics.SessionTransitions.WithLabelValues(op).Inc()
	s.logger.Info().
		Str("session_id", p.SessionID).
		Float64("hour_limit", p.HourLimit).
		Time("expires_at", p.Expiration()).
		Int("warnings", len(p.ScheduledWarningIDs)).
		Msg("Parking session extended")

	return p.clone(), nil
}

// End asks the parking server to close the session. While the call is in
// flight the store is Ending; on failure it returns to Active with its
// warnings untouched.
func (s *Store) End(ctx context.Context) (EndReceipt, error) {
	const op = "end"

	epoch, berr := s.begin(op)
	if berr != nil {
		return EndReceipt{}, s.fail(op, berr)
	}
	defer s.finish()

	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return EndReceipt{}, s.fail(op, preconditionError(op, ErrNoActiveSession, ""))
	}
	s.mu.Unlock()

	if aerr := s.checkAuth(op); aerr != nil {
		return EndReceipt{}, s.fail(op, aerr)
	}

	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return EndReceipt{}, s.fail(op, preconditionError(op, ErrNoActiveSession, ""))
	}
	s.current.LifecycleState = LifecycleEnding
	p := s.current.clone()
	s.mu.Unlock()

	resp, err := s.gateway.End(ctx, p.SessionID)
	if err != nil {
		s.mu.Lock()
		if !s.cleared(epoch) && s.current != nil {
			s.current.LifecycleState = LifecycleActive
		}
		s.mu.Unlock()

		s.logger.Warn().Err(err).Str("session_id", p.SessionID).Msg("Parking server did not end session")
		return EndReceipt{}, s.fail(op, remoteError(op, err))
	}

	s.warnings.CancelAll(ctx, p.ScheduledWarningIDs)
	s.clearPersisted(ctx)

	s.mu.Lock()
	if !s.cleared(epoch) {
		s.current = nil
	}
	s.mu.Unlock()

	if s.balance != nil {
		s.balance(ctx, resp.NewBalance)
	}

	metrics.SessionTransitions.WithLabelValues(op).Inc()
	metrics.SessionActive.Set(0)

	receipt := EndReceipt{
		SessionID:       p.SessionID,
		DurationSeconds: resp.DurationSeconds,
		TotalCost:       resp.TotalCost,
		NewBalance:      resp.NewBalance,
		Session:         p,
	}
	receipt.Session.LifecycleState = LifecycleEnded
	receipt.Session.ScheduledWarningIDs = nil
	receipt.Session.AccruedCostEstimate = Estimate(p, s.clock.Now())

	s.logger.Info().
		Str("session_id", receipt.SessionID).
		Int64("duration_seconds", receipt.DurationSeconds).
		Float64("total_cost", receipt.TotalCost).
		Float64("estimate", Estimate(p, s.clock.Now())).
		Msg("Parking session ended")

	s.announce(ctx, "Parking ended", fmt.Sprintf("%s charged %.2f", p.LicensePlate, receipt.TotalCost), notify.EndedPayload{
		SessionID:       receipt.SessionID,
		TotalCost:       receipt.TotalCost,
		DurationSeconds: receipt.DurationSeconds,
	})

	return receipt, nil
}

// ForceClear drops the session locally on sign-out. It cancels every
// warning and removes the persisted keys regardless of state, and always
// succeeds.
func (s *Store) ForceClear(ctx context.Context) {
	s.mu.Lock()
	s.epoch++
	current := s.current
	s.current = nil
	s.mu.Unlock()

	var ids []string
	if current != nil {
		ids = current.ScheduledWarningIDs
	} else if persisted, err := s.loadSession(ctx); err == nil && persisted != nil {
		ids = persisted.ScheduledWarningIDs
	} else if id, err := s.kv.Get(ctx, s.keys.SessionID); err == nil {
		ids = s.pendingWarningIDs(ctx, id)
	}

	s.warnings.CancelAll(ctx, ids)
	s.clearPersisted(ctx)

	metrics.SessionActive.Set(0)
	s.logger.Info().Int("warnings_cancelled", len(ids)).Msg("Session data cleared")
}

// setWarnings records ids on the current session and returns a copy. It
// reports false if ForceClear ran since epoch.
func (s *Store) setWarnings(epoch uint64, ids []string) (ParkingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleared(epoch) || s.current == nil {
		return ParkingSession{}, false
	}
	s.current.ScheduledWarningIDs = ids
	return s.current.clone(), true
}

func (s *Store) announce(ctx context.Context, title, body string, payload notify.Payload) {
	if !s.config.Announce || s.notifier == nil {
		return
	}
	if _, err := s.notifier.Schedule(ctx, notify.Request{Title: title, Body: body, Payload: payload}); err != nil {
		s.logger.Debug().Err(err).Str("type", string(payload.Type())).Msg("Announcement not posted")
	}
}

func targetOf(p ParkingSession) warning.Target {
	return warning.Target{
		SessionID:     p.SessionID,
		LocationLabel: p.LocationLabel,
		LicensePlate:  p.LicensePlate,
		StartedAt:     p.StartedAt,
		HourLimit:     p.HourLimit,
	}
}

// persist writes both session keys. Failures are logged; in-memory state
// stays as it is and rehydration resolves any gap.
func (s *Store) persist(ctx context.Context, p ParkingSession) {
	stored := p.clone()
	stored.AccruedCostEstimate = 0

	data, err := json.Marshal(stored)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", p.SessionID).Msg("Failed to encode session")
		return
	}

	if err := s.kv.Set(ctx, s.keys.Session, string(data)); err != nil {
		s.logger.Error().Err(err).Str("session_id", p.SessionID).Msg("Failed to persist session")
	}
	if err := s.kv.Set(ctx, s.keys.SessionID, p.SessionID); err != nil {
		s.logger.Error().Err(err).Str("session_id", p.SessionID).Msg("Failed to persist session id")
	}
}

// persistUnlessCleared persists p, then removes the keys again if ForceClear
// ran meanwhile so a sign-out never leaves a session behind.
func (s *Store) persistUnlessCleared(ctx context.Context, epoch uint64, p ParkingSession) bool {
	s.persist(ctx, p)

	s.mu.Lock()
	cleared := s.cleared(epoch)
	s.mu.Unlock()

	if cleared {
		s.clearPersisted(ctx)
		return false
	}
	return true
}

func (s *Store) clearPersisted(ctx context.Context) {
	if err := s.kv.Remove(ctx, s.keys.Session); err != nil {
		s.logger.Error().Err(err).Msg("Failed to remove persisted session")
	}
	if err := s.kv.Remove(ctx, s.keys.SessionID); err != nil {
		s.logger.Error().Err(err).Msg("Failed to remove persisted session id")
	}
}

// errCorruptSession marks a persisted session that cannot be decoded
var errCorruptSession = errors.New("persisted session is corrupt")

// loadSession reads the persisted session; nil when none is stored
func (s *Store) loadSession(ctx context.Context) (*ParkingSession, error) {
	raw, err := s.kv.Get(ctx, s.keys.Session)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var p ParkingSession
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptSession, err)
	}
	return &p, nil
}
