package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single gateway request
const DefaultTimeout = 15 * time.Second

// ClientConfig holds HTTP client configuration
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the parking server's REST API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a new gateway client. A nil httpClient gets one with the
// configured timeout.
func NewClient(config ClientConfig, httpClient *http.Client, logger zerolog.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		http:    httpClient,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
}

// Start claims a space for a plate
func (c *Client) Start(ctx context.Context, spaceID, licensePlate string) (StartResponse, error) {
	var resp StartResponse
	if err := c.do(ctx, "start", http.MethodPost, "/api/parking/start", StartRequest{
		SpaceID:      spaceID,
		LicensePlate: licensePlate,
	}, &resp); err != nil {
		return StartResponse{}, err
	}
	if !resp.Success {
		return resp, &RejectedError{Op: "start", Message: resp.Message}
	}
	if resp.SessionID == "" {
		return resp, &RejectedError{Op: "start", Message: "response carried no session id"}
	}
	return resp, nil
}

// End closes a session and returns the authoritative cost
func (c *Client) End(ctx context.Context, sessionID string) (EndResponse, error) {
	var resp EndResponse
	if err := c.do(ctx, "end", http.MethodPost, "/api/parking/end", EndRequest{SessionID: sessionID}, &resp); err != nil {
		return EndResponse{}, err
	}
	if !resp.Success {
		return resp, &RejectedError{Op: "end", Message: resp.Message}
	}
	return resp, nil
}

// GetActive returns the server's view of the user's active session
func (c *Client) GetActive(ctx context.Context) (ActiveResponse, error) {
	var resp ActiveResponse
	if err := c.do(ctx, "get active", http.MethodGet, "/api/parking/active", nil, &resp); err != nil {
		return ActiveResponse{}, err
	}
	if resp.HasActiveSession && resp.Session == nil {
		return ActiveResponse{}, &TransportError{Op: "get active", Err: fmt.Errorf("active session flagged without session body")}
	}
	return resp, nil
}

// do sends one JSON request. 4xx answers become RejectedError carrying the
// server's message; 5xx and network errors become TransportError.
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("op", op).Msg("Parking server unreachable")
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Parking server responded")

	if resp.StatusCode >= http.StatusInternalServerError {
		return &TransportError{Op: op, StatusCode: resp.StatusCode}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var rejection struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&rejection)
		if rejection.Message == "" {
			rejection.Message = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn().Str("op", op).Int("status", resp.StatusCode).Str("message", rejection.Message).Msg("Parking server rejected request")
		return &RejectedError{Op: op, Message: rejection.Message}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
