package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Gateway performs the authoritative session transitions on the parking server.
type Gateway interface {
	Start(ctx context.Context, spaceID, licensePlate string) (StartResponse, error)
	End(ctx context.Context, sessionID string) (EndResponse, error)
	GetActive(ctx context.Context) (ActiveResponse, error)
}

// StartRequest is the body of POST /api/parking/start
type StartRequest struct {
	SpaceID      string `json:"spaceId"`
	LicensePlate string `json:"licensePlate"`
}

// StartResponse is returned by a start call
type StartResponse struct {
	Success       bool    `json:"success"`
	SessionID     string  `json:"sessionId,omitempty"`
	FeePerHour    float64 `json:"feePerHour,omitempty"`
	LocationLabel string  `json:"locationLabel,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// EndRequest is the body of POST /api/parking/end
type EndRequest struct {
	SessionID string `json:"sessionId"`
}

// EndResponse is returned by an end call. TotalCost is the authoritative charge.
type EndResponse struct {
	Success         bool    `json:"success"`
	DurationSeconds int64   `json:"durationSeconds,omitempty"`
	TotalCost       float64 `json:"totalCost,omitempty"`
	NewBalance      float64 `json:"newBalance,omitempty"`
	Message         string  `json:"message,omitempty"`
}

// ActiveSession is the server's view of an active session
type ActiveSession struct {
	SessionID    string    `json:"sessionId"`
	StartedAt    time.Time `json:"startedAt"`
	SpaceCode    string    `json:"spaceCode"`
	FeePerHour   float64   `json:"feePerHour"`
	LicensePlate string    `json:"licensePlate"`
}

// ActiveResponse is returned by GET /api/parking/active
type ActiveResponse struct {
	HasActiveSession bool           `json:"hasActiveSession"`
	Session          *ActiveSession `json:"session,omitempty"`
}

// RejectedError is returned when the server answers with success:false.
type RejectedError struct {
	Op      string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected by parking server", e.Op)
	}
	return fmt.Sprintf("%s rejected by parking server: %s", e.Op, e.Message)
}

// TransportError is returned when the server could not be reached or failed
// with a 5xx. The transition may be retried by the caller.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: parking server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: parking server unreachable: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRejected reports whether err is a server rejection
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// IsTransport reports whether err is a transport failure
func IsTransport(err error) bool {
	var transport *TransportError
	return errors.As(err, &transport)
}
