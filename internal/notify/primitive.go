package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/parkmeter/internal/clock"
	"github.com/goodtune/parkmeter/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrPermissionDenied is returned by Schedule when alerts are not allowed on this device.
var ErrPermissionDenied = errors.New("notify: permission denied")

// Request describes one one-shot alert relative to the current wall clock.
type Request struct {
	FireIn  time.Duration
	Title   string
	Body    string
	Payload Payload
}

// Alert is a scheduled alert with its decoded payload.
type Alert struct {
	ID      string
	Title   string
	Body    string
	FireAt  time.Time
	Payload Payload
}

// Primitive schedules and cancels local alerts. Delivery is owned by the
// primitive and does not depend on the scheduling process staying alive.
type Primitive interface {
	Schedule(ctx context.Context, req Request) (string, error)
	// Cancel is idempotent: cancelling a fired or unknown id is not an error.
	Cancel(ctx context.Context, id string) error
	Pending(ctx context.Context) ([]Alert, error)
}

// LocalConfig holds local primitive configuration
type LocalConfig struct {
	// Enabled mirrors the device notification permission
	Enabled bool
}

// Local is a Primitive backed by a durable AlertStore. A Dispatcher running
// in any process delivers what Local schedules.
type Local struct {
	store   storage.AlertStore
	enabled bool
	clock   clock.Clock
	newID   func() string
	logger  zerolog.Logger
}

// NewLocal creates a Local primitive
func NewLocal(store storage.AlertStore, config LocalConfig, clk clock.Clock, logger zerolog.Logger) *Local {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Local{
		store:   store,
		enabled: config.Enabled,
		clock:   clk,
		newID:   uuid.NewString,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

// Schedule stores an alert due FireIn from now and returns its id
func (l *Local) Schedule(ctx context.Context, req Request) (string, error) {
	if !l.enabled {
		return "", ErrPermissionDenied
	}
	if req.FireIn < 0 {
		return "", fmt.Errorf("fire delay must not be negative: %v", req.FireIn)
	}

	payload, err := EncodePayload(req.Payload)
	if err != nil {
		return "", err
	}

	now := l.clock.Now()
	alert := storage.Alert{
		ID:        l.newID(),
		Title:     req.Title,
		Body:      req.Body,
		Payload:   payload,
		FireAt:    now.Add(req.FireIn),
		CreatedAt: now,
	}

	if err := l.store.AddAlert(ctx, alert); err != nil {
		return "", fmt.Errorf("failed to schedule alert: %w", err)
	}

	l.logger.Debug().
		Str("alert_id", alert.ID).
		Str("type", string(req.Payload.Type())).
		Time("fire_at", alert.FireAt).
		Msg("Alert scheduled")

	return alert.ID, nil
}

// Cancel removes a pending alert
func (l *Local) Cancel(ctx context.Context, id string) error {
	removed, err := l.store.RemoveAlert(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to cancel alert %s: %w", id, err)
	}

	if !removed {
		l.logger.Debug().Str("alert_id", id).Msg("Alert already fired or cancelled")
	}
	return nil
}

// Pending returns alerts not yet delivered, ordered by fire time
func (l *Local) Pending(ctx context.Context) ([]Alert, error) {
	stored, err := l.store.ListAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	alerts := make([]Alert, 0, len(stored))
	for _, s := range stored {
		alert, err := decodeAlert(s)
		if err != nil {
			l.logger.Warn().Err(err).Str("alert_id", s.ID).Msg("Skipping undecodable alert")
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// Get returns one pending alert. A fired or cancelled alert is
// storage.ErrNotFound.
func (l *Local) Get(ctx context.Context, id string) (Alert, error) {
	stored, err := l.store.GetAlert(ctx, id)
	if err != nil {
		return Alert{}, err
	}
	return decodeAlert(*stored)
}

func decodeAlert(s storage.Alert) (Alert, error) {
	payload, err := DecodePayload(s.Payload)
	if err != nil {
		return Alert{}, err
	}
	return Alert{
		ID:      s.ID,
		Title:   s.Title,
		Body:    s.Body,
		FireAt:  s.FireAt,
		Payload: payload,
	}, nil
}
