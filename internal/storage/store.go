package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	KV() KeyValueStore
	Alerts() AlertStore
}

// KeyValueStore holds opaque string values that survive process restart.
// Get returns ErrNotFound for a missing key; Remove of a missing key is not an error.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// AlertStore is the durable queue behind the local notification primitive.
// Alerts are ordered by FireAt; ClaimDue atomically removes and returns due alerts
// so that each alert is handed out at most once.
type AlertStore interface {
	AddAlert(ctx context.Context, alert Alert) error
	RemoveAlert(ctx context.Context, id string) (bool, error)
	GetAlert(ctx context.Context, id string) (*Alert, error)
	ListAlerts(ctx context.Context) ([]Alert, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Alert, error)
}
