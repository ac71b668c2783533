package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/parkmeter/internal/storage"
	"github.com/redis/go-redis/v9"
)

// alertRetention bounds how long an unclaimed alert lingers past its fire time
const alertRetention = 7 * 24 * time.Hour

type alertStore struct {
	client      *redis.Client
	alertPrefix string // {prefix}:alert:
	pendingSet  string // {prefix}:alerts:pending
	addScript   *redis.Script
	rmScript    *redis.Script
	claimScript *redis.Script
}

func newAlertStore(client *redis.Client, keyPrefix string) *alertStore {
	return &alertStore{
		client:      client,
		alertPrefix: keyPrefix + ":alert:",
		pendingSet:  keyPrefix + ":alerts:pending",
		addScript:   redis.NewScript(addAlertScript),
		rmScript:    redis.NewScript(removeAlertScript),
		claimScript: redis.NewScript(claimDueAlertsScript),
	}
}

func (s *alertStore) alertKey(id string) string {
	return s.alertPrefix + id
}

// AddAlert stores an alert and indexes it by fire time
func (s *alertStore) AddAlert(ctx context.Context, alert storage.Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}

	keys := []string{s.alertKey(alert.ID), s.pendingSet}
	args := []interface{}{
		alert.ID,
		alert.Title,
		alert.Body,
		alert.Payload,
		alert.FireAt.Format(time.RFC3339Nano),
		alert.FireAt.UnixMilli(),
		alert.CreatedAt.Format(time.RFC3339Nano),
		alertRetention.Milliseconds(),
	}

	return s.addScript.Run(ctx, s.client, keys, args...).Err()
}

// RemoveAlert removes a pending alert. Removing an alert that already fired
// or was already removed reports false and no error.
func (s *alertStore) RemoveAlert(ctx context.Context, id string) (bool, error) {
	keys := []string{s.alertKey(id), s.pendingSet}

	removed, err := s.rmScript.Run(ctx, s.client, keys, id).Int64()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// GetAlert retrieves a pending alert by ID
func (s *alertStore) GetAlert(ctx context.Context, id string) (*storage.Alert, error) {
	data, err := s.client.HGetAll(ctx, s.alertKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseAlert(data)
}

// ListAlerts returns every pending alert ordered by fire time
func (s *alertStore) ListAlerts(ctx context.Context) ([]storage.Alert, error) {
	ids, err := s.client.ZRange(ctx, s.pendingSet, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.Alert{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))

	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.alertKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	alerts := make([]storage.Alert, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		alert, err := parseAlert(data)
		if err == nil {
			alerts = append(alerts, *alert)
		}
	}

	return alerts, nil
}

// ClaimDue atomically removes and returns up to limit alerts due at or before now
func (s *alertStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]storage.Alert, error) {
	if limit <= 0 {
		limit = 1
	}

	reply, err := s.claimScript.Run(ctx, s.client,
		[]string{s.pendingSet},
		s.alertPrefix, strconv.FormatInt(now.UnixMilli(), 10), limit,
	).Slice()
	if err != nil {
		if err == redis.Nil {
			return []storage.Alert{}, nil
		}
		return nil, err
	}

	alerts := make([]storage.Alert, 0, len(reply))
	for _, item := range reply {
		data, err := pairsToMap(item)
		if err != nil {
			return alerts, fmt.Errorf("failed to decode claimed alert: %w", err)
		}
		alert, err := parseAlert(data)
		if err != nil {
			return alerts, fmt.Errorf("failed to parse claimed alert: %w", err)
		}
		alerts = append(alerts, *alert)
	}

	return alerts, nil
}
