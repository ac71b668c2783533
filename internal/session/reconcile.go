package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/parkmeter/internal/gateway"
	"github.com/goodtune/parkmeter/internal/metrics"
	"github.com/goodtune/parkmeter/internal/notify"
	"github.com/goodtune/parkmeter/internal/storage"
	"github.com/rs/zerolog"
)

// Rehydrate rebuilds in-memory state from the durable store and reconciles
// it with the parking server. The server wins every disagreement:
//
//   - nothing persisted: NoSession, the server is not asked
//   - server has no session: local state and its warnings are dropped
//   - server has the same session: local state is kept as is, warnings included
//   - server has a different session: local warnings are dropped and the
//     server session is adopted with a fresh warning group
//
// If the server cannot be reached the persisted session is kept and a
// transient error is returned.
func (s *Store) Rehydrate(ctx context.Context) error {
	const op = "rehydrate"

	epoch, berr := s.begin(op)
	if berr != nil {
		return s.fail(op, berr)
	}
	defer s.finish()

	local, err := s.loadSession(ctx)
	switch {
	case errors.Is(err, errCorruptSession):
		s.logger.Error().Err(err).Msg("Discarding unreadable persisted session")
		local = nil
	case err != nil:
		return s.unreadable(epoch, op, err)
	}

	sessionID := ""
	if local != nil {
		sessionID = local.SessionID
	} else if id, err := s.kv.Get(ctx, s.keys.SessionID); err == nil {
		// A crash between the two writes of a commit leaves only the identity
		sessionID = id
	} else if !errors.Is(err, storage.ErrNotFound) {
		return s.unreadable(epoch, op, fmt.Errorf("failed to load session id: %w", err))
	}

	if local == nil && sessionID == "" {
		s.install(epoch, nil)
		metrics.Rehydrations.WithLabelValues("empty").Inc()
		return nil
	}

	if aerr := s.checkAuth(op); aerr != nil {
		s.install(epoch, local)
		return s.fail(op, aerr)
	}

	resp, err := s.gateway.GetActive(ctx)
	if err != nil {
		s.install(epoch, local)
		metrics.Rehydrations.WithLabelValues("offline").Inc()
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Could not confirm session with parking server, keeping local state")
		return s.fail(op, remoteError(op, err))
	}

	switch {
	case !resp.HasActiveSession:
		s.dropWarnings(ctx, local, sessionID)
		s.clearPersisted(ctx)
		s.install(epoch, nil)
		metrics.Rehydrations.WithLabelValues("cleared").Inc()
		s.logger.Info().Str("session_id", sessionID).Msg("Session ended on the server while away, cleared local state")

	case local != nil && resp.Session.SessionID == local.SessionID:
		// Warnings outlive the process, so the group is left exactly as persisted
		local.LifecycleState = LifecycleActive
		s.install(epoch, local)
		metrics.Rehydrations.WithLabelValues("confirmed").Inc()
		s.logger.Debug().Str("session_id", local.SessionID).Msg("Session confirmed by parking server")

	default:
		s.dropWarnings(ctx, local, sessionID)
		adopted := s.adopt(*resp.Session)
		adopted.ScheduledWarningIDs = s.warnings.ScheduleFor(ctx, targetOf(adopted))
		if !s.install(epoch, &adopted) || !s.persistUnlessCleared(ctx, epoch, adopted) {
			s.warnings.CancelAll(ctx, adopted.ScheduledWarningIDs)
			return nil
		}
		metrics.Rehydrations.WithLabelValues("adopted").Inc()
		s.logger.Info().
			Str("session_id", adopted.SessionID).
			Str("stale_session_id", sessionID).
			Msg("Adopted session from parking server")
	}

	return nil
}

// unreadable fails a rehydrate whose durable store could not be read. The
// server is not asked since there is nothing to reconcile against.
func (s *Store) unreadable(epoch uint64, op string, err error) error {
	s.install(epoch, nil)
	metrics.Rehydrations.WithLabelValues("unreadable").Inc()
	s.logger.Error().Err(err).Msg("Durable store unreadable, session state unknown")
	return s.fail(op, storageError(op, err))
}

// dropWarnings cancels the warning group of sessionID. Without a persisted
// record the ids are unknown, so pending alerts are matched by session id.
func (s *Store) dropWarnings(ctx context.Context, local *ParkingSession, sessionID string) {
	if local != nil {
		s.warnings.CancelAll(ctx, local.ScheduledWarningIDs)
		return
	}
	s.warnings.CancelAll(ctx, s.pendingWarningIDs(ctx, sessionID))
}

// pendingWarningIDs lists queued expiry warnings for sessionID
func (s *Store) pendingWarningIDs(ctx context.Context, sessionID string) []string {
	if s.notifier == nil || sessionID == "" {
		return nil
	}

	pending, err := s.notifier.Pending(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to list pending warnings")
		return nil
	}

	var ids []string
	for _, alert := range pending {
		if p, ok := alert.Payload.(notify.ExpiringPayload); ok && p.SessionID == sessionID {
			ids = append(ids, alert.ID)
		}
	}
	return ids
}

// install replaces in-memory state unless ForceClear ran since epoch
func (s *Store) install(epoch uint64, p *ParkingSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleared(epoch) {
		return false
	}
	s.current = p
	if p != nil {
		metrics.SessionActive.Set(1)
	} else {
		metrics.SessionActive.Set(0)
	}
	return true
}

func (s *Store) adopt(remote gateway.ActiveSession) ParkingSession {
	return ParkingSession{
		SessionID:      remote.SessionID,
		LicensePlate:   remote.LicensePlate,
		SpaceID:        remote.SpaceCode,
		LocationLabel:  remote.SpaceCode,
		FeePerHour:     remote.FeePerHour,
		StartedAt:      remote.StartedAt,
		HourLimit:      s.config.DefaultHourLimit,
		LifecycleState: LifecycleActive,
	}
}

// HandleAlert reports whether a delivered alert still applies to the
// current session. Alerts for any other session are stale and ignored.
func (s *Store) HandleAlert(ctx context.Context, alert notify.Alert) bool {
	s.mu.Lock()
	current := ""
	if s.current != nil {
		current = s.current.SessionID
	}
	s.mu.Unlock()

	return relevant(alert, current, s.logger)
}

// AlertFilter applies the stale-alert rule from a process that does not own
// the session, by reading the persisted session identity.
type AlertFilter struct {
	kv     storage.KeyValueStore
	keys   Keys
	logger zerolog.Logger
}

// NewAlertFilter creates a read-only filter for userID's alerts
func NewAlertFilter(kv storage.KeyValueStore, keyPrefix, userID string, logger zerolog.Logger) *AlertFilter {
	return &AlertFilter{
		kv:     kv,
		keys:   KeysFor(keyPrefix, userID),
		logger: logger.With().Str("component", "alert-filter").Logger(),
	}
}

// Relevant reports whether alert belongs to the persisted active session
func (f *AlertFilter) Relevant(ctx context.Context, alert notify.Alert) (bool, error) {
	current, err := f.kv.Get(ctx, f.keys.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		current = ""
	} else if err != nil {
		return false, fmt.Errorf("failed to load session id: %w", err)
	}
	return relevant(alert, current, f.logger), nil
}

// Allow is Relevant for delivery. The alert has already been claimed from
// the queue, so a failed identity read delivers it rather than losing it.
func (f *AlertFilter) Allow(ctx context.Context, alert notify.Alert) bool {
	ok, err := f.Relevant(ctx, alert)
	if err != nil {
		f.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("Could not check alert against the active session, delivering")
		return alert.Payload != nil
	}
	return ok
}

func relevant(alert notify.Alert, currentID string, logger zerolog.Logger) bool {
	switch p := alert.Payload.(type) {
	case notify.EndedPayload:
		// Receipts stay meaningful after the session is gone
		return true
	case nil:
		return false
	default:
		if p.Session() == currentID && currentID != "" {
			return true
		}
		metrics.AlertsStale.Inc()
		logger.Debug().
			Str("alert_id", alert.ID).
			Str("alert_session_id", p.Session()).
			Str("current_session_id", currentID).
			Msg("Ignoring stale alert")
		return false
	}
}
