package warning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/parkmeter/internal/clock"
	"github.com/goodtune/parkmeter/internal/metrics"
	"github.com/goodtune/parkmeter/internal/notify"
	"github.com/rs/zerolog"
)

// DefaultLeadMinutes are the warning lead times used when none are configured
var DefaultLeadMinutes = []int{15, 5, 1}

// Target is the session state a warning group is computed from.
type Target struct {
	SessionID     string
	LocationLabel string
	LicensePlate  string
	StartedAt     time.Time
	HourLimit     float64
}

// Config holds scheduler configuration
type Config struct {
	LeadMinutes []int
}

// Scheduler turns a session's hour limit into a group of expiry warnings
// and cancels that group as a unit.
type Scheduler struct {
	primitive notify.Primitive
	leads     []time.Duration
	clock     clock.Clock
	logger    zerolog.Logger
}

// NewScheduler creates a new warning scheduler
func NewScheduler(primitive notify.Primitive, config Config, clk clock.Clock, logger zerolog.Logger) *Scheduler {
	minutes := config.LeadMinutes
	if len(minutes) == 0 {
		minutes = DefaultLeadMinutes
	}

	leads := make([]time.Duration, 0, len(minutes))
	seen := make(map[int]bool, len(minutes))
	for _, m := range minutes {
		if m > 0 && !seen[m] {
			seen[m] = true
			leads = append(leads, time.Duration(m)*time.Minute)
		}
	}
	// Largest lead fires first
	sort.Slice(leads, func(i, j int) bool { return leads[i] > leads[j] })

	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Scheduler{
		primitive: primitive,
		leads:     leads,
		clock:     clk,
		logger:    logger.With().Str("component", "warning").Logger(),
	}
}

// Plan is one warning the scheduler would post.
type Plan struct {
	Lead   time.Duration
	FireIn time.Duration
}

// PlanFor computes the warnings still ahead of now for t, in firing order.
// Lead times whose trigger point is not strictly in the future are dropped.
func (s *Scheduler) PlanFor(t Target, now time.Time) []Plan {
	limit := time.Duration(t.HourLimit * float64(time.Hour))
	elapsed := now.Sub(t.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	plans := make([]Plan, 0, len(s.leads))
	for _, lead := range s.leads {
		fireIn := limit - elapsed - lead
		if fireIn <= 0 {
			continue
		}
		plans = append(plans, Plan{Lead: lead, FireIn: fireIn})
	}
	return plans
}

// ScheduleFor posts the warning group for t and returns the ids in firing
// order. Denied permission yields an empty group; other per-warning failures
// skip that warning only.
func (s *Scheduler) ScheduleFor(ctx context.Context, t Target) []string {
	plans := s.PlanFor(t, s.clock.Now())
	if skipped := len(s.leads) - len(plans); skipped > 0 {
		metrics.WarningsSkipped.Add(float64(skipped))
		s.logger.Debug().
			Str("session_id", t.SessionID).
			Int("skipped", skipped).
			Msg("Skipping warnings whose trigger point has passed")
	}

	ids := make([]string, 0, len(plans))
	for _, p := range plans {
		minutesLeft := int(p.Lead / time.Minute)
		id, err := s.primitive.Schedule(ctx, notify.Request{
			FireIn: p.FireIn,
			Title:  "Parking expiring",
			Body:   fmt.Sprintf("%s (%s): %s left", t.LocationLabel, t.LicensePlate, minutesLabel(minutesLeft)),
			Payload: notify.ExpiringPayload{
				SessionID:     t.SessionID,
				LocationLabel: t.LocationLabel,
				LicensePlate:  t.LicensePlate,
				MinutesLeft:   minutesLeft,
			},
		})
		if errors.Is(err, notify.ErrPermissionDenied) {
			s.logger.Warn().
				Str("session_id", t.SessionID).
				Msg("Notification permission denied, continuing without warnings")
			s.CancelAll(ctx, ids)
			return []string{}
		}
		if err != nil {
			s.logger.Error().Err(err).
				Str("session_id", t.SessionID).
				Int("minutes_left", minutesLeft).
				Msg("Failed to schedule warning")
			continue
		}

		metrics.WarningsScheduled.Inc()
		s.logger.Debug().
			Str("session_id", t.SessionID).
			Str("warning_id", id).
			Int("minutes_left", minutesLeft).
			Dur("fire_in", p.FireIn).
			Msg("Warning scheduled")
		ids = append(ids, id)
	}

	return ids
}

// CancelAll cancels every id. A failure for one id is logged and does not
// stop the rest. Cancelling fired or unknown ids is a no-op.
func (s *Scheduler) CancelAll(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := s.primitive.Cancel(ctx, id); err != nil {
			metrics.WarningCancelFailures.Inc()
			s.logger.Error().Err(err).Str("warning_id", id).Msg("Failed to cancel warning")
			continue
		}
		metrics.WarningsCancelled.Inc()
	}
}

// Reschedule replaces the old group with a fresh one computed from t
func (s *Scheduler) Reschedule(ctx context.Context, old []string, t Target) []string {
	s.CancelAll(ctx, old)
	return s.ScheduleFor(ctx, t)
}

func minutesLabel(n int) string {
	if n == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", n)
}
