package session

import (
	"time"
)

// LifecycleState is the lifecycle of a single parking session
type LifecycleState string

const (
	LifecycleActive LifecycleState = "active"
	LifecycleEnding LifecycleState = "ending"
	LifecycleEnded  LifecycleState = "ended"
)

// State is the store's view of the user's parking
type State int

const (
	NoSession State = iota
	Active
	Ending
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "no-session"
	case Active:
		return "active"
	case Ending:
		return "ending"
	default:
		return "unknown"
	}
}

// ParkingSession is the user's in-progress parking occupancy.
type ParkingSession struct {
	SessionID     string    `json:"sessionId"`
	LicensePlate  string    `json:"licensePlate"`
	SpaceID       string    `json:"spaceId"`
	LocationLabel string    `json:"locationLabel"`
	FeePerHour    float64   `json:"feePerHour"`
	StartedAt     time.Time `json:"startedAt"`

	// HourLimit is advisory: it drives warnings and display, never a cutoff
	HourLimit float64 `json:"hourLimit"`

	// AccruedCostEstimate is informational only. The amount charged is the
	// TotalCost returned when the session ends.
	AccruedCostEstimate float64 `json:"accruedCostEstimate"`

	ScheduledWarningIDs []string       `json:"scheduledWarningIds"`
	LifecycleState      LifecycleState `json:"lifecycleState"`
}

// Estimate returns the cost accrued between s.StartedAt and now. It is not
// clamped to the hour limit.
func Estimate(s ParkingSession, now time.Time) float64 {
	elapsed := now.Sub(s.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return elapsed / 3600 * s.FeePerHour
}

// Expiration returns the nominal end of the session
func (s ParkingSession) Expiration() time.Time {
	return s.StartedAt.Add(time.Duration(s.HourLimit * float64(time.Hour)))
}

// Remaining returns the time left until the nominal end; negative once past it
func (s ParkingSession) Remaining(now time.Time) time.Duration {
	return s.Expiration().Sub(now)
}

func (s ParkingSession) clone() ParkingSession {
	c := s
	if s.ScheduledWarningIDs != nil {
		c.ScheduledWarningIDs = append([]string(nil), s.ScheduledWarningIDs...)
	}
	return c
}
