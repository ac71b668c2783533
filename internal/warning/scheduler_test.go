package warning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/parkmeter/internal/clock"
	"github.com/goodtune/parkmeter/internal/config"
	"github.com/goodtune/parkmeter/internal/notify"
	"github.com/goodtune/parkmeter/internal/storage/redis"
	"github.com/rs/zerolog"
)

// fakePrimitive records scheduled requests and can fail selected calls
type fakePrimitive struct {
	mu          sync.Mutex
	next        int
	pending     map[string]notify.Request
	denied      bool
	failOn      map[int]bool // 1-based Schedule call numbers that fail
	calls       int
	cancelFails map[string]bool
	cancelled   []string
}

func newFakePrimitive() *fakePrimitive {
	return &fakePrimitive{
		pending:     make(map[string]notify.Request),
		failOn:      make(map[int]bool),
		cancelFails: make(map[string]bool),
	}
}

func (f *fakePrimitive) Schedule(ctx context.Context, req notify.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.denied {
		return "", notify.ErrPermissionDenied
	}
	if f.failOn[f.calls] {
		return "", errors.New("alert queue unavailable")
	}
	f.next++
	id := fmt.Sprintf("w-%d", f.next)
	f.pending[id] = req
	return id, nil
}

func (f *fakePrimitive) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	if f.cancelFails[id] {
		return errors.New("cancel failed")
	}
	delete(f.pending, id)
	return nil
}

func (f *fakePrimitive) Pending(ctx context.Context) ([]notify.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	alerts := make([]notify.Alert, 0, len(f.pending))
	for id, req := range f.pending {
		alerts = append(alerts, notify.Alert{ID: id, Payload: req.Payload})
	}
	return alerts, nil
}

func newTestScheduler(p notify.Primitive, clk clock.Clock) *Scheduler {
	return NewScheduler(p, Config{LeadMinutes: []int{15, 5, 1}}, clk, zerolog.Nop())
}

func twoHourTarget(startedAt time.Time) Target {
	return Target{
		SessionID:     "s-1",
		LocationLabel: "Harbour St L2",
		LicensePlate:  "ABC123",
		StartedAt:     startedAt,
		HourLimit:     2,
	}
}

func TestScheduleFor_FreshTwoHourSession(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	clk := clock.NewTestClock(start)
	prim := newFakePrimitive()
	s := newTestScheduler(prim, clk)

	ids := s.ScheduleFor(context.Background(), twoHourTarget(start))
	if len(ids) != 3 {
		t.Fatalf("Expected 3 warnings, got %d", len(ids))
	}

	want := []struct {
		fireIn  time.Duration
		minutes int
	}{
		{6300 * time.Second, 15},
		{6900 * time.Second, 5},
		{7140 * time.Second, 1},
	}
	for i, id := range ids {
		req := prim.pending[id]
		if req.FireIn != want[i].fireIn {
			t.Errorf("Warning %d: expected fire in %v, got %v", i, want[i].fireIn, req.FireIn)
		}
		p, ok := req.Payload.(notify.ExpiringPayload)
		if !ok {
			t.Fatalf("Warning %d: expected expiring payload, got %T", i, req.Payload)
		}
		if p.MinutesLeft != want[i].minutes || p.SessionID != "s-1" || p.LicensePlate != "ABC123" {
			t.Errorf("Warning %d: unexpected payload %+v", i, p)
		}
	}
}

func TestScheduleFor_LateStartKeepsOnlyFutureWarnings(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	clk := clock.NewTestClock(start.Add(110 * time.Minute))
	prim := newFakePrimitive()
	s := newTestScheduler(prim, clk)

	// Ten minutes remain: the 15 minute warning is already past
	ids := s.ScheduleFor(context.Background(), twoHourTarget(start))
	if len(ids) != 2 {
		t.Fatalf("Expected 2 warnings, got %d", len(ids))
	}

	tests := []struct {
		fireIn      time.Duration
		minutesLeft int
	}{
		{5 * time.Minute, 5},
		{9 * time.Minute, 1},
	}
	for i, tt := range tests {
		req := prim.pending[ids[i]]
		if req.FireIn != tt.fireIn {
			t.Errorf("Warning %d: expected fire in %v, got %v", i, tt.fireIn, req.FireIn)
		}
		if p := req.Payload.(notify.ExpiringPayload); p.MinutesLeft != tt.minutesLeft {
			t.Errorf("Warning %d: expected %d minutes left, got %d", i, tt.minutesLeft, p.MinutesLeft)
		}
	}

	for _, req := range prim.pending {
		if req.Payload.(notify.ExpiringPayload).MinutesLeft == 15 {
			t.Error("15 minute warning should have been skipped")
		}
	}
}

func TestPlanFor_Boundaries(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	s := newTestScheduler(newFakePrimitive(), nil)

	tests := []struct {
		name      string
		hourLimit float64
		elapsed   time.Duration
		want      int
	}{
		{"two hours fresh", 2, 0, 3},
		{"trigger exactly now is skipped", 2, 105 * time.Minute, 2},
		{"tiny limit", 1.0 / 60, 0, 0},
		{"ten minute limit", 10.0 / 60, 0, 2},
		{"past expiry", 1, 2 * time.Hour, 0},
		{"clock before start", 2, -5 * time.Minute, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := Target{SessionID: "s", StartedAt: start, HourLimit: tt.hourLimit}
			plans := s.PlanFor(target, start.Add(tt.elapsed))
			if len(plans) != tt.want {
				t.Errorf("Expected %d plans, got %d (%+v)", tt.want, len(plans), plans)
			}
			for _, p := range plans {
				if p.FireIn <= 0 {
					t.Errorf("Plan with non-positive delay: %+v", p)
				}
			}
		})
	}
}

func TestNewScheduler_OrdersAndDedupesLeads(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	s := NewScheduler(newFakePrimitive(), Config{LeadMinutes: []int{1, 15, 5, 15, -3}}, nil, zerolog.Nop())

	plans := s.PlanFor(Target{SessionID: "s", StartedAt: start, HourLimit: 2}, start)

	want := []time.Duration{15 * time.Minute, 5 * time.Minute, time.Minute}
	if len(plans) != len(want) {
		t.Fatalf("Expected %d plans, got %d (%+v)", len(want), len(plans), plans)
	}
	for i, lead := range want {
		if plans[i].Lead != lead {
			t.Errorf("Plan %d: expected lead %v, got %v", i, lead, plans[i].Lead)
		}
	}
}

func TestScheduleFor_TinyLimitSchedulesNothing(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	prim := newFakePrimitive()
	s := newTestScheduler(prim, clock.NewTestClock(start))

	target := twoHourTarget(start)
	target.HourLimit = 0.01

	ids := s.ScheduleFor(context.Background(), target)
	if len(ids) != 0 {
		t.Errorf("Expected no warnings, got %v", ids)
	}
	if prim.calls != 0 {
		t.Errorf("Expected no primitive calls, got %d", prim.calls)
	}
}

func TestScheduleFor_PermissionDenied(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	prim := newFakePrimitive()
	prim.denied = true
	s := newTestScheduler(prim, clock.NewTestClock(start))

	ids := s.ScheduleFor(context.Background(), twoHourTarget(start))
	if ids == nil || len(ids) != 0 {
		t.Errorf("Expected empty non-nil group, got %#v", ids)
	}
}

func TestScheduleFor_PrimitiveFailureSkipsOneWarning(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	prim := newFakePrimitive()
	prim.failOn[2] = true
	s := newTestScheduler(prim, clock.NewTestClock(start))

	ids := s.ScheduleFor(context.Background(), twoHourTarget(start))
	if len(ids) != 2 {
		t.Fatalf("Expected 2 warnings, got %d", len(ids))
	}
	for _, id := range ids {
		if p := prim.pending[id].Payload.(notify.ExpiringPayload); p.MinutesLeft == 5 {
			t.Errorf("Expected the 5 minute warning to be missing")
		}
	}
}

func TestCancelAll_FailSoft(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	prim := newFakePrimitive()
	s := newTestScheduler(prim, clock.NewTestClock(start))

	ids := s.ScheduleFor(context.Background(), twoHourTarget(start))
	prim.cancelFails[ids[0]] = true

	s.CancelAll(context.Background(), ids)

	if len(prim.cancelled) != 3 {
		t.Errorf("Expected all 3 cancellations attempted, got %v", prim.cancelled)
	}
	if len(prim.pending) != 1 {
		t.Errorf("Expected only the failed warning left pending, got %d", len(prim.pending))
	}
}

func TestReschedule_ReplacesWholeGroup(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	prim := newFakePrimitive()
	s := newTestScheduler(prim, clock.NewTestClock(start))
	ctx := context.Background()

	target := twoHourTarget(start)
	target.HourLimit = 1
	old := s.ScheduleFor(ctx, target)

	target.HourLimit = 2
	fresh := s.Reschedule(ctx, old, target)

	if len(fresh) != 3 {
		t.Fatalf("Expected 3 fresh warnings, got %d", len(fresh))
	}
	for _, id := range fresh {
		for _, o := range old {
			if id == o {
				t.Errorf("Fresh group reuses old id %s", id)
			}
		}
	}
	if len(prim.pending) != 3 {
		t.Errorf("Expected exactly the fresh group pending, got %d", len(prim.pending))
	}
	if got := prim.pending[fresh[0]].FireIn; got != 105*time.Minute {
		t.Errorf("Expected first warning at 105m, got %v", got)
	}
}

func TestCancelAll_IdempotentAgainstAlertQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	}, "test")
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	defer store.Close()

	start := time.Now().Truncate(time.Second)
	clk := clock.NewTestClock(start)
	local := notify.NewLocal(store.Alerts(), notify.LocalConfig{Enabled: true}, clk, zerolog.Nop())
	s := newTestScheduler(local, clk)
	ctx := context.Background()

	ids := s.ScheduleFor(ctx, twoHourTarget(start))
	if len(ids) != 3 {
		t.Fatalf("Expected 3 warnings, got %d", len(ids))
	}

	s.CancelAll(ctx, ids)
	s.CancelAll(ctx, ids)

	pending, err := local.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending warnings, got %d", len(pending))
	}
}
