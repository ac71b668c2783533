package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/parkmeter/internal/clock"
	"github.com/goodtune/parkmeter/internal/storage"
	"github.com/rs/zerolog"
)

type recordingHandler struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (h *recordingHandler) Deliver(ctx context.Context, alert Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.alerts = append(h.alerts, alert)
	return nil
}

func (h *recordingHandler) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, len(h.alerts))
	for i, a := range h.alerts {
		ids[i] = a.ID
	}
	return ids
}

func TestDispatcher_PollDeliversDueAlertsOnce(t *testing.T) {
	store := openTestStore(t)
	clk := clock.NewTestClock(time.Now().Truncate(time.Second))
	local := NewLocal(store.Alerts(), LocalConfig{Enabled: true}, clk, zerolog.Nop())
	handler := &recordingHandler{}
	ctx := context.Background()

	dispatcher, err := NewDispatcher(store.Alerts(), handler, DispatcherConfig{}, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	soon, _ := local.Schedule(ctx, Request{FireIn: time.Minute, Payload: ExpiringPayload{SessionID: "s-1", MinutesLeft: 5}})
	later, _ := local.Schedule(ctx, Request{FireIn: 5 * time.Minute, Payload: ExpiringPayload{SessionID: "s-1", MinutesLeft: 1}})

	n, err := dispatcher.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected nothing due yet, delivered %d", n)
	}

	clk.Advance(2 * time.Minute)
	if n, _ = dispatcher.Poll(ctx); n != 1 {
		t.Fatalf("Expected 1 delivery, got %d", n)
	}
	if n, _ = dispatcher.Poll(ctx); n != 0 {
		t.Errorf("Expected no repeat delivery, got %d", n)
	}

	clk.Advance(10 * time.Minute)
	if n, _ = dispatcher.Poll(ctx); n != 1 {
		t.Fatalf("Expected 1 delivery, got %d", n)
	}

	ids := handler.ids()
	if len(ids) != 2 || ids[0] != soon || ids[1] != later {
		t.Errorf("Expected deliveries [%s %s], got %v", soon, later, ids)
	}
}

func TestDispatcher_CancelledAlertNeverDelivered(t *testing.T) {
	store := openTestStore(t)
	clk := clock.NewTestClock(time.Now().Truncate(time.Second))
	local := NewLocal(store.Alerts(), LocalConfig{Enabled: true}, clk, zerolog.Nop())
	handler := &recordingHandler{}
	ctx := context.Background()

	dispatcher, err := NewDispatcher(store.Alerts(), handler, DispatcherConfig{}, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	id, _ := local.Schedule(ctx, Request{FireIn: time.Minute, Payload: ExpiringPayload{SessionID: "s-1", MinutesLeft: 5}})
	if err := local.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	clk.Advance(time.Hour)
	if n, _ := dispatcher.Poll(ctx); n != 0 {
		t.Errorf("Expected cancelled alert not to be delivered, got %d", n)
	}
}

func TestDispatcher_SkipsDuplicateIDs(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().Truncate(time.Second)
	clk := clock.NewTestClock(now)
	handler := &recordingHandler{}
	ctx := context.Background()

	dispatcher, err := NewDispatcher(store.Alerts(), handler, DispatcherConfig{DedupeCacheSize: 4}, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	payload, _ := EncodePayload(StartedPayload{SessionID: "s-1"})
	alert := storage.Alert{ID: "dup", Payload: payload, FireAt: now, CreatedAt: now}

	// The same id re-enqueued (e.g. a retried write) is delivered once
	_ = store.Alerts().AddAlert(ctx, alert)
	_, _ = dispatcher.Poll(ctx)
	_ = store.Alerts().AddAlert(ctx, alert)
	_, _ = dispatcher.Poll(ctx)

	if got := handler.ids(); len(got) != 1 {
		t.Errorf("Expected a single delivery, got %v", got)
	}
}

func TestDispatcher_HandlerErrorDoesNotStopBatch(t *testing.T) {
	store := openTestStore(t)
	clk := clock.NewTestClock(time.Now().Truncate(time.Second))
	local := NewLocal(store.Alerts(), LocalConfig{Enabled: true}, clk, zerolog.Nop())
	ctx := context.Background()

	calls := 0
	handler := HandlerFunc(func(ctx context.Context, alert Alert) error {
		calls++
		if calls == 1 {
			return errors.New("display unavailable")
		}
		return nil
	})

	dispatcher, err := NewDispatcher(store.Alerts(), handler, DispatcherConfig{}, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	_, _ = local.Schedule(ctx, Request{FireIn: 0, Payload: StartedPayload{SessionID: "s-1"}})
	_, _ = local.Schedule(ctx, Request{FireIn: 0, Payload: EndedPayload{SessionID: "s-1"}})

	n, err := dispatcher.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected handler called twice, got %d", calls)
	}
	if n != 1 {
		t.Errorf("Expected 1 successful delivery, got %d", n)
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	store := openTestStore(t)
	local := NewLocal(store.Alerts(), LocalConfig{Enabled: true}, nil, zerolog.Nop())
	handler := &recordingHandler{}

	dispatcher, err := NewDispatcher(store.Alerts(), handler, DispatcherConfig{PollInterval: 10 * time.Millisecond}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	polled := make(chan struct{}, 1)
	dispatcher.OnPoll(func() {
		select {
		case polled <- struct{}{}:
		default:
		}
	})

	if _, err := local.Schedule(context.Background(), Request{FireIn: 0, Payload: StartedPayload{SessionID: "s-1"}}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	dispatcher.Start()
	deadline := time.After(2 * time.Second)
	for len(handler.ids()) == 0 {
		select {
		case <-polled:
		case <-deadline:
			dispatcher.Stop()
			t.Fatal("Timed out waiting for delivery")
		}
	}
	dispatcher.Stop()
}
