package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/parkmeter/internal/clock"
	"github.com/goodtune/parkmeter/internal/metrics"
	"github.com/goodtune/parkmeter/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	// DefaultPollInterval is how often the dispatcher checks for due alerts
	DefaultPollInterval = time.Second

	// DefaultClaimBatch bounds how many alerts one poll claims
	DefaultClaimBatch = 50

	// DefaultDedupeCacheSize bounds the delivered-id cache
	DefaultDedupeCacheSize = 1024
)

// Handler receives due alerts.
type Handler interface {
	Deliver(ctx context.Context, alert Alert) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, alert Alert) error

// Deliver calls f(ctx, alert)
func (f HandlerFunc) Deliver(ctx context.Context, alert Alert) error {
	return f(ctx, alert)
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	PollInterval    time.Duration
	ClaimBatch      int
	DedupeCacheSize int
}

// Dispatcher delivers due alerts from an AlertStore to a Handler
type Dispatcher struct {
	store        storage.AlertStore
	handler      Handler
	clock        clock.Clock
	pollInterval time.Duration
	claimBatch   int
	delivered    *lru.Cache[string, struct{}]
	onPoll       func()
	logger       zerolog.Logger
	stopChan     chan struct{}
	doneChan     chan struct{}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(store storage.AlertStore, handler Handler, config DispatcherConfig, clk clock.Clock, logger zerolog.Logger) (*Dispatcher, error) {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ClaimBatch <= 0 {
		config.ClaimBatch = DefaultClaimBatch
	}
	if config.DedupeCacheSize <= 0 {
		config.DedupeCacheSize = DefaultDedupeCacheSize
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	cache, err := lru.New[string, struct{}](config.DedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivered alert cache: %w", err)
	}

	return &Dispatcher{
		store:        store,
		handler:      handler,
		clock:        clk,
		pollInterval: config.PollInterval,
		claimBatch:   config.ClaimBatch,
		delivered:    cache,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}, nil
}

// OnPoll registers a hook called after every poll (used for the systemd watchdog)
func (d *Dispatcher) OnPoll(fn func()) {
	d.onPoll = fn
}

// Start begins the dispatch loop
func (d *Dispatcher) Start() {
	go d.run()
	d.logger.Info().
		Dur("poll_interval", d.pollInterval).
		Msg("Alert dispatcher started")
}

// Stop stops the dispatch loop and waits for the current poll to finish
func (d *Dispatcher) Stop() {
	close(d.stopChan)
	<-d.doneChan
	d.logger.Info().Msg("Alert dispatcher stopped")
}

// run is the main dispatch loop
func (d *Dispatcher) run() {
	defer close(d.doneChan)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.pollInterval*10)
			if _, err := d.Poll(ctx); err != nil {
				d.logger.Error().Err(err).Msg("Alert poll failed")
			}
			cancel()
			if d.onPoll != nil {
				d.onPoll()
			}
		case <-d.stopChan:
			return
		}
	}
}

// Poll claims every alert due now and hands each to the handler once.
// Returns the number of alerts delivered.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	delivered := 0

	for {
		claimed, err := d.store.ClaimDue(ctx, d.clock.Now(), d.claimBatch)
		if err != nil {
			return delivered, fmt.Errorf("failed to claim due alerts: %w", err)
		}

		for _, s := range claimed {
			if d.delivered.Contains(s.ID) {
				d.logger.Debug().Str("alert_id", s.ID).Msg("Alert already delivered, skipping")
				continue
			}
			d.delivered.Add(s.ID, struct{}{})

			alert, err := decodeAlert(s)
			if err != nil {
				d.logger.Warn().Err(err).Str("alert_id", s.ID).Msg("Dropping undecodable alert")
				continue
			}

			if err := d.handler.Deliver(ctx, alert); err != nil {
				d.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("Alert delivery failed")
				continue
			}

			metrics.AlertsDelivered.WithLabelValues(string(alert.Payload.Type())).Inc()
			delivered++
		}

		if len(claimed) < d.claimBatch {
			break
		}
	}

	if pending, err := d.store.ListAlerts(ctx); err == nil {
		metrics.AlertsPending.Set(float64(len(pending)))
	}

	return delivered, nil
}
