package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session lifecycle metrics
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkmeter_session_transitions_total",
			Help: "Committed session transitions",
		},
		[]string{"op"},
	)

	SessionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkmeter_session_failures_total",
			Help: "Rejected or failed session transitions",
		},
		[]string{"op", "kind"},
	)

	SessionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parkmeter_session_active",
			Help: "1 while a parking session is active in this process",
		},
	)

	Rehydrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkmeter_rehydrations_total",
			Help: "Session rehydrations by outcome",
		},
		[]string{"outcome"},
	)

	// Warning metrics
	WarningsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parkmeter_warnings_scheduled_total",
			Help: "Expiry warnings scheduled",
		},
	)

	WarningsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parkmeter_warnings_skipped_total",
			Help: "Expiry warnings skipped because their trigger point had passed",
		},
	)

	WarningsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parkmeter_warnings_cancelled_total",
			Help: "Expiry warnings cancelled",
		},
	)

	WarningCancelFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parkmeter_warning_cancel_failures_total",
			Help: "Expiry warning cancellations that failed",
		},
	)

	// Alert delivery metrics
	AlertsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkmeter_alerts_delivered_total",
			Help: "Alerts handed to the delivery handler",
		},
		[]string{"type"},
	)

	AlertsStale = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parkmeter_alerts_stale_total",
			Help: "Delivered alerts ignored because their session is no longer active",
		},
	)

	AlertsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parkmeter_alerts_pending",
			Help: "Alerts waiting in the queue at the last dispatcher poll",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionTransitions,
		SessionFailures,
		SessionActive,
		Rehydrations,
		WarningsScheduled,
		WarningsSkipped,
		WarningsCancelled,
		WarningCancelFailures,
		AlertsDelivered,
		AlertsStale,
		AlertsPending,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
