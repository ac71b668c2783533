package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/parkmeter/internal/config"
	"github.com/goodtune/parkmeter/internal/metrics"
	"github.com/goodtune/parkmeter/internal/notify"
	"github.com/goodtune/parkmeter/internal/session"
	"github.com/goodtune/parkmeter/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run the alert dispatch daemon",
	Long: `Deliver due alerts from the local queue. The daemon runs independently of
the parkmeter client, so expiry warnings fire even when no client is running.
Warnings for a session that has since ended are dropped.`,
	Args: cobra.NoArgs,
	RunE: runDispatch,
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	logger := a.logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("user", a.userID).
		Msg("Starting parkmeter dispatcher")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// The daemon never writes session keys; it only reads the current id
	filter := session.NewAlertFilter(a.store.KV(), cfg.Storage.KeyPrefix, a.userID, logger)
	handler := &terminalHandler{filter: filter, logger: logger.With().Str("component", "delivery").Logger()}

	dispatcher, err := notify.NewDispatcher(a.store.Alerts(), handler, notify.DispatcherConfig{
		PollInterval:    config.ParseDuration(cfg.Notifications.PollInterval, notify.DefaultPollInterval),
		ClaimBatch:      cfg.Notifications.ClaimBatch,
		DedupeCacheSize: cfg.Notifications.DedupeCacheSize,
	}, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	dispatcher.OnPoll(func() {
		if err := systemd.NotifyWatchdog(); err != nil {
			logger.Debug().Err(err).Msg("Failed to send systemd watchdog notification")
		}
	})
	dispatcher.Start()

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	dispatcher.Stop()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("parkmeter dispatcher stopped")
	return nil
}

// terminalHandler shows alerts on stdout, dropping stale ones
type terminalHandler struct {
	filter *session.AlertFilter
	logger zerolog.Logger
}

func (h *terminalHandler) Deliver(ctx context.Context, alert notify.Alert) error {
	if !h.filter.Allow(ctx, alert) {
		return nil
	}

	c := color.New(color.FgCyan, color.Bold)
	if p, ok := alert.Payload.(notify.ExpiringPayload); ok && p.MinutesLeft <= 5 {
		c = color.New(color.FgRed, color.Bold)
	}

	_, _ = c.Fprintf(os.Stdout, "🔔 %s  %s\n", time.Now().Format("15:04:05"), alert.Title)
	if alert.Body != "" {
		fmt.Fprintf(os.Stdout, "   %s\n", alert.Body)
	}

	h.logger.Info().
		Str("alert_id", alert.ID).
		Str("type", string(alert.Payload.Type())).
		Str("session_id", alert.Payload.Session()).
		Msg("Alert delivered")
	return nil
}
