package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/goodtune/parkmeter/internal/auth"
	"github.com/goodtune/parkmeter/internal/clock"
	"github.com/goodtune/parkmeter/internal/config"
	"github.com/goodtune/parkmeter/internal/gateway"
	"github.com/goodtune/parkmeter/internal/notify"
	"github.com/goodtune/parkmeter/internal/session"
	"github.com/goodtune/parkmeter/internal/storage"
	"github.com/goodtune/parkmeter/internal/storage/bolt"
	"github.com/goodtune/parkmeter/internal/storage/redis"
	"github.com/goodtune/parkmeter/internal/warning"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// anonymousUser namespaces keys when no usable token is configured
const anonymousUser = "anonymous"

// app is the wiring shared by the session commands. Each invocation is a
// fresh process, so it always rehydrates before acting.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    storage.Store
	creds    auth.Credentials
	userID   string
	alerts   *notify.Local
	sessions *session.Store
}

func newApp(ctx context.Context, rehydrate bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	creds, err := auth.Parse(cfg.Gateway.Token)
	if err != nil {
		logger.Debug().Err(err).Msg("No usable bearer token")
	}
	userID := creds.UserID()
	if userID == "" {
		userID = anonymousUser
	}

	clk := clock.RealClock{}
	local := notify.NewLocal(store.Alerts(), notify.LocalConfig{Enabled: cfg.Notifications.Enabled}, clk, logger)
	warnings := warning.NewScheduler(local, warning.Config{LeadMinutes: cfg.Warnings.LeadMinutes}, clk, logger)
	gw := gateway.NewClient(gateway.ClientConfig{
		BaseURL: cfg.Gateway.BaseURL,
		Token:   creds.Token,
		Timeout: config.ParseDuration(cfg.Gateway.Timeout, gateway.DefaultTimeout),
	}, nil, logger)

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		creds:  creds,
		userID: userID,
		alerts: local,
	}

	a.sessions = session.NewStore(session.Deps{
		KV:       store.KV(),
		Gateway:  gw,
		Warnings: warnings,
		Notifier: local,
		Auth:     creds,
		Balance:  a.recordBalance,
		Clock:    clk,
		Logger:   logger,
	}, session.Config{
		KeyPrefix:        cfg.Storage.KeyPrefix,
		UserID:           userID,
		DefaultHourLimit: cfg.Session.DefaultHourLimit,
		Announce:         cfg.Session.Announce,
	})

	if rehydrate {
		if err := a.sessions.Rehydrate(ctx); err != nil {
			switch {
			case session.IsTransient(err):
				printWarning("Parking server unreachable, showing the last known session")
			case errors.Is(err, session.ErrNotAuthenticated):
				// Commands that need a sign-in report it themselves
			default:
				a.Close()
				return nil, describe(err)
			}
		}
	}

	return a, nil
}

// Close releases storage
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close storage")
	}
}

func (a *app) balanceKey() string {
	return fmt.Sprintf("%s:%s:balance", a.cfg.Storage.KeyPrefix, a.userID)
}

// recordBalance keeps the last balance the server reported
func (a *app) recordBalance(ctx context.Context, balance float64) {
	if err := a.store.KV().Set(ctx, a.balanceKey(), strconv.FormatFloat(balance, 'f', 2, 64)); err != nil {
		a.logger.Error().Err(err).Msg("Failed to record balance")
	}
}

// lastBalance returns the last recorded balance, if any
func (a *app) lastBalance(ctx context.Context) (float64, bool) {
	raw, err := a.store.KV().Get(ctx, a.balanceKey())
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis, cfg.KeyPrefix)
	case "bolt":
		return bolt.Open(cfg.Bolt.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: redis, bolt)", storageType)
	}
}

// setupLogger configures the logger based on configuration. Logs go to
// stderr so command output on stdout stays clean.
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
