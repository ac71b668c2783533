package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/parkmeter/internal/config"
	"github.com/goodtune/parkmeter/internal/gateway/mockserver"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var tokenTTL time.Duration

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run an in-memory parking server",
	Long: `Run an in-memory parking server implementing the parking session API, for
development and demos. Spaces and the starting balance come from mock_server
in the configuration. Sessions can be ended out of band with
DELETE /api/admin/sessions/{id}.`,
	Args: cobra.NoArgs,
	RunE: runMockServer,
}

var mockTokenCmd = &cobra.Command{
	Use:     "token USER",
	Short:   "Print a bearer token the mock server accepts",
	Example: `  export PARKMETER_GATEWAY_TOKEN=$(parkmeter mock-server token driver-42)`,
	Args:    cobra.ExactArgs(1),
	RunE:    runMockToken,
}

func init() {
	mockTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	mockServerCmd.AddCommand(mockTokenCmd)
	rootCmd.AddCommand(mockServerCmd)
}

func runMockServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	spaces := make([]mockserver.Space, 0, len(cfg.MockServer.Spaces))
	for _, sp := range cfg.MockServer.Spaces {
		spaces = append(spaces, mockserver.Space{ID: sp.ID, Label: sp.Label, FeePerHour: sp.FeePerHour})
	}
	if len(spaces) == 0 {
		spaces = []mockserver.Space{
			{ID: "A-01", Label: "Level A bay 1", FeePerHour: 3},
			{ID: "A-02", Label: "Level A bay 2", FeePerHour: 3},
			{ID: "B-01", Label: "Street parking", FeePerHour: 4.5},
		}
	}

	server := mockserver.New(mockserver.Config{
		Spaces:          spaces,
		StartingBalance: cfg.MockServer.StartingBalance,
		TokenSecret:     cfg.MockServer.TokenSecret,
	}, nil, logger)

	addr := fmt.Sprintf("%s:%d", cfg.MockServer.BindAddress, cfg.MockServer.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Mock server failed")
		}
	}()

	logger.Info().
		Str("addr", addr).
		Int("spaces", len(spaces)).
		Bool("verify_tokens", cfg.MockServer.TokenSecret != "").
		Msg("Mock parking server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, stopping mock server")
	return httpServer.Close()
}

func runMockToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	secret := cfg.MockServer.TokenSecret
	if secret == "" {
		// Unverified mode only reads the sub claim
		secret = "parkmeter-mock"
	}

	token, err := mockserver.IssueToken(secret, args[0], tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, token)
	return nil
}
