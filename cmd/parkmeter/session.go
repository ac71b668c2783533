package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/parkmeter/internal/session"
	"github.com/spf13/cobra"
)

var (
	startFee      float64
	startLocation string
	startHours    float64
	statusWatch   bool
	statusEvery   time.Duration
)

var startCmd = &cobra.Command{
	Use:   "start [flags] SPACE PLATE",
	Short: "Start a parking session",
	Long:  `Claim a parking space for a licence plate and schedule expiry warnings.`,
	Example: `  parkmeter start A-12 ABC123
  parkmeter start --hours 1.5 A-12 ABC123`,
	Args: cobra.ExactArgs(2),
	RunE: runStart,
}

var extendCmd = &cobra.Command{
	Use:     "extend HOURS",
	Short:   "Extend the active session's hour limit",
	Long:    `Raise the hour limit of the active session and replace its expiry warnings.`,
	Example: `  parkmeter extend 1`,
	Args:    cobra.ExactArgs(1),
	RunE:    runExtend,
}

var endCmd = &cobra.Command{
	Use:   "end",
	Short: "End the active parking session",
	Args:  cobra.NoArgs,
	RunE:  runEnd,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active parking session",
	Long:  `Show the active parking session with its estimated cost. The estimate is informational; the charge is set by the parking server when the session ends.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear local session data and pending warnings",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func init() {
	startCmd.Flags().Float64Var(&startHours, "hours", 0, "Hour limit for warnings (defaults to session.default_hour_limit)")
	startCmd.Flags().Float64Var(&startFee, "fee", 0, "Fee per hour to assume if the server does not return one")
	startCmd.Flags().StringVar(&startLocation, "location", "", "Location label to use if the server does not return one")

	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Keep refreshing the estimate")
	statusCmd.Flags().DurationVar(&statusEvery, "interval", time.Second, "Refresh interval for --watch")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(extendCmd)
	rootCmd.AddCommand(endCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logoutCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.sessions.Start(ctx, session.StartRequest{
		SpaceID:       args[0],
		LicensePlate:  args[1],
		FeePerHour:    startFee,
		LocationLabel: startLocation,
		HourLimit:     startHours,
	})
	if err != nil {
		return describe(err)
	}

	green := color.New(color.FgGreen, color.Bold)
	_, _ = green.Fprintf(os.Stdout, "✅ Parking started at %s\n", p.LocationLabel)
	printSession(p, session.Active)
	if len(p.ScheduledWarningIDs) == 0 {
		printWarning("No expiry warnings scheduled")
	}
	return nil
}

func runExtend(cmd *cobra.Command, args []string) error {
	hours, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid hours %q: %w", args[0], err)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.sessions.Extend(ctx, hours)
	if err != nil {
		return describe(err)
	}

	_, _ = color.New(color.FgGreen, color.Bold).Fprintf(os.Stdout, "✅ Extended until %s\n", p.Expiration().Local().Format("15:04"))
	printSession(p, session.Active)
	return nil
}

func runEnd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	receipt, err := a.sessions.End(ctx)
	if err != nil {
		return describe(err)
	}

	green := color.New(color.FgGreen, color.Bold)
	_, _ = green.Fprintln(os.Stdout, "✅ Parking ended")
	fmt.Fprintf(os.Stdout, "   Duration:  %s\n", (time.Duration(receipt.DurationSeconds) * time.Second).String())
	fmt.Fprintf(os.Stdout, "   Charged:   %.2f\n", receipt.TotalCost)
	fmt.Fprintf(os.Stdout, "   Balance:   %.2f\n", receipt.NewBalance)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	show := func() {
		p, state, ok := a.sessions.Snapshot()
		if !ok {
			fmt.Fprintln(os.Stdout, "No active parking session")
		} else {
			printSession(p, state)
		}
		if balance, ok := a.lastBalance(ctx); ok {
			fmt.Fprintf(os.Stdout, "   Balance:   %.2f (last reported)\n", balance)
		}
	}

	show()
	if !statusWatch {
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(statusEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(os.Stdout)
			show()
		case <-ctx.Done():
			return nil
		}
	}
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	a.sessions.ForceClear(ctx)
	if err := a.store.KV().Remove(ctx, a.balanceKey()); err != nil {
		a.logger.Error().Err(err).Msg("Failed to remove recorded balance")
	}

	fmt.Fprintln(os.Stdout, "✅ Local session data cleared")
	return nil
}

func printSession(p session.ParkingSession, state session.State) {
	cyan := color.New(color.FgCyan, color.Bold)
	now := time.Now()

	_, _ = cyan.Fprintf(os.Stdout, "[%s] %s\n", state, p.LocationLabel)
	fmt.Fprintf(os.Stdout, "   Session:   %s\n", p.SessionID)
	fmt.Fprintf(os.Stdout, "   Plate:     %s\n", p.LicensePlate)
	fmt.Fprintf(os.Stdout, "   Space:     %s (%.2f/h)\n", p.SpaceID, p.FeePerHour)
	fmt.Fprintf(os.Stdout, "   Started:   %s\n", p.StartedAt.Local().Format("2006-01-02 15:04"))

	remaining := p.Remaining(now).Truncate(time.Second)
	if remaining > 0 {
		fmt.Fprintf(os.Stdout, "   Expires:   %s (in %s)\n", p.Expiration().Local().Format("15:04"), remaining)
	} else {
		_, _ = color.New(color.FgRed, color.Bold).Fprintf(os.Stdout, "   Expired:   %s (%s ago)\n", p.Expiration().Local().Format("15:04"), -remaining)
	}

	fmt.Fprintf(os.Stdout, "   Estimated: %.2f\n", session.Estimate(p, now))
	fmt.Fprintf(os.Stdout, "   Warnings:  %d scheduled\n", len(p.ScheduledWarningIDs))
}

func printWarning(msg string) {
	_, _ = color.New(color.FgYellow).Fprintf(os.Stderr, "⚠️  %s\n", msg)
}

// errReported marks an error already printed for the user
var errReported = errors.New("error already reported")

// describe renders a session error for the terminal
func describe(err error) error {
	var serr *session.Error
	if !errors.As(err, &serr) {
		return err
	}

	msg := serr.Message
	if msg == "" && serr.Err != nil {
		msg = serr.Err.Error()
	}
	red := color.New(color.FgRed, color.Bold)
	_, _ = red.Fprintf(os.Stderr, "❌ %s failed: %s\n", serr.Op, msg)

	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		fmt.Fprintln(os.Stderr, "   Set gateway.token (or PARKMETER_GATEWAY_TOKEN) to sign in.")
	case session.IsTransient(err):
		fmt.Fprintln(os.Stderr, "   Nothing changed. Try again when the parking server is reachable.")
	case session.KindOf(err) == session.KindStorage:
		fmt.Fprintln(os.Stderr, "   Check the storage settings with parkmeter validate --dump.")
	case errors.Is(err, session.ErrBusy):
		fmt.Fprintln(os.Stderr, "   Wait for the other change to finish.")
	}
	return errReported
}

