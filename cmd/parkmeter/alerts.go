package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/parkmeter/internal/storage"
	"github.com/spf13/cobra"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts [ID]",
	Short: "List pending alerts",
	Long:  `List alerts waiting in the local queue for the dispatch daemon to deliver, or show one alert in full.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAlerts,
}

func init() {
	rootCmd.AddCommand(alertsCmd)
}

func runAlerts(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		alert, err := a.alerts.Get(ctx, args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("alert %s already fired or was cancelled", args[0])
		}
		if err != nil {
			return err
		}
		_, _ = color.New(color.FgCyan, color.Bold).Fprintf(os.Stdout, "%s\n", alert.Title)
		fmt.Fprintf(os.Stdout, "   ID:       %s\n", alert.ID)
		fmt.Fprintf(os.Stdout, "   Type:     %s\n", alert.Payload.Type())
		fmt.Fprintf(os.Stdout, "   Session:  %s\n", alert.Payload.Session())
		fmt.Fprintf(os.Stdout, "   Fires at: %s\n", alert.FireAt.Local().Format("2006-01-02 15:04:05"))
		if alert.Body != "" {
			fmt.Fprintf(os.Stdout, "   %s\n", alert.Body)
		}
		return nil
	}

	pending, err := a.alerts.Pending(ctx)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		fmt.Fprintln(os.Stdout, "No pending alerts")
		return nil
	}

	cyan := color.New(color.FgCyan)
	now := time.Now()
	for _, alert := range pending {
		_, _ = cyan.Fprintf(os.Stdout, "%s  in %-10s", alert.FireAt.Local().Format("15:04:05"), alert.FireAt.Sub(now).Truncate(time.Second).String())
		fmt.Fprintf(os.Stdout, "  %-17s %s  [%s]\n", alert.Payload.Type(), alert.Title, alert.Payload.Session())
	}
	return nil
}
