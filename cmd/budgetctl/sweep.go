package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var flagSweepNow string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue reservations and close ended envelopes",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().StringVar(&flagSweepNow, "now", "", "Sweep as of this RFC 3339 time instead of the clock")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	var now *time.Time
	if flagSweepNow != "" {
		at, err := time.Parse(time.RFC3339, flagSweepNow)
		if err != nil {
			return fmt.Errorf("--now must be RFC 3339: %w", err)
		}
		now = &at
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	expired, err := a.Ledger.CleanupExpiredReservations(cmd.Context(), now)
	if err != nil {
		return err
	}
	closed, err := a.Ledger.CloseEndedEnvelopes(cmd.Context(), now)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "expired %d reservation(s), closed %d envelope(s)\n", expired, closed)
	return nil
}
