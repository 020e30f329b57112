package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/budget-ledger/budget"
)

var statusCmd = &cobra.Command{
	Use:   "status <envelope-id>",
	Short: "Show balance, utilization and warnings for an envelope",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	id := budget.EnvelopeID(args[0])
	env, err := a.Ledger.GetBudgetEnvelopeByID(cmd.Context(), id)
	if err != nil {
		return err
	}
	status, err := a.Ledger.GetBudgetStatus(cmd.Context(), id)
	if err != nil {
		return err
	}

	warnings := "none"
	if len(status.ThresholdWarnings) > 0 {
		warnings = strings.Join(status.ThresholdWarnings, ", ")
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Envelope\t%s\n", env.ID)
	fmt.Fprintf(tw, "Program\t%s\n", env.ProgramRef)
	fmt.Fprintf(tw, "Period\t%s .. %s\n", env.Period.Start.Format("2006-01-02"), env.Period.End.Format("2006-01-02"))
	fmt.Fprintf(tw, "Status\t%s\n", status.Status)
	fmt.Fprintf(tw, "Allocated\t%s %s\n", env.Allocated.StringFixed(2), env.Currency)
	fmt.Fprintf(tw, "Committed\t%s\n", env.Committed.StringFixed(2))
	fmt.Fprintf(tw, "Reserved\t%s\n", env.Reserved.StringFixed(2))
	fmt.Fprintf(tw, "Available\t%s\n", status.Available.StringFixed(2))
	fmt.Fprintf(tw, "Utilization\t%s%%\n", status.Utilization.Shift(2).StringFixed(2))
	fmt.Fprintf(tw, "Warnings\t%s\n", warnings)
	return tw.Flush()
}
