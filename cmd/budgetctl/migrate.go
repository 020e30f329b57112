package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/budget-ledger/internal/app"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the ledger schema",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	_, sqlStore, err := app.OpenStore(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	if sqlStore == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "memory driver: nothing to migrate")
		return nil
	}
	defer sqlStore.Close()

	if err := sqlStore.Migrate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Database.Driver)
	return nil
}
