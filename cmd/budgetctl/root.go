package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/budget-ledger/internal/app"
	"github.com/warp/budget-ledger/internal/config"
	logpkg "github.com/warp/budget-ledger/internal/logger"
)

var (
	flagConfig  string
	flagEnv     string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:           "budgetctl",
	Short:         "Budget ledger maintenance CLI",
	Long:          "Operator commands for the budget ledger.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (default: config/<env>.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flagEnv, "env", "e", config.GetEnv(), "Environment name used to locate the config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log ledger activity to stderr")
}

func loadConfig() (config.Config, error) {
	if flagConfig != "" {
		return config.LoadFile(flagConfig)
	}
	return config.Load(flagEnv)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if !flagVerbose {
		return zap.NewNop(), nil
	}
	return logpkg.NewLogger(flagEnv, cfg.Logging.Level)
}

// openApp loads config and builds the ledger. Callers must Close it.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger, nil)
}
