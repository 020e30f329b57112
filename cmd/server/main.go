/*
main.go - Application entry point

PURPOSE:
  Starts the budget ledger HTTP server. Handles configuration, dependency
  injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config/<ENV>.yaml (ENV defaults to "local")
  2. Build the zap logger and Prometheus metrics
  3. Open the store (sqlite, postgres or memory) and optional Redis cache
  4. Start the expiration sweeper when enabled
  5. Serve HTTP until SIGINT/SIGTERM

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (http.shutdown_timeout_sec)
  3. Stop the sweeper, close cache and database

ENVIRONMENT:
  ENV                 config file to load (local, prod)
  PORT, BUDGET_DB_*   expanded inside the config file

SEE ALSO:
  - api/server.go: Router configuration
  - internal/app: Store and ledger wiring
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/budget-ledger/api"
	"github.com/warp/budget-ledger/internal/app"
	"github.com/warp/budget-ledger/internal/config"
	logpkg "github.com/warp/budget-ledger/internal/logger"
	"github.com/warp/budget-ledger/internal/metrics"
)

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting budget ledger server",
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Bool("sweeper", cfg.SweeperEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	a, err := app.New(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatal("Failed to initialize ledger", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Error closing store", zap.Error(err))
		}
	}()

	if cfg.SweeperEnabled() {
		a.Ledger.Start(ctx)
	}

	var health api.HealthChecker
	if a.SQL != nil {
		health = a.SQL
	}
	handler := api.NewHandler(a.Ledger, health, logger.Named("http"))
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Metrics:        m,
	})

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		logger.Error("HTTP server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}
