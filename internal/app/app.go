// Package app wires configuration into a running ledger. Shared by the server
// and budgetctl so both open the same store the same way.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/budget/store"
	"github.com/warp/budget-ledger/cache/redisstatus"
	"github.com/warp/budget-ledger/internal/config"
	"github.com/warp/budget-ledger/internal/metrics"
	"github.com/warp/budget-ledger/store/postgres"
	"github.com/warp/budget-ledger/store/sqlite"
	"github.com/warp/budget-ledger/store/sqlstore"
)

// App holds the ledger and the resources behind it.
type App struct {
	Ledger  *budget.Ledger
	Store   budget.Store
	Metrics *metrics.Metrics

	// SQL is nil for the memory driver.
	SQL   *sqlstore.Store
	cache *redisstatus.Cache
}

// OpenStore opens and migrates the store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (budget.Store, *sqlstore.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil, nil
	case "sqlite":
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, s, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// New opens the store and the optional Redis status cache, then builds the
// ledger. m may be nil.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) (*App, error) {
	st, sqlStore, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{Store: st, SQL: sqlStore, Metrics: m}

	opts := []budget.Option{
		budget.WithLogger(logger.Named("ledger")),
		budget.WithConfig(cfg.LedgerOptions()),
	}
	if m != nil {
		opts = append(opts, budget.WithMetrics(m))
	}

	if cfg.Redis.Addr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstatus.Dial(dialCtx, redisstatus.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      time.Duration(cfg.Redis.StatusTTLSec) * time.Second,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.cache = c
		opts = append(opts, budget.WithStatusCache(c))
		logger.Info("status cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	a.Ledger = budget.New(st, opts...)
	return a, nil
}

// Close stops the sweeper and releases the cache and database.
func (a *App) Close() error {
	if a.Ledger != nil {
		a.Ledger.Stop()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.SQL != nil {
		return a.SQL.Close()
	}
	return nil
}
