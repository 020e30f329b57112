/*
ledger.go - Ledger facade and shared wiring

PURPOSE:
  Ledger bundles the five components behind one value so hosts (HTTP handlers,
  workers, the CLI) get every operation from a single constructor:

    EnvelopeStore           create / get / list / update / close envelopes
    UsageLedger             direct committed spend, idempotent variant
    ReservationManager      reserve / confirm / release holds
    AvailabilityCalculator  availability, balance, summaries, status
    ExpirationSweeper       expire stale holds, close ended envelopes

  All components share one core: the Store, the clock, the id generator, the
  logger, metrics, the optional status cache, and Config.

EXAMPLE:
  ledger := budget.New(store, budget.WithLogger(logger))
  res, err := ledger.ReserveBudget(ctx, budget.ReserveRequest{
      EnvelopeID: envID, Amount: decimal.NewFromInt(400), ReferenceID: "A", TTL: time.Minute,
  })

SEE ALSO:
  - balance.go: conditional-write retry loop shared by every money move
*/
package budget

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	// DefaultTTL applies when a reserve request carries no TTL.
	DefaultTTL time.Duration
	// MaxTTL caps reservation TTLs.
	MaxTTL time.Duration
	// MaxRetries bounds compare-and-swap retries under contention.
	MaxRetries int
	// Thresholds are utilization fractions that raise status warnings.
	Thresholds []decimal.Decimal
	// SweepBatchSize is how many expired holds the sweeper loads per batch.
	SweepBatchSize int
	// SweepInterval is the period of the background sweeper.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:     15 * time.Minute,
		MaxTTL:         24 * time.Hour,
		MaxRetries:     32,
		Thresholds:     []decimal.Decimal{decimal.RequireFromString("0.75"), decimal.RequireFromString("0.9"), decimal.NewFromInt(1)},
		SweepBatchSize: 500,
		SweepInterval:  time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = d.MaxTTL
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if len(c.Thresholds) == 0 {
		c.Thresholds = d.Thresholds
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// =============================================================================
// OPTIONS
// =============================================================================

type Option func(*core)

func WithClock(c Clock) Option { return func(k *core) { k.clock = c } }

func WithIDGenerator(g IDGenerator) Option { return func(k *core) { k.ids = g } }

func WithLogger(l *zap.Logger) Option {
	return func(k *core) {
		if l != nil {
			k.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(k *core) {
		if m != nil {
			k.metrics = m
		}
	}
}

// WithStatusCache serves GetBudgetStatus from cache; writes invalidate it.
func WithStatusCache(c StatusCache) Option { return func(k *core) { k.cache = c } }

func WithConfig(cfg Config) Option { return func(k *core) { k.cfg = cfg } }

// =============================================================================
// LEDGER
// =============================================================================

type core struct {
	store   Store
	clock   Clock
	ids     IDGenerator
	logger  *zap.Logger
	metrics Metrics
	cache   StatusCache
	cfg     Config
}

// Ledger exposes every ledger operation.
type Ledger struct {
	*EnvelopeStore
	*UsageLedger
	*ReservationManager
	*AvailabilityCalculator
	*ExpirationSweeper
}

func New(store Store, opts ...Option) *Ledger {
	c := &core{
		store:   store,
		clock:   SystemClock(),
		ids:     UUIDGenerator(),
		logger:  zap.NewNop(),
		metrics: NopMetrics(),
		cfg:     DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.withDefaults()

	return &Ledger{
		EnvelopeStore:          &EnvelopeStore{c: c},
		UsageLedger:            &UsageLedger{c: c},
		ReservationManager:     &ReservationManager{c: c},
		AvailabilityCalculator: &AvailabilityCalculator{c: c},
		ExpirationSweeper:      newExpirationSweeper(c),
	}
}
