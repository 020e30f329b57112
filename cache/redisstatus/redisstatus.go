// Package redisstatus caches budget.BudgetStatus in Redis.
//
// Entries are JSON under "budget:status:<envelope id>" with a TTL. The ledger
// deletes an entry on every write to the envelope; the TTL bounds staleness if
// an invalidation is lost.
package redisstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/warp/budget-ledger/budget"
)

const (
	keyPrefix  = "budget:status:"
	DefaultTTL = 30 * time.Second
)

type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache implements budget.StatusCache.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ budget.StatusCache = (*Cache)(nil)

// New wraps an existing client. ttl <= 0 means DefaultTTL.
func New(client redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Dial connects to opts.Addr and pings it.
func Dial(ctx context.Context, opts Options) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return New(client, opts.TTL), nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// entry is the stored form. Amounts stay decimal strings.
type entry struct {
	EnvelopeID        string          `json:"envelope_id"`
	Status            string          `json:"status"`
	Allocated         decimal.Decimal `json:"allocated"`
	Available         decimal.Decimal `json:"available"`
	Utilization       decimal.Decimal `json:"utilization"`
	ThresholdWarnings []string        `json:"threshold_warnings"`
	ComputedAt        time.Time       `json:"computed_at"`
}

// Get returns nil, nil on a miss.
func (c *Cache) Get(ctx context.Context, id budget.EnvelopeID) (*budget.BudgetStatus, error) {
	raw, err := c.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	warnings := e.ThresholdWarnings
	if warnings == nil {
		warnings = []string{}
	}
	return &budget.BudgetStatus{
		EnvelopeID:        budget.EnvelopeID(e.EnvelopeID),
		Status:            budget.EnvelopeStatus(e.Status),
		Allocated:         e.Allocated,
		Available:         e.Available,
		Utilization:       e.Utilization,
		ThresholdWarnings: warnings,
		ComputedAt:        e.ComputedAt,
	}, nil
}

func (c *Cache) Set(ctx context.Context, status budget.BudgetStatus) error {
	raw, err := json.Marshal(entry{
		EnvelopeID:        string(status.EnvelopeID),
		Status:            string(status.Status),
		Allocated:         status.Allocated,
		Available:         status.Available,
		Utilization:       status.Utilization,
		ThresholdWarnings: status.ThresholdWarnings,
		ComputedAt:        status.ComputedAt,
	})
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := c.client.Set(ctx, key(status.EnvelopeID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate deletes the entry. Missing keys are not an error.
func (c *Cache) Invalidate(ctx context.Context, id budget.EnvelopeID) error {
	if err := c.client.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func key(id budget.EnvelopeID) string {
	return keyPrefix + string(id)
}
