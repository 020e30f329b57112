package redisstatus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/budget/store"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, ttl), mr
}

func sampleStatus() budget.BudgetStatus {
	return budget.BudgetStatus{
		EnvelopeID:        "env-1",
		Status:            budget.EnvelopeActive,
		Allocated:         decimal.NewFromInt(1000),
		Available:         decimal.RequireFromString("249.50"),
		Utilization:       decimal.RequireFromString("0.7505"),
		ThresholdWarnings: []string{"utilization_75"},
		ComputedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCache_MissReturnsNil(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	got, err := c.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_SetGetInvalidate(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)
	want := sampleStatus()

	require.NoError(t, c.Set(ctx, want))
	assert.True(t, mr.Exists("budget:status:env-1"))

	got, err := c.Get(ctx, "env-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.EnvelopeID, got.EnvelopeID)
	assert.Equal(t, want.Status, got.Status)
	assert.True(t, want.Available.Equal(got.Available), "available %s", got.Available)
	assert.True(t, want.Utilization.Equal(got.Utilization))
	assert.Equal(t, want.ThresholdWarnings, got.ThresholdWarnings)
	assert.True(t, want.ComputedAt.Equal(got.ComputedAt))

	require.NoError(t, c.Invalidate(ctx, "env-1"))
	got, err = c.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting a missing key is fine.
	require.NoError(t, c.Invalidate(ctx, "env-1"))
}

func TestCache_EntriesExpire(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, 10*time.Second)

	require.NoError(t, c.Set(ctx, sampleStatus()))
	mr.FastForward(11 * time.Second)

	got, err := c.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_DefaultTTL(t *testing.T) {
	c, mr := newTestCache(t, 0)

	require.NoError(t, c.Set(context.Background(), sampleStatus()))
	assert.Equal(t, DefaultTTL, mr.TTL("budget:status:env-1"))
}

func TestCache_CorruptEntry(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	require.NoError(t, mr.Set("budget:status:env-1", "{not json"))

	_, err := c.Get(context.Background(), "env-1")
	assert.Error(t, err)
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestDial_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := Dial(context.Background(), Options{Addr: mr.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	assert.Equal(t, time.Minute, c.ttl)
}

func TestCache_ServesLedgerStatus(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	ledger := newLedger(t, c)
	env := createEnvelope(t, ledger, 100)

	_, err := ledger.ApplyBudgetUsage(ctx, env.ID, decimal.NewFromInt(80), "ref")
	require.NoError(t, err)

	status, err := ledger.GetBudgetStatus(ctx, env.ID)
	require.NoError(t, err)
	assert.Contains(t, status.ThresholdWarnings, "utilization_75")

	cached, err := c.Get(ctx, env.ID)
	require.NoError(t, err)
	require.NotNil(t, cached)

	// A write drops the cached entry.
	_, err = ledger.ApplyBudgetUsage(ctx, env.ID, decimal.NewFromInt(15), "ref")
	require.NoError(t, err)
	cached, err = c.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Nil(t, cached)

	status, err = ledger.GetBudgetStatus(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"utilization_75", "utilization_90"}, status.ThresholdWarnings)
}

func newLedger(t *testing.T, c *Cache) *budget.Ledger {
	t.Helper()
	clock := budget.NewManualClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return budget.New(store.NewMemory(), budget.WithClock(clock), budget.WithStatusCache(c))
}

func createEnvelope(t *testing.T, ledger *budget.Ledger, allocated int64) budget.Envelope {
	t.Helper()
	env, err := ledger.CreateBudgetEnvelope(context.Background(), budget.CreateEnvelopeInput{
		ProgramRef: "rewards-q1",
		Period: budget.Period{
			Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		Allocated: decimal.NewFromInt(allocated),
	})
	require.NoError(t, err)
	return env
}
