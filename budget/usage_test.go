package budget_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/budget-ledger/budget"
)

func TestApplyBudgetUsage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")

	rec, err := f.ledger.ApplyBudgetUsage(ctx, env.ID, d("12.34"), "invoice-1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, midQ1, rec.AppliedAt)
	assert.Empty(t, rec.ReservationID)
	assert.Equal(t, 1, f.metrics.usage["direct"])
	f.assertTotals(t, env.ID, "12.34", "0", "87.66")

	// Exactly the remainder fits.
	_, err = f.ledger.ApplyBudgetUsage(ctx, env.ID, d("87.66"), "invoice-2")
	require.NoError(t, err)
	f.assertTotals(t, env.ID, "100", "0", "0")
}

func TestApplyBudgetUsage_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")
	f.reserve(t, env.ID, "70", "")

	_, err := f.ledger.ApplyBudgetUsage(ctx, env.ID, d("31"), "over")
	var ibe *budget.InsufficientBudgetError
	require.ErrorAs(t, err, &ibe)
	assert.True(t, ibe.Available.Equal(d("30")))
	assert.Equal(t, env.ID, ibe.EnvelopeID)

	_, err = f.ledger.ApplyBudgetUsage(ctx, env.ID, d("-1"), "neg")
	assert.ErrorIs(t, err, budget.ErrValidation)
	_, err = f.ledger.ApplyBudgetUsage(ctx, env.ID, d("0"), "zero")
	assert.ErrorIs(t, err, budget.ErrValidation)
	_, err = f.ledger.ApplyBudgetUsage(ctx, "missing", d("1"), "x")
	assert.ErrorIs(t, err, budget.ErrNotFound)

	f.assertTotals(t, env.ID, "0", "70", "30")
}

func TestApplyBudgetUsageChecked_Dedupes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")

	first, err := f.ledger.ApplyBudgetUsageChecked(ctx, env.ID, d("25"), "payout-1", "evt-1")
	require.NoError(t, err)
	second, err := f.ledger.ApplyBudgetUsageChecked(ctx, env.ID, d("25"), "payout-1", "evt-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "evt-1", second.IdempotencyKey)
	f.assertTotals(t, env.ID, "25", "0", "75")

	records, err := f.ledger.ListUsage(ctx, env.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestApplyBudgetUsageChecked_ConcurrentReplays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")

	var wg sync.WaitGroup
	ids := make([]budget.UsageID, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := f.ledger.ApplyBudgetUsageChecked(ctx, env.ID, d("30"), "payout", "evt-same")
			if assert.NoError(t, err) {
				ids[i] = rec.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	f.assertTotals(t, env.ID, "30", "0", "70")
}

func TestApplyBudgetUsageChecked_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")

	_, err := f.ledger.ApplyBudgetUsageChecked(ctx, env.ID, d("1"), "ref", "  ")
	var ve *budget.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "idempotency_key", ve.Field)

	_, err = f.ledger.ApplyBudgetUsageChecked(ctx, env.ID, d("-3"), "ref", "k")
	assert.ErrorIs(t, err, budget.ErrValidation)

	_, err = f.ledger.ApplyBudgetUsageChecked(ctx, env.ID, d("101"), "ref", "k")
	assert.ErrorIs(t, err, budget.ErrInsufficientBudget)

	// The rejected key is still free.
	_, err = f.ledger.ApplyBudgetUsageChecked(ctx, env.ID, d("100"), "ref", "k")
	require.NoError(t, err)
	f.assertTotals(t, env.ID, "100", "0", "0")
}

func TestListUsage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")

	records, err := f.ledger.ListUsage(ctx, env.ID)
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)

	_, err = f.ledger.ApplyBudgetUsage(ctx, env.ID, d("1"), "a")
	require.NoError(t, err)
	_, err = f.ledger.ApplyBudgetUsage(ctx, env.ID, d("2"), "b")
	require.NoError(t, err)

	records, err = f.ledger.ListUsage(ctx, env.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].ReferenceID)
	assert.Equal(t, "b", records[1].ReferenceID)

	_, err = f.ledger.ListUsage(ctx, "missing")
	assert.True(t, budget.IsNotFound(err))
}
