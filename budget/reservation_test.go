package budget_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/budget/store"
)

func TestReserveBudget_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")

	tests := []struct {
		name  string
		req   budget.ReserveRequest
		field string
	}{
		{"zero amount", budget.ReserveRequest{EnvelopeID: env.ID, Amount: d("0")}, "amount"},
		{"negative amount", budget.ReserveRequest{EnvelopeID: env.ID, Amount: d("-1")}, "amount"},
		{"negative ttl", budget.ReserveRequest{EnvelopeID: env.ID, Amount: d("1"), TTL: -time.Second}, "ttl"},
		{"ttl above max", budget.ReserveRequest{EnvelopeID: env.ID, Amount: d("1"), TTL: 25 * time.Hour}, "ttl"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ledger.ReserveBudget(ctx, tc.req)
			var ve *budget.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	_, err := f.ledger.ReserveBudget(ctx, budget.ReserveRequest{EnvelopeID: "missing", Amount: d("1")})
	assert.ErrorIs(t, err, budget.ErrNotFound)

	f.assertTotals(t, env.ID, "0", "0", "100")
}

func TestReserveBudget_TTL(t *testing.T) {
	f := newFixture(t)
	env := f.envelope(t, "100")

	res := f.reserve(t, env.ID, "10", "")
	assert.Equal(t, midQ1.Add(15*time.Minute), res.ExpiresAt)
	assert.Equal(t, midQ1, res.CreatedAt)
	assert.Equal(t, budget.ReservationHeld, res.Status)
	assert.Nil(t, res.ResolvedAt)

	custom, err := f.ledger.ReserveBudget(context.Background(), budget.ReserveRequest{EnvelopeID: env.ID, Amount: d("1"), TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, midQ1.Add(time.Hour), custom.ExpiresAt)
	assert.Equal(t, 2, f.metrics.created)
}

func TestReserveBudget_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")
	req := budget.ReserveRequest{EnvelopeID: env.ID, Amount: d("40"), IdempotencyKey: "checkout-7"}

	first, err := f.ledger.ReserveBudget(ctx, req)
	require.NoError(t, err)
	second, err := f.ledger.ReserveBudget(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	f.assertTotals(t, env.ID, "0", "40", "60")

	// The key is scoped to the envelope.
	other := f.envelopeFor(t, "rewards-q1-eu", "100")
	req.EnvelopeID = other.ID
	third, err := f.ledger.ReserveBudget(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestReserveBudget_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")

	var wg sync.WaitGroup
	ids := make([]budget.ReservationID, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.ledger.ReserveBudget(ctx, budget.ReserveRequest{EnvelopeID: env.ID, Amount: d("10"), IdempotencyKey: "same"})
			if assert.NoError(t, err) {
				ids[i] = res.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	f.assertTotals(t, env.ID, "0", "10", "90")
}

func TestConfirmBudgetReservation_FullAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")
	res := f.reserve(t, env.ID, "25.50", "order-2")

	f.clock.Advance(time.Minute)
	confirmed, err := f.ledger.ConfirmBudgetReservation(ctx, res.ID, nil)
	require.NoError(t, err)
	assert.True(t, confirmed.ConfirmedAmount.Equal(d("25.50")))
	require.NotNil(t, confirmed.ResolvedAt)
	assert.Equal(t, midQ1.Add(time.Minute), *confirmed.ResolvedAt)
	f.assertTotals(t, env.ID, "25.50", "0", "74.50")

	assert.Equal(t, 1, f.metrics.resolved[budget.ReservationConfirmed])
	assert.Equal(t, 1, f.metrics.usage["reservation"])
}

func TestConfirmBudgetReservation_Twice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")
	res := f.reserve(t, env.ID, "40", "")

	first, err := f.ledger.ConfirmBudgetReservation(ctx, res.ID, dp("30"))
	require.NoError(t, err)
	// A different amount on replay is ignored.
	second, err := f.ledger.ConfirmBudgetReservation(ctx, res.ID, dp("40"))
	require.NoError(t, err)

	assert.Equal(t, first.UsageID, second.UsageID)
	assert.True(t, second.ConfirmedAmount.Equal(d("30")))

	usage, err := f.ledger.ListUsage(ctx, env.ID)
	require.NoError(t, err)
	assert.Len(t, usage, 1)
	f.assertTotals(t, env.ID, "30", "0", "70")
}

func TestConfirmBudgetReservation_ConcurrentConfirms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")
	res := f.reserve(t, env.ID, "50", "")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.ledger.ConfirmBudgetReservation(ctx, res.ID, nil)
			if assert.NoError(t, err) {
				assert.Equal(t, budget.ReservationConfirmed, out.Status)
			}
		}()
	}
	wg.Wait()

	usage, err := f.ledger.ListUsage(ctx, env.ID)
	require.NoError(t, err)
	assert.Len(t, usage, 1)
	f.assertTotals(t, env.ID, "50", "0", "50")
}

func TestConfirmBudgetReservation_RacingRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")
	res := f.reserve(t, env.ID, "50", "")

	var (
		wg                    sync.WaitGroup
		confirmErr, releaseErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, confirmErr = f.ledger.ConfirmBudgetReservation(ctx, res.ID, nil)
	}()
	go func() {
		defer wg.Done()
		_, releaseErr = f.ledger.ReleaseReservedBudget(ctx, res.ID)
	}()
	wg.Wait()

	final, err := f.ledger.GetReservation(ctx, res.ID)
	require.NoError(t, err)

	switch final.Status {
	case budget.ReservationConfirmed:
		assert.NoError(t, confirmErr)
		assert.ErrorIs(t, releaseErr, budget.ErrInvalidState)
		f.assertTotals(t, env.ID, "50", "0", "50")
	case budget.ReservationReleased:
		assert.NoError(t, releaseErr)
		assert.ErrorIs(t, confirmErr, budget.ErrInvalidState)
		f.assertTotals(t, env.ID, "0", "0", "100")
	default:
		t.Fatalf("unexpected final status %s", final.Status)
	}
}

func TestConfirmBudgetReservation_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")
	res := f.reserve(t, env.ID, "40", "")

	_, err := f.ledger.ConfirmBudgetReservation(ctx, res.ID, dp("40.01"))
	assert.ErrorIs(t, err, budget.ErrValidation)
	_, err = f.ledger.ConfirmBudgetReservation(ctx, res.ID, dp("0"))
	assert.ErrorIs(t, err, budget.ErrValidation)
	_, err = f.ledger.ConfirmBudgetReservation(ctx, "missing", nil)
	assert.ErrorIs(t, err, budget.ErrNotFound)

	f.assertTotals(t, env.ID, "0", "40", "60")
}

func TestConfirmBudgetReservation_AfterTTLWithoutSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")
	res, err := f.ledger.ReserveBudget(ctx, budget.ReserveRequest{EnvelopeID: env.ID, Amount: d("20"), TTL: time.Minute})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.ledger.ConfirmBudgetReservation(ctx, res.ID, nil)

	var ise *budget.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, string(budget.ReservationExpired), ise.From)

	got, err := f.ledger.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.ReservationExpired, got.Status)
	f.assertTotals(t, env.ID, "0", "0", "100")
}

func TestReleaseReservedBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")
	res := f.reserve(t, env.ID, "35", "")

	released, err := f.ledger.ReleaseReservedBudget(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.ReservationReleased, released.Status)
	f.assertTotals(t, env.ID, "0", "0", "100")

	// Idempotent.
	again, err := f.ledger.ReleaseReservedBudget(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.ReservationReleased, again.Status)
	f.assertTotals(t, env.ID, "0", "0", "100")
	assert.Equal(t, 1, f.metrics.resolved[budget.ReservationReleased])

	_, err = f.ledger.ConfirmBudgetReservation(ctx, res.ID, nil)
	var ise *budget.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "released", ise.From)
	assert.Equal(t, "confirmed", ise.To)
}

func TestReleaseReservationsByReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.envelope(t, "100")
	b := f.envelopeFor(t, "rewards-q1-eu", "100")

	f.reserve(t, a.ID, "10", "cart-9")
	f.reserve(t, a.ID, "15", "cart-9")
	f.reserve(t, b.ID, "20", "cart-9")
	keep := f.reserve(t, a.ID, "5", "cart-10")
	confirmed := f.reserve(t, b.ID, "7", "cart-9")
	_, err := f.ledger.ConfirmBudgetReservation(ctx, confirmed.ID, nil)
	require.NoError(t, err)

	n, err := f.ledger.ReleaseReservationsByReference(ctx, "cart-9")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.ledger.ReleaseReservationsByReference(ctx, "cart-9")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.assertTotals(t, a.ID, "0", "5", "95")
	f.assertTotals(t, b.ID, "7", "0", "93")

	got, err := f.ledger.GetReservation(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.ReservationHeld, got.Status)

	_, err = f.ledger.ReleaseReservationsByReference(ctx, " ")
	assert.ErrorIs(t, err, budget.ErrValidation)
}

func TestGetActiveReservations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.envelope(t, "100")

	held, err := f.ledger.GetActiveReservations(ctx, env.ID)
	require.NoError(t, err)
	assert.NotNil(t, held)
	assert.Empty(t, held)

	r1 := f.reserve(t, env.ID, "1", "")
	f.clock.Advance(time.Second)
	r2 := f.reserve(t, env.ID, "2", "")
	_, err = f.ledger.ReleaseReservedBudget(ctx, r1.ID)
	require.NoError(t, err)

	held, err = f.ledger.GetActiveReservations(ctx, env.ID)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, r2.ID, held[0].ID)

	_, err = f.ledger.GetActiveReservations(ctx, "missing")
	assert.ErrorIs(t, err, budget.ErrNotFound)
}

func TestReservationErrorsStayTyped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ledger.GetReservation(ctx, "")
	assert.True(t, errors.Is(err, budget.ErrValidation))
	_, err = f.ledger.ReleaseReservedBudget(ctx, "nope")
	assert.True(t, budget.IsNotFound(err))
}

// =============================================================================
// INTERLEAVED WRITERS
// =============================================================================

// interleavedStore runs a competing writer once, right after the next
// reservation read, so the caller acts on a hold that is no longer held.
type interleavedStore struct {
	budget.Store
	mu        sync.Mutex
	afterRead func()
}

func (s *interleavedStore) arm(fn func()) {
	s.mu.Lock()
	s.afterRead = fn
	s.mu.Unlock()
}

func (s *interleavedStore) fire() {
	s.mu.Lock()
	fn := s.afterRead
	s.afterRead = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *interleavedStore) GetReservation(ctx context.Context, id budget.ReservationID) (*budget.Reservation, error) {
	r, err := s.Store.GetReservation(ctx, id)
	s.fire()
	return r, err
}

func (s *interleavedStore) GetEnvelope(ctx context.Context, id budget.EnvelopeID) (*budget.Envelope, error) {
	env, err := s.Store.GetEnvelope(ctx, id)
	s.fire()
	return env, err
}

func (s *interleavedStore) ListReservations(ctx context.Context, filter budget.ReservationFilter) ([]budget.Reservation, error) {
	out, err := s.Store.ListReservations(ctx, filter)
	s.fire()
	return out, err
}

// newInterleaved returns a fixture over the wrapped store plus a second
// ledger writing to the same data without the hook.
func newInterleaved(t *testing.T, opts ...budget.Option) (*fixture, *interleavedStore, *budget.Ledger) {
	t.Helper()
	mem := store.NewMemory()
	st := &interleavedStore{Store: mem}
	f := newFixtureWithStore(t, st, opts...)
	other := budget.New(mem, budget.WithClock(f.clock))
	return f, st, other
}

func TestConfirm_HoldConfirmedBetweenReadAndWrite(t *testing.T) {
	ctx := context.Background()
	f, st, other := newInterleaved(t)
	env := f.envelope(t, "100")
	res := f.reserve(t, env.ID, "40", "cart-1")

	var first budget.Reservation
	st.arm(func() {
		var err error
		first, err = other.ConfirmBudgetReservation(ctx, res.ID, nil)
		require.NoError(t, err)
	})

	got, err := f.ledger.ConfirmBudgetReservation(ctx, res.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, budget.ReservationConfirmed, got.Status)
	assert.Equal(t, first.UsageID, got.UsageID)
	f.assertTotals(t, env.ID, "40", "0", "60")

	usage, err := f.ledger.ListUsage(ctx, env.ID)
	require.NoError(t, err)
	assert.Len(t, usage, 1)
}

func TestRelease_HoldConfirmedBetweenReadAndWrite(t *testing.T) {
	ctx := context.Background()
	f, st, other := newInterleaved(t)
	env := f.envelope(t, "100")
	res := f.reserve(t, env.ID, "40", "cart-1")

	st.arm(func() {
		_, err := other.ConfirmBudgetReservation(ctx, res.ID, nil)
		require.NoError(t, err)
	})

	_, err := f.ledger.ReleaseReservedBudget(ctx, res.ID)
	var ise *budget.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "confirmed", ise.From)
	f.assertTotals(t, env.ID, "40", "0", "60")
}

func TestReleaseByReference_HoldReleasedBetweenScanAndWrite(t *testing.T) {
	ctx := context.Background()
	f, st, other := newInterleaved(t)
	env := f.envelope(t, "100")
	big := f.reserve(t, env.ID, "30", "ref-A")
	f.reserve(t, env.ID, "10", "ref-A")

	st.arm(func() {
		_, err := other.ReleaseReservedBudget(ctx, big.ID)
		require.NoError(t, err)
	})

	n, err := f.ledger.ReleaseReservationsByReference(ctx, "ref-A")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the hold this call released is counted")
	f.assertTotals(t, env.ID, "0", "0", "100")
}

func TestCleanup_HoldResolvedDuringSweep(t *testing.T) {
	ctx := context.Background()
	f, st, other := newInterleaved(t)
	env := f.envelope(t, "100")
	big := f.reserve(t, env.ID, "20", "")
	small := f.reserve(t, env.ID, "5", "")
	f.clock.Advance(16 * time.Minute)

	st.arm(func() {
		_, err := other.ReleaseReservedBudget(ctx, big.ID)
		require.NoError(t, err)
	})

	n, err := f.ledger.CleanupExpiredReservations(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.assertTotals(t, env.ID, "0", "0", "100")

	got, err := f.ledger.GetReservation(ctx, big.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.ReservationReleased, got.Status)
	got, err = f.ledger.GetReservation(ctx, small.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.ReservationExpired, got.Status)
}
