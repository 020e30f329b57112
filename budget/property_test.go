package budget_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/budget/store"
)

// TestLedgerInvariants drives random operation sequences through the ledger.
// Property: after every step Committed + Reserved <= Allocated and Reserved
// equals the sum of held reservations.
func TestLedgerInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("totals stay within allocation", prop.ForAll(
		func(ops []int, amounts []int) bool {
			if len(amounts) == 0 {
				return true
			}
			ctx := context.Background()
			clock := budget.NewManualClock(midQ1)
			ledger := budget.New(store.NewMemory(), budget.WithClock(clock))

			env, err := ledger.CreateBudgetEnvelope(ctx, budget.CreateEnvelopeInput{
				ProgramRef: "prop",
				Period:     budget.Period{Start: q1Start, End: q1End},
				Allocated:  decimal.NewFromInt(100),
			})
			if err != nil {
				return false
			}

			for i, op := range ops {
				amount := decimal.NewFromInt(int64(amounts[i%len(amounts)]))
				if err := step(ctx, ledger, clock, env.ID, op, amount); err != nil {
					t.Logf("step %d (op %d): %v", i, op, err)
					return false
				}
				if !invariantsHold(ctx, ledger, env.ID) {
					t.Logf("invariant broken after step %d (op %d)", i, op)
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 4)),
		gen.SliceOfN(8, gen.IntRange(1, 40)),
	))

	properties.TestingRun(t)
}

// step applies one operation. Rejections the ledger is expected to produce
// are not failures.
func step(ctx context.Context, ledger *budget.Ledger, clock *budget.ManualClock, id budget.EnvelopeID, op int, amount decimal.Decimal) error {
	var err error
	switch op {
	case 0:
		_, err = ledger.ReserveBudget(ctx, budget.ReserveRequest{EnvelopeID: id, Amount: amount, TTL: 5 * time.Second})
	case 1:
		_, err = ledger.ApplyBudgetUsage(ctx, id, amount, "prop")
	case 2, 3:
		held, lerr := ledger.GetActiveReservations(ctx, id)
		if lerr != nil || len(held) == 0 {
			return lerr
		}
		if op == 2 {
			actual := decimal.Min(amount, held[0].Amount)
			_, err = ledger.ConfirmBudgetReservation(ctx, held[0].ID, &actual)
		} else {
			_, err = ledger.ReleaseReservedBudget(ctx, held[len(held)-1].ID)
		}
	case 4:
		clock.Advance(3 * time.Second)
		_, err = ledger.CleanupExpiredReservations(ctx, nil)
	}
	if errors.Is(err, budget.ErrInsufficientBudget) || errors.Is(err, budget.ErrInvalidState) {
		return nil
	}
	return err
}

func invariantsHold(ctx context.Context, ledger *budget.Ledger, id budget.EnvelopeID) bool {
	env, err := ledger.GetBudgetEnvelopeByID(ctx, id)
	if err != nil {
		return false
	}
	if env.Committed.IsNegative() || env.Reserved.IsNegative() {
		return false
	}
	if env.Committed.Add(env.Reserved).GreaterThan(env.Allocated) {
		return false
	}
	held, err := ledger.GetActiveReservations(ctx, id)
	if err != nil {
		return false
	}
	sum := decimal.Zero
	for _, r := range held {
		sum = sum.Add(r.Amount)
	}
	return sum.Equal(env.Reserved)
}
