package budget

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// errNoChange lets a plan report that the desired state already holds.
var errNoChange = errors.New("no balance change needed")

// balancePlan computes the write for the envelope as currently stored. It
// returns a domain error to abort, or errNoChange to stop without writing.
type balancePlan func(env Envelope) (BalanceChange, error)

// mutateBalance reads the envelope, asks plan for the new totals and issues
// the conditional write, retrying only when another writer moved BalanceSeq
// in between. ErrReservationNotHeld and ErrDuplicateIdempotencyKey are returned
// untouched so callers can resolve them idempotently; other store failures
// become InternalError.
func (c *core) mutateBalance(ctx context.Context, op string, id EnvelopeID, plan balancePlan) (Envelope, error) {
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		env, err := c.loadEnvelope(ctx, op, id)
		if err != nil {
			return Envelope{}, err
		}

		change, err := plan(env)
		if err != nil {
			return env, err
		}
		change.EnvelopeID = id
		change.ExpectedSeq = env.BalanceSeq
		if change.At.IsZero() {
			change.At = c.clock.Now()
		}
		if err := checkTotals(env, change.Committed, change.Reserved); err != nil {
			return env, err
		}

		err = c.store.ApplyBalanceChange(ctx, change)
		switch {
		case err == nil:
			env.Committed = change.Committed
			env.Reserved = change.Reserved
			env.BalanceSeq++
			env.UpdatedAt = change.At
			c.invalidate(ctx, id)
			return env, nil
		case errors.Is(err, ErrBalanceConflict):
			c.metrics.BalanceRetry(op)
			continue
		case errors.Is(err, ErrReservationNotHeld), errors.Is(err, ErrDuplicateIdempotencyKey):
			return env, err
		default:
			c.logger.Error("balance write failed",
				zap.String("op", op),
				zap.String("envelope_id", string(id)),
				zap.Error(err))
			return env, internalError(op, err)
		}
	}

	c.logger.Warn("balance write gave up under contention",
		zap.String("op", op),
		zap.String("envelope_id", string(id)),
		zap.Int("attempts", c.cfg.MaxRetries+1))
	return Envelope{}, &ConflictError{Resource: "envelope", ID: string(id), Reason: "too many concurrent writers, retry"}
}

// checkTotals enforces Committed + Reserved <= Allocated on the values about to
// be written. Plans already reject overspend with InsufficientBudgetError; this
// is the last line and reports the same error.
func checkTotals(env Envelope, committed, reserved decimal.Decimal) error {
	if committed.IsNegative() || reserved.IsNegative() {
		return internalError("balance check", errors.New("negative running total"))
	}
	if committed.Add(reserved).GreaterThan(env.Allocated) {
		return &InsufficientBudgetError{
			EnvelopeID: env.ID,
			Requested:  committed.Add(reserved).Sub(env.Committed).Sub(env.Reserved),
			Available:  env.Available(),
		}
	}
	return nil
}

// withoutHold returns env.Reserved minus the hold. A shortfall means another
// writer resolved the hold after res was read.
func withoutHold(env Envelope, res Reservation) (decimal.Decimal, error) {
	if env.Reserved.LessThan(res.Amount) {
		return decimal.Decimal{}, ErrReservationNotHeld
	}
	return env.Reserved.Sub(res.Amount), nil
}

func (c *core) loadEnvelope(ctx context.Context, op string, id EnvelopeID) (Envelope, error) {
	if id == "" {
		return Envelope{}, &ValidationError{Field: "envelope_id", Message: "is required"}
	}
	env, err := c.store.GetEnvelope(ctx, id)
	if err != nil {
		c.logger.Error("load envelope failed", zap.String("op", op), zap.String("envelope_id", string(id)), zap.Error(err))
		return Envelope{}, internalError(op, err)
	}
	if env == nil {
		return Envelope{}, &NotFoundError{Resource: "envelope", ID: string(id)}
	}
	return *env, nil
}

func (c *core) loadReservation(ctx context.Context, op string, id ReservationID) (Reservation, error) {
	if id == "" {
		return Reservation{}, &ValidationError{Field: "reservation_id", Message: "is required"}
	}
	r, err := c.store.GetReservation(ctx, id)
	if err != nil {
		c.logger.Error("load reservation failed", zap.String("op", op), zap.String("reservation_id", string(id)), zap.Error(err))
		return Reservation{}, internalError(op, err)
	}
	if r == nil {
		return Reservation{}, &NotFoundError{Resource: "reservation", ID: string(id)}
	}
	return *r, nil
}

func (c *core) invalidate(ctx context.Context, id EnvelopeID) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, id); err != nil {
		c.logger.Warn("status cache invalidate failed", zap.String("envelope_id", string(id)), zap.Error(err))
	}
}

func requirePositive(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: field, Message: "must be greater than zero"}
	}
	return nil
}
