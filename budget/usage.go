/*
usage.go - Committed spend without a prior hold

PURPOSE:
  UsageLedger debits an envelope directly. A debit is irreversible: there is no
  update or delete of usage records. Corrections are a business process outside
  the ledger.

IDEMPOTENCY:
  ApplyBudgetUsageChecked dedupes on (envelope, idempotency key). The key is
  looked up first so a replay costs one read; two replays racing past the
  lookup are settled by the store's unique index and the loser returns the
  winner's record. Exactly-once debit under at-least-once delivery.

SEE ALSO:
  - balance.go:     conditional write and retry loop
  - reservation.go: confirm also produces usage records
*/
package budget

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type UsageLedger struct {
	c *core
}

// ApplyBudgetUsage commits amount against the envelope. InsufficientBudgetError
// when amount exceeds the current available balance.
func (u *UsageLedger) ApplyBudgetUsage(ctx context.Context, envelopeID EnvelopeID, amount decimal.Decimal, referenceID string) (UsageRecord, error) {
	return u.apply(ctx, "apply usage", envelopeID, amount, referenceID, "")
}

// ApplyBudgetUsageChecked is ApplyBudgetUsage deduplicated on idempotencyKey:
// a retried call returns the original record without debiting again.
func (u *UsageLedger) ApplyBudgetUsageChecked(ctx context.Context, envelopeID EnvelopeID, amount decimal.Decimal, referenceID, idempotencyKey string) (UsageRecord, error) {
	const op = "apply usage checked"

	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return UsageRecord{}, &ValidationError{Field: "idempotency_key", Message: "is required"}
	}
	if err := requirePositive("amount", amount); err != nil {
		return UsageRecord{}, err
	}

	prior, err := u.findByKey(ctx, op, envelopeID, idempotencyKey)
	if err != nil {
		return UsageRecord{}, err
	}
	if prior != nil {
		return *prior, nil
	}
	return u.apply(ctx, op, envelopeID, amount, referenceID, idempotencyKey)
}

// ListUsage returns the envelope's usage records, oldest first.
func (u *UsageLedger) ListUsage(ctx context.Context, envelopeID EnvelopeID) ([]UsageRecord, error) {
	if _, err := u.c.loadEnvelope(ctx, "list usage", envelopeID); err != nil {
		return nil, err
	}
	records, err := u.c.store.ListUsage(ctx, envelopeID)
	if err != nil {
		u.c.logger.Error("list usage failed", zap.String("envelope_id", string(envelopeID)), zap.Error(err))
		return nil, internalError("list usage", err)
	}
	if records == nil {
		records = []UsageRecord{}
	}
	return records, nil
}

func (u *UsageLedger) apply(ctx context.Context, op string, envelopeID EnvelopeID, amount decimal.Decimal, referenceID, idempotencyKey string) (UsageRecord, error) {
	if err := requirePositive("amount", amount); err != nil {
		return UsageRecord{}, err
	}

	record := UsageRecord{
		ID:             UsageID(u.c.ids.NewID()),
		EnvelopeID:     envelopeID,
		Amount:         amount,
		ReferenceID:    referenceID,
		IdempotencyKey: idempotencyKey,
	}

	_, err := u.c.mutateBalance(ctx, op, envelopeID, func(env Envelope) (BalanceChange, error) {
		if !env.IsActive() {
			return BalanceChange{}, &InvalidStateError{Resource: "envelope", ID: string(env.ID), From: string(env.Status), To: "usage"}
		}
		if amount.GreaterThan(env.Available()) {
			return BalanceChange{}, &InsufficientBudgetError{EnvelopeID: env.ID, Requested: amount, Available: env.Available()}
		}
		record.AppliedAt = u.c.clock.Now()
		r := record
		return BalanceChange{
			Committed: env.Committed.Add(amount),
			Reserved:  env.Reserved,
			At:        record.AppliedAt,
			Usage:     &r,
		}, nil
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateIdempotencyKey) && idempotencyKey != "":
		prior, ferr := u.findByKey(ctx, op, envelopeID, idempotencyKey)
		if ferr != nil {
			return UsageRecord{}, ferr
		}
		if prior == nil {
			return UsageRecord{}, internalError(op, errors.New("duplicate idempotency key without a stored record"))
		}
		return *prior, nil
	case errors.Is(err, ErrInsufficientBudget):
		u.c.metrics.BudgetRejected(op)
		u.c.logger.Info("usage rejected: insufficient budget",
			zap.String("envelope_id", string(envelopeID)),
			zap.String("amount", amount.String()),
			zap.String("reference_id", referenceID))
		return UsageRecord{}, err
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return UsageRecord{}, internalError(op, err)
	default:
		return UsageRecord{}, err
	}

	u.c.metrics.UsageApplied("direct")
	u.c.logger.Debug("usage applied",
		zap.String("envelope_id", string(envelopeID)),
		zap.String("usage_id", string(record.ID)),
		zap.String("amount", amount.String()),
		zap.String("reference_id", referenceID))
	return record, nil
}

func (u *UsageLedger) findByKey(ctx context.Context, op string, envelopeID EnvelopeID, key string) (*UsageRecord, error) {
	prior, err := u.c.store.FindUsageByKey(ctx, envelopeID, key)
	if err != nil {
		u.c.logger.Error("usage key lookup failed", zap.String("envelope_id", string(envelopeID)), zap.Error(err))
		return nil, internalError(op, err)
	}
	return prior, nil
}
