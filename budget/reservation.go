/*
reservation.go - Reservation lifecycle (holds)

PURPOSE:
  ReservationManager places provisional holds on an envelope's available balance
  and resolves them. A hold counts against Reserved until it is confirmed into
  usage, released, or expired by the sweeper.

FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │  ReserveBudget ──▶ held ──▶ ConfirmBudgetReservation ──▶ usage    │
  │                     │                                            │
  │                     ├────▶ ReleaseReservedBudget  (frees amount) │
  │                     └────▶ sweeper, ExpiresAt <= now (frees)     │
  └──────────────────────────────────────────────────────────────────┘

ATOMICITY:
  Every transition is one BalanceChange: the envelope totals CAS plus the
  reservation update guarded by status = held. A confirm racing a release (or
  the sweeper) is decided by that guard; the loser re-reads and reports the
  winner's outcome.

PARTIAL CONFIRM:
  Confirming for less than the held amount commits the actual amount and frees
  the rest immediately. There is no separate release of the remainder.

IDEMPOTENCY:
  - Confirm of a confirmed hold returns it, whatever actualAmount is passed.
  - Release of a released or expired hold returns it.
  - Reserve with an idempotency key returns the original hold on replay.

SEE ALSO:
  - lifecycle.go: status enum and HeldReservation transitions
  - sweeper.go:   TTL expiry
*/
package budget

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ReservationManager struct {
	c *core
}

type ReserveRequest struct {
	EnvelopeID  EnvelopeID
	Amount      decimal.Decimal
	ReferenceID string
	// TTL until the hold expires. Zero means Config.DefaultTTL.
	TTL time.Duration
	// IdempotencyKey, when set, makes a retried reserve return the first hold.
	IdempotencyKey string
}

// =============================================================================
// RESERVE
// =============================================================================

// ReserveBudget places a hold of req.Amount. The availability check and the
// insert happen in the same conditional write.
func (m *ReservationManager) ReserveBudget(ctx context.Context, req ReserveRequest) (Reservation, error) {
	const op = "reserve"

	if err := requirePositive("amount", req.Amount); err != nil {
		return Reservation{}, err
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = m.c.cfg.DefaultTTL
	}
	if ttl < 0 {
		return Reservation{}, &ValidationError{Field: "ttl", Message: "must be positive"}
	}
	if ttl > m.c.cfg.MaxTTL {
		return Reservation{}, &ValidationError{Field: "ttl", Message: "exceeds maximum of " + m.c.cfg.MaxTTL.String()}
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.IdempotencyKey != "" {
		prior, err := m.findByKey(ctx, op, req.EnvelopeID, req.IdempotencyKey)
		if err != nil {
			return Reservation{}, err
		}
		if prior != nil {
			return *prior, nil
		}
	}

	res := Reservation{
		ID:             ReservationID(m.c.ids.NewID()),
		EnvelopeID:     req.EnvelopeID,
		Amount:         req.Amount,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         ReservationHeld,
	}

	_, err := m.c.mutateBalance(ctx, op, req.EnvelopeID, func(env Envelope) (BalanceChange, error) {
		if !env.IsActive() {
			return BalanceChange{}, &InvalidStateError{Resource: "envelope", ID: string(env.ID), From: string(env.Status), To: "reserve"}
		}
		if req.Amount.GreaterThan(env.Available()) {
			return BalanceChange{}, &InsufficientBudgetError{EnvelopeID: env.ID, Requested: req.Amount, Available: env.Available()}
		}
		now := m.c.clock.Now()
		res.CreatedAt = now
		res.ExpiresAt = now.Add(ttl)
		r := res
		return BalanceChange{
			Committed:      env.Committed,
			Reserved:       env.Reserved.Add(req.Amount),
			At:             now,
			NewReservation: &r,
		}, nil
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateIdempotencyKey) && req.IdempotencyKey != "":
		prior, ferr := m.findByKey(ctx, op, req.EnvelopeID, req.IdempotencyKey)
		if ferr != nil {
			return Reservation{}, ferr
		}
		if prior == nil {
			return Reservation{}, internalError(op, errors.New("duplicate idempotency key without a stored reservation"))
		}
		return *prior, nil
	case errors.Is(err, ErrInsufficientBudget):
		m.c.metrics.BudgetRejected(op)
		m.c.logger.Info("reservation rejected: insufficient budget",
			zap.String("envelope_id", string(req.EnvelopeID)),
			zap.String("amount", req.Amount.String()),
			zap.String("reference_id", req.ReferenceID))
		return Reservation{}, err
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return Reservation{}, internalError(op, err)
	default:
		return Reservation{}, err
	}

	m.c.metrics.ReservationCreated()
	m.c.logger.Debug("reservation held",
		zap.String("reservation_id", string(res.ID)),
		zap.String("envelope_id", string(res.EnvelopeID)),
		zap.String("amount", res.Amount.String()),
		zap.Time("expires_at", res.ExpiresAt))
	return res, nil
}

// =============================================================================
// CONFIRM
// =============================================================================

// ConfirmBudgetReservation turns the hold into usage of actualAmount (nil means
// the full held amount) and frees any remainder.
func (m *ReservationManager) ConfirmBudgetReservation(ctx context.Context, id ReservationID, actualAmount *decimal.Decimal) (Reservation, error) {
	const op = "confirm reservation"

	res, err := m.c.loadReservation(ctx, op, id)
	if err != nil {
		return Reservation{}, err
	}

	switch res.Status {
	case ReservationConfirmed:
		return res, nil
	case ReservationReleased, ReservationExpired:
		return Reservation{}, &InvalidStateError{Resource: "reservation", ID: string(id), From: string(res.Status), To: string(ReservationConfirmed)}
	}

	actual := res.Amount
	if actualAmount != nil {
		actual = *actualAmount
	}
	if err := requirePositive("actual_amount", actual); err != nil {
		return Reservation{}, err
	}
	if actual.GreaterThan(res.Amount) {
		return Reservation{}, &ValidationError{Field: "actual_amount", Message: "must not exceed the reserved amount " + res.Amount.String()}
	}

	// A hold past its TTL is dead even if no sweep has run yet.
	if now := m.c.clock.Now(); res.ExpiredAt(now) {
		expired, err := m.expire(ctx, res, now)
		if err != nil {
			return Reservation{}, err
		}
		if !expired {
			return m.settleLostRace(ctx, op, id, ReservationConfirmed, ErrReservationNotHeld)
		}
		return Reservation{}, &InvalidStateError{Resource: "reservation", ID: string(id), From: string(ReservationExpired), To: string(ReservationConfirmed)}
	}

	held, _ := res.Held()
	now := m.c.clock.Now()
	usageID := UsageID(m.c.ids.NewID())
	confirmed := held.Confirm(actual, usageID, now)
	usage := UsageRecord{
		ID:             usageID,
		EnvelopeID:     res.EnvelopeID,
		Amount:         actual,
		ReferenceID:    res.ReferenceID,
		IdempotencyKey: confirmIdempotencyKey(res.ID),
		ReservationID:  res.ID,
		AppliedAt:      now,
	}

	_, err = m.c.mutateBalance(ctx, op, res.EnvelopeID, func(env Envelope) (BalanceChange, error) {
		reserved, err := withoutHold(env, res)
		if err != nil {
			return BalanceChange{}, err
		}
		return BalanceChange{
			Committed:  env.Committed.Add(actual),
			Reserved:   reserved,
			At:         now,
			Transition: &ReservationTransition{Reservation: confirmed},
			Usage:      &usage,
		}, nil
	})
	if err != nil {
		return m.settleLostRace(ctx, op, id, ReservationConfirmed, err)
	}

	m.c.metrics.ReservationResolved(ReservationConfirmed)
	m.c.metrics.UsageApplied("reservation")
	m.c.logger.Debug("reservation confirmed",
		zap.String("reservation_id", string(id)),
		zap.String("envelope_id", string(res.EnvelopeID)),
		zap.String("reserved", res.Amount.String()),
		zap.String("actual", actual.String()))
	return confirmed, nil
}

// =============================================================================
// RELEASE
// =============================================================================

// ReleaseReservedBudget frees the held amount. Releasing a released or expired
// hold returns it; releasing a confirmed hold is InvalidStateError.
func (m *ReservationManager) ReleaseReservedBudget(ctx context.Context, id ReservationID) (Reservation, error) {
	const op = "release reservation"

	res, err := m.c.loadReservation(ctx, op, id)
	if err != nil {
		return Reservation{}, err
	}
	out, _, err := m.release(ctx, op, res)
	return out, err
}

// ReleaseReservationsByReference releases every held reservation carrying
// referenceID and returns how many this call released.
func (m *ReservationManager) ReleaseReservationsByReference(ctx context.Context, referenceID string) (int, error) {
	const op = "release by reference"

	if strings.TrimSpace(referenceID) == "" {
		return 0, &ValidationError{Field: "reference_id", Message: "is required"}
	}
	held, err := m.c.store.ListReservations(ctx, ReservationFilter{ReferenceID: referenceID, Status: ReservationHeld})
	if err != nil {
		m.c.logger.Error("list reservations by reference failed", zap.String("reference_id", referenceID), zap.Error(err))
		return 0, internalError(op, err)
	}

	released := 0
	for _, res := range held {
		_, changed, err := m.release(ctx, op, res)
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				// Confirmed concurrently; nothing left to compensate.
				continue
			}
			return released, err
		}
		if changed {
			released++
		}
	}

	m.c.logger.Info("released reservations by reference",
		zap.String("reference_id", referenceID),
		zap.Int("found", len(held)),
		zap.Int("released", released))
	return released, nil
}

// GetActiveReservations lists the envelope's held reservations.
func (m *ReservationManager) GetActiveReservations(ctx context.Context, envelopeID EnvelopeID) ([]Reservation, error) {
	const op = "active reservations"

	if _, err := m.c.loadEnvelope(ctx, op, envelopeID); err != nil {
		return nil, err
	}
	held, err := m.c.store.ListReservations(ctx, ReservationFilter{EnvelopeID: envelopeID, Status: ReservationHeld})
	if err != nil {
		m.c.logger.Error("list active reservations failed", zap.String("envelope_id", string(envelopeID)), zap.Error(err))
		return nil, internalError(op, err)
	}
	if held == nil {
		held = []Reservation{}
	}
	return held, nil
}

func (m *ReservationManager) GetReservation(ctx context.Context, id ReservationID) (Reservation, error) {
	return m.c.loadReservation(ctx, "get reservation", id)
}

// =============================================================================
// INTERNALS
// =============================================================================

// release frees a hold. changed reports whether this call made the
// transition, so bulk release counts only its own work.
func (m *ReservationManager) release(ctx context.Context, op string, res Reservation) (out Reservation, changed bool, err error) {
	switch res.Status {
	case ReservationReleased, ReservationExpired:
		return res, false, nil
	case ReservationConfirmed:
		return Reservation{}, false, &InvalidStateError{Resource: "reservation", ID: string(res.ID), From: string(res.Status), To: string(ReservationReleased)}
	}

	held, _ := res.Held()
	now := m.c.clock.Now()
	released := held.Release(now)

	_, err = m.c.mutateBalance(ctx, op, res.EnvelopeID, func(env Envelope) (BalanceChange, error) {
		reserved, err := withoutHold(env, res)
		if err != nil {
			return BalanceChange{}, err
		}
		return BalanceChange{
			Committed:  env.Committed,
			Reserved:   reserved,
			At:         now,
			Transition: &ReservationTransition{Reservation: released},
		}, nil
	})
	if err != nil {
		out, err = m.settleLostRace(ctx, op, res.ID, ReservationReleased, err)
		return out, false, err
	}

	m.c.metrics.ReservationResolved(ReservationReleased)
	m.c.logger.Debug("reservation released",
		zap.String("reservation_id", string(res.ID)),
		zap.String("envelope_id", string(res.EnvelopeID)),
		zap.String("amount", res.Amount.String()))
	return released, true, nil
}

// expire moves a held reservation to expired as of at. Returns false when
// another writer resolved it first.
func (m *ReservationManager) expire(ctx context.Context, res Reservation, at time.Time) (bool, error) {
	const op = "expire reservation"

	held, ok := res.Held()
	if !ok {
		return false, nil
	}
	expired := held.Expire(at)

	_, err := m.c.mutateBalance(ctx, op, res.EnvelopeID, func(env Envelope) (BalanceChange, error) {
		reserved, err := withoutHold(env, res)
		if err != nil {
			return BalanceChange{}, err
		}
		return BalanceChange{
			Committed:  env.Committed,
			Reserved:   reserved,
			At:         at,
			Transition: &ReservationTransition{Reservation: expired},
		}, nil
	})
	if errors.Is(err, ErrReservationNotHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.c.metrics.ReservationResolved(ReservationExpired)
	return true, nil
}

// settleLostRace handles a transition whose guard failed because someone else
// resolved the reservation first. Same outcome is an idempotent success,
// anything else is an invalid transition.
func (m *ReservationManager) settleLostRace(ctx context.Context, op string, id ReservationID, want ReservationStatus, err error) (Reservation, error) {
	if !errors.Is(err, ErrReservationNotHeld) && !errors.Is(err, ErrDuplicateIdempotencyKey) {
		return Reservation{}, err
	}
	current, lerr := m.c.loadReservation(ctx, op, id)
	if lerr != nil {
		return Reservation{}, lerr
	}
	if current.Status == want || (want == ReservationReleased && current.Status == ReservationExpired) {
		return current, nil
	}
	return Reservation{}, &InvalidStateError{Resource: "reservation", ID: string(id), From: string(current.Status), To: string(want)}
}

func (m *ReservationManager) findByKey(ctx context.Context, op string, envelopeID EnvelopeID, key string) (*Reservation, error) {
	prior, err := m.c.store.FindReservationByKey(ctx, envelopeID, key)
	if err != nil {
		m.c.logger.Error("reservation key lookup failed", zap.String("envelope_id", string(envelopeID)), zap.Error(err))
		return nil, internalError(op, err)
	}
	return prior, nil
}
