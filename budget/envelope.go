package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ENVELOPE STORE - Administrative lifecycle of envelopes
// =============================================================================

// EnvelopeStore creates and edits envelopes. It never moves money: totals are
// owned by the reservation and usage paths.
type EnvelopeStore struct {
	c *core
}

type CreateEnvelopeInput struct {
	OrgID       string
	ProgramRef  string
	Name        string
	Description string
	Period      Period
	Allocated   decimal.Decimal
	Currency    string
}

// EnvelopePatch lists the fields to change. Nil means unchanged. Version must
// be the version the caller last read.
type EnvelopePatch struct {
	Version     int64
	Name        *string
	Description *string
	Period      *Period
	Allocated   *decimal.Decimal
	Currency    *string
}

func (p EnvelopePatch) touchesFinancials() bool {
	return p.Allocated != nil || p.Currency != nil || p.Period != nil
}

type EnvelopePage struct {
	Items  []Envelope
	Total  int
	Limit  int
	Offset int
}

// CreateBudgetEnvelope validates input and inserts an active envelope.
func (s *EnvelopeStore) CreateBudgetEnvelope(ctx context.Context, in CreateEnvelopeInput) (Envelope, error) {
	const op = "create envelope"

	in.ProgramRef = strings.TrimSpace(in.ProgramRef)
	if in.ProgramRef == "" {
		return Envelope{}, &ValidationError{Field: "program_ref", Message: "is required"}
	}
	if err := requirePositive("allocated_amount", in.Allocated); err != nil {
		return Envelope{}, err
	}
	if !in.Period.Valid() {
		return Envelope{}, &ValidationError{Field: "period", Message: "end must be after start"}
	}
	if in.Currency == "" {
		in.Currency = DefaultCurrency
	}
	if !ValidCurrency(in.Currency) {
		return Envelope{}, &ValidationError{Field: "currency", Message: "must be a 3-letter ISO code"}
	}

	now := s.c.clock.Now()
	env := Envelope{
		ID:          EnvelopeID(s.c.ids.NewID()),
		OrgID:       in.OrgID,
		ProgramRef:  in.ProgramRef,
		Name:        in.Name,
		Description: in.Description,
		Period:      Period{Start: in.Period.Start.UTC(), End: in.Period.End.UTC()},
		Allocated:   in.Allocated,
		Currency:    in.Currency,
		Status:      EnvelopeActive,
		Committed:   decimal.Zero,
		Reserved:    decimal.Zero,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.c.store.CreateEnvelope(ctx, env); err != nil {
		if errors.Is(err, ErrDuplicateActiveEnvelope) {
			return Envelope{}, &ConflictError{Resource: "envelope", ID: in.ProgramRef, Reason: "an active envelope already exists for this program and period"}
		}
		s.c.logger.Error("create envelope failed", zap.String("program_ref", in.ProgramRef), zap.Error(err))
		return Envelope{}, internalError(op, err)
	}

	s.c.logger.Info("envelope created",
		zap.String("envelope_id", string(env.ID)),
		zap.String("program_ref", env.ProgramRef),
		zap.String("allocated", env.Allocated.String()),
		zap.String("currency", env.Currency))
	return env, nil
}

func (s *EnvelopeStore) GetBudgetEnvelopeByID(ctx context.Context, id EnvelopeID) (Envelope, error) {
	return s.c.loadEnvelope(ctx, "get envelope", id)
}

func (s *EnvelopeStore) ListBudgetEnvelopes(ctx context.Context, filter EnvelopeFilter, page Pagination) (EnvelopePage, error) {
	page = page.Normalize()
	if filter.Status != "" && !filter.Status.Valid() {
		return EnvelopePage{}, &ValidationError{Field: "status", Message: "must be active or closed"}
	}
	items, total, err := s.c.store.ListEnvelopes(ctx, filter, page)
	if err != nil {
		s.c.logger.Error("list envelopes failed", zap.Error(err))
		return EnvelopePage{}, internalError("list envelopes", err)
	}
	if items == nil {
		items = []Envelope{}
	}
	return EnvelopePage{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// UpdateBudgetEnvelope applies patch if patch.Version is current. Financial
// fields can only change while nothing is committed or held.
func (s *EnvelopeStore) UpdateBudgetEnvelope(ctx context.Context, id EnvelopeID, patch EnvelopePatch) (Envelope, error) {
	const op = "update envelope"

	env, err := s.c.loadEnvelope(ctx, op, id)
	if err != nil {
		return Envelope{}, err
	}
	if env.Version != patch.Version {
		return Envelope{}, staleVersion(id, patch.Version, env.Version)
	}

	financial := patch.touchesFinancials()
	if financial && env.HasActivity() {
		return Envelope{}, &ConflictError{Resource: "envelope", ID: string(id), Reason: "financial fields are locked once usage or reservations exist"}
	}

	next := env
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Allocated != nil {
		if err := requirePositive("allocated_amount", *patch.Allocated); err != nil {
			return Envelope{}, err
		}
		next.Allocated = *patch.Allocated
	}
	if patch.Currency != nil {
		if !ValidCurrency(*patch.Currency) {
			return Envelope{}, &ValidationError{Field: "currency", Message: "must be a 3-letter ISO code"}
		}
		next.Currency = *patch.Currency
	}
	if patch.Period != nil {
		if !patch.Period.Valid() {
			return Envelope{}, &ValidationError{Field: "period", Message: "end must be after start"}
		}
		next.Period = Period{Start: patch.Period.Start.UTC(), End: patch.Period.End.UTC()}
	}

	return s.write(ctx, op, env, next, financial)
}

// CloseBudgetEnvelope archives the envelope. Closing a closed envelope returns
// it unchanged.
func (s *EnvelopeStore) CloseBudgetEnvelope(ctx context.Context, id EnvelopeID, version int64) (Envelope, error) {
	const op = "close envelope"

	env, err := s.c.loadEnvelope(ctx, op, id)
	if err != nil {
		return Envelope{}, err
	}
	if env.Status == EnvelopeClosed {
		return env, nil
	}
	if env.Version != version {
		return Envelope{}, staleVersion(id, version, env.Version)
	}

	next := env
	next.Status = EnvelopeClosed
	return s.write(ctx, op, env, next, false)
}

func (s *EnvelopeStore) write(ctx context.Context, op string, prev, next Envelope, pinBalance bool) (Envelope, error) {
	next.Version = prev.Version + 1
	next.UpdatedAt = s.c.clock.Now()

	err := s.c.store.UpdateEnvelope(ctx, next, prev.Version, pinBalance)
	switch {
	case err == nil:
	case errors.Is(err, ErrVersionConflict):
		return Envelope{}, &ConflictError{Resource: "envelope", ID: string(prev.ID), Reason: "envelope changed concurrently, reload and retry"}
	case errors.Is(err, ErrDuplicateActiveEnvelope):
		return Envelope{}, &ConflictError{Resource: "envelope", ID: string(prev.ID), Reason: "an active envelope already exists for this program and period"}
	default:
		s.c.logger.Error("update envelope failed", zap.String("envelope_id", string(prev.ID)), zap.Error(err))
		return Envelope{}, internalError(op, err)
	}

	s.c.invalidate(ctx, prev.ID)
	s.c.logger.Info("envelope updated",
		zap.String("op", op),
		zap.String("envelope_id", string(next.ID)),
		zap.Int64("version", next.Version),
		zap.String("status", string(next.Status)))
	return next, nil
}

// closeEnded is used by the sweeper; it ignores version races since another
// writer having touched the envelope only means it is retried next sweep.
func (s *EnvelopeStore) closeEnded(ctx context.Context, env Envelope, now time.Time) (bool, error) {
	if env.Status != EnvelopeActive || !env.Period.Ended(now) {
		return false, nil
	}
	next := env
	next.Status = EnvelopeClosed
	next.Version = env.Version + 1
	next.UpdatedAt = now
	err := s.c.store.UpdateEnvelope(ctx, next, env.Version, false)
	if errors.Is(err, ErrVersionConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.c.invalidate(ctx, env.ID)
	return true, nil
}

func staleVersion(id EnvelopeID, got, current int64) error {
	return &ConflictError{Resource: "envelope", ID: string(id), Reason: fmt.Sprintf("stale version token %d, current is %d", got, current)}
}
