package budget

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// AVAILABILITY CALCULATOR - Read-side views over envelope totals
// =============================================================================

// AvailabilityCalculator derives balances and summaries. Nothing here writes;
// gating checks happen again inside the conditional write, so a positive
// CheckBudgetAvailability is advice, not a hold.
type AvailabilityCalculator struct {
	c *core
}

// StatusCache stores computed BudgetStatus values. Get returns nil, nil on a
// miss. Every balance or admin write calls Invalidate. A status is only
// stored when the envelope did not move while it was computed; a write that
// slips in between that check and Set can leave a stale entry until the
// cache's own TTL drops it.
type StatusCache interface {
	Get(ctx context.Context, id EnvelopeID) (*BudgetStatus, error)
	Set(ctx context.Context, status BudgetStatus) error
	Invalidate(ctx context.Context, id EnvelopeID) error
}

type Availability struct {
	Available bool
	Remaining decimal.Decimal
}

type BalanceView struct {
	EnvelopeID         EnvelopeID
	Currency           string
	Allocated          decimal.Decimal
	Committed          decimal.Decimal
	Reserved           decimal.Decimal
	Available          decimal.Decimal
	ActiveReservations []Reservation
}

type GroupBy string

const (
	GroupByNone      GroupBy = "none"
	GroupByReference GroupBy = "reference"
	GroupByDay       GroupBy = "day"
)

func (g GroupBy) Valid() bool {
	switch g {
	case GroupByNone, GroupByReference, GroupByDay:
		return true
	}
	return false
}

type UsageGroup struct {
	Key    string
	Amount decimal.Decimal
	Count  int
}

type UsageSummary struct {
	EnvelopeID EnvelopeID
	Currency   string
	Allocated  decimal.Decimal
	Committed  decimal.Decimal
	Reserved   decimal.Decimal
	Available  decimal.Decimal
	UsageCount int
	GroupBy    GroupBy
	Groups     []UsageGroup
}

type ProgramSummaryFilter struct {
	OrgID      string
	ProgramRef string
}

// CurrencyTotals sums envelopes sharing one currency. Amounts in different
// currencies are never added together.
type CurrencyTotals struct {
	Currency      string
	EnvelopeCount int
	Allocated     decimal.Decimal
	Committed     decimal.Decimal
	Reserved      decimal.Decimal
	Available     decimal.Decimal
}

type ProgramUsageSummary struct {
	OrgID         string
	ProgramRef    string
	EnvelopeCount int
	Totals        []CurrencyTotals
}

const WarningPeriodEnded = "period_ended"

type BudgetStatus struct {
	EnvelopeID        EnvelopeID
	Status            EnvelopeStatus
	Allocated         decimal.Decimal
	Available         decimal.Decimal
	Utilization       decimal.Decimal
	ThresholdWarnings []string
	ComputedAt        time.Time
}

// CheckBudgetAvailability reports whether amount fits in the envelope's
// current available balance. A closed envelope never has room.
func (a *AvailabilityCalculator) CheckBudgetAvailability(ctx context.Context, envelopeID EnvelopeID, amount decimal.Decimal) (Availability, error) {
	if err := requirePositive("amount", amount); err != nil {
		return Availability{}, err
	}
	env, err := a.c.loadEnvelope(ctx, "check availability", envelopeID)
	if err != nil {
		return Availability{}, err
	}
	remaining := env.Available()
	return Availability{
		Available: env.IsActive() && amount.LessThanOrEqual(remaining),
		Remaining: remaining,
	}, nil
}

func (a *AvailabilityCalculator) CheckBudgetWithReservations(ctx context.Context, envelopeID EnvelopeID) (BalanceView, error) {
	const op = "check balance"

	env, err := a.c.loadEnvelope(ctx, op, envelopeID)
	if err != nil {
		return BalanceView{}, err
	}
	held, err := a.c.store.ListReservations(ctx, ReservationFilter{EnvelopeID: envelopeID, Status: ReservationHeld})
	if err != nil {
		a.c.logger.Error("list held reservations failed", zap.String("envelope_id", string(envelopeID)), zap.Error(err))
		return BalanceView{}, internalError(op, err)
	}
	if held == nil {
		held = []Reservation{}
	}
	return BalanceView{
		EnvelopeID:         env.ID,
		Currency:           env.Currency,
		Allocated:          env.Allocated,
		Committed:          env.Committed,
		Reserved:           env.Reserved,
		Available:          env.Available(),
		ActiveReservations: held,
	}, nil
}

// GetBudgetUsageSummary aggregates usage records. Totals come from the
// envelope; Groups break committed spend down by groupBy. Empty groupBy is
// GroupByNone.
func (a *AvailabilityCalculator) GetBudgetUsageSummary(ctx context.Context, envelopeID EnvelopeID, groupBy GroupBy) (UsageSummary, error) {
	const op = "usage summary"

	if groupBy == "" {
		groupBy = GroupByNone
	}
	if !groupBy.Valid() {
		return UsageSummary{}, &ValidationError{Field: "group_by", Message: "must be none, reference or day"}
	}
	env, err := a.c.loadEnvelope(ctx, op, envelopeID)
	if err != nil {
		return UsageSummary{}, err
	}
	records, err := a.c.store.ListUsage(ctx, envelopeID)
	if err != nil {
		a.c.logger.Error("list usage failed", zap.String("envelope_id", string(envelopeID)), zap.Error(err))
		return UsageSummary{}, internalError(op, err)
	}

	return UsageSummary{
		EnvelopeID: env.ID,
		Currency:   env.Currency,
		Allocated:  env.Allocated,
		Committed:  env.Committed,
		Reserved:   env.Reserved,
		Available:  env.Available(),
		UsageCount: len(records),
		GroupBy:    groupBy,
		Groups:     groupUsage(records, groupBy),
	}, nil
}

func groupUsage(records []UsageRecord, groupBy GroupBy) []UsageGroup {
	if groupBy == GroupByNone {
		return []UsageGroup{}
	}
	byKey := map[string]*UsageGroup{}
	for _, r := range records {
		key := r.ReferenceID
		if groupBy == GroupByDay {
			key = r.AppliedAt.UTC().Format("2006-01-02")
		}
		g, ok := byKey[key]
		if !ok {
			g = &UsageGroup{Key: key, Amount: decimal.Zero}
			byKey[key] = g
		}
		g.Amount = g.Amount.Add(r.Amount)
		g.Count++
	}
	groups := make([]UsageGroup, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups
}

// GetProgramUsageSummary totals every envelope of a program (or an org).
func (a *AvailabilityCalculator) GetProgramUsageSummary(ctx context.Context, filter ProgramSummaryFilter) (ProgramUsageSummary, error) {
	const op = "program summary"

	filter.OrgID = strings.TrimSpace(filter.OrgID)
	filter.ProgramRef = strings.TrimSpace(filter.ProgramRef)
	if filter.OrgID == "" && filter.ProgramRef == "" {
		return ProgramUsageSummary{}, &ValidationError{Field: "program_ref", Message: "program_ref or org_id is required"}
	}

	out := ProgramUsageSummary{OrgID: filter.OrgID, ProgramRef: filter.ProgramRef}
	byCurrency := map[string]*CurrencyTotals{}
	page := Pagination{Limit: MaxPageLimit}
	for {
		envs, total, err := a.c.store.ListEnvelopes(ctx, EnvelopeFilter{OrgID: filter.OrgID, ProgramRef: filter.ProgramRef}, page)
		if err != nil {
			a.c.logger.Error("list envelopes failed", zap.String("program_ref", filter.ProgramRef), zap.Error(err))
			return ProgramUsageSummary{}, internalError(op, err)
		}
		for _, env := range envs {
			t, ok := byCurrency[env.Currency]
			if !ok {
				t = &CurrencyTotals{Currency: env.Currency, Allocated: decimal.Zero, Committed: decimal.Zero, Reserved: decimal.Zero, Available: decimal.Zero}
				byCurrency[env.Currency] = t
			}
			t.EnvelopeCount++
			t.Allocated = t.Allocated.Add(env.Allocated)
			t.Committed = t.Committed.Add(env.Committed)
			t.Reserved = t.Reserved.Add(env.Reserved)
			t.Available = t.Available.Add(env.Available())
			out.EnvelopeCount++
		}
		page.Offset += len(envs)
		if len(envs) == 0 || page.Offset >= total {
			break
		}
	}

	out.Totals = make([]CurrencyTotals, 0, len(byCurrency))
	for _, t := range byCurrency {
		out.Totals = append(out.Totals, *t)
	}
	sort.Slice(out.Totals, func(i, j int) bool { return out.Totals[i].Currency < out.Totals[j].Currency })
	return out, nil
}

// GetBudgetStatus returns utilization and warnings. It may be served from the
// status cache and so can lag the latest write.
func (a *AvailabilityCalculator) GetBudgetStatus(ctx context.Context, envelopeID EnvelopeID) (BudgetStatus, error) {
	if envelopeID == "" {
		return BudgetStatus{}, &ValidationError{Field: "envelope_id", Message: "is required"}
	}
	if a.c.cache != nil {
		cached, err := a.c.cache.Get(ctx, envelopeID)
		if err != nil {
			a.c.logger.Warn("status cache read failed", zap.String("envelope_id", string(envelopeID)), zap.Error(err))
		} else if cached != nil {
			return *cached, nil
		}
	}

	env, err := a.c.loadEnvelope(ctx, "budget status", envelopeID)
	if err != nil {
		return BudgetStatus{}, err
	}
	status := a.statusOf(env, a.c.clock.Now())

	if a.c.cache != nil && a.unchangedSince(ctx, env) {
		if err := a.c.cache.Set(ctx, status); err != nil {
			a.c.logger.Warn("status cache write failed", zap.String("envelope_id", string(envelopeID)), zap.Error(err))
		}
	}
	return status, nil
}

// unchangedSince reports whether env is still the stored version. A write
// that landed after the read has already invalidated, so caching the older
// status would outlive it.
func (a *AvailabilityCalculator) unchangedSince(ctx context.Context, env Envelope) bool {
	current, err := a.c.store.GetEnvelope(ctx, env.ID)
	if err != nil || current == nil {
		return false
	}
	return current.BalanceSeq == env.BalanceSeq && current.Version == env.Version
}

func (a *AvailabilityCalculator) statusOf(env Envelope, now time.Time) BudgetStatus {
	used := env.Committed.Add(env.Reserved)
	utilization := decimal.Zero
	if env.Allocated.IsPositive() {
		utilization = used.DivRound(env.Allocated, 4)
	}

	warnings := []string{}
	for _, t := range sortedThresholds(a.c.cfg.Thresholds) {
		if utilization.GreaterThanOrEqual(t) {
			warnings = append(warnings, thresholdWarning(t))
		}
	}
	if env.IsActive() && env.Period.Ended(now) {
		warnings = append(warnings, WarningPeriodEnded)
	}

	return BudgetStatus{
		EnvelopeID:        env.ID,
		Status:            env.Status,
		Allocated:         env.Allocated,
		Available:         env.Available(),
		Utilization:       utilization,
		ThresholdWarnings: warnings,
		ComputedAt:        now,
	}
}

func sortedThresholds(in []decimal.Decimal) []decimal.Decimal {
	out := append([]decimal.Decimal(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}

// thresholdWarning names a threshold by percent, e.g. 0.75 -> "utilization_75".
func thresholdWarning(t decimal.Decimal) string {
	return fmt.Sprintf("utilization_%s", t.Shift(2).String())
}
