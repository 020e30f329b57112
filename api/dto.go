/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small wrappers (counts, errors)

AMOUNTS:
  Every amount is a decimal.Decimal and travels as a JSON string ("125.50").
  Requests also accept bare JSON numbers; they are parsed from their text, not
  through float64.

TIMES:
  RFC 3339, UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/budget-ledger/budget"
)

// =============================================================================
// ENVELOPES
// =============================================================================

// EnvelopeDTO represents an envelope in API responses.
type EnvelopeDTO struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"org_id,omitempty"`
	ProgramRef  string          `json:"program_ref"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	PeriodStart string          `json:"period_start"`
	PeriodEnd   string          `json:"period_end"`
	Allocated   decimal.Decimal `json:"allocated_amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	Committed   decimal.Decimal `json:"committed"`
	Reserved    decimal.Decimal `json:"reserved"`
	Available   decimal.Decimal `json:"available"`
	Version     int64           `json:"version"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// EnvelopePageDTO is one page of ListBudgetEnvelopes.
type EnvelopePageDTO struct {
	Items  []EnvelopeDTO `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// CreateEnvelopeRequest is the request to create an envelope.
type CreateEnvelopeRequest struct {
	OrgID       string          `json:"org_id"`
	ProgramRef  string          `json:"program_ref"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	PeriodStart string          `json:"period_start"`
	PeriodEnd   string          `json:"period_end"`
	Allocated   decimal.Decimal `json:"allocated_amount"`
	Currency    string          `json:"currency"`
}

// UpdateEnvelopeRequest patches an envelope. Omitted fields are unchanged.
// period_start and period_end must be sent together.
type UpdateEnvelopeRequest struct {
	Version     int64            `json:"version"`
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	PeriodStart *string          `json:"period_start"`
	PeriodEnd   *string          `json:"period_end"`
	Allocated   *decimal.Decimal `json:"allocated_amount"`
	Currency    *string          `json:"currency"`
}

// CloseEnvelopeRequest archives an envelope.
type CloseEnvelopeRequest struct {
	Version int64 `json:"version"`
}

// =============================================================================
// RESERVATIONS & USAGE
// =============================================================================

// ReserveRequest places a hold. The Idempotency-Key header, when present,
// wins over idempotency_key.
type ReserveRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	ReferenceID    string          `json:"reference_id"`
	TTLSeconds     int             `json:"ttl_seconds"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// ConfirmRequest converts a hold into usage. Omit actual_amount to confirm
// the full held amount.
type ConfirmRequest struct {
	ActualAmount *decimal.Decimal `json:"actual_amount"`
}

// UsageRequest commits spend directly.
type UsageRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	ReferenceID    string          `json:"reference_id"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// ReservationDTO represents a reservation in API responses.
type ReservationDTO struct {
	ID              string           `json:"id"`
	EnvelopeID      string           `json:"envelope_id"`
	Amount          decimal.Decimal  `json:"amount"`
	ReferenceID     string           `json:"reference_id,omitempty"`
	IdempotencyKey  string           `json:"idempotency_key,omitempty"`
	Status          string           `json:"status"`
	ConfirmedAmount *decimal.Decimal `json:"confirmed_amount,omitempty"`
	UsageID         string           `json:"usage_id,omitempty"`
	ExpiresAt       string           `json:"expires_at"`
	CreatedAt       string           `json:"created_at"`
	ResolvedAt      string           `json:"resolved_at,omitempty"`
}

// UsageDTO represents a usage record in API responses.
type UsageDTO struct {
	ID             string          `json:"id"`
	EnvelopeID     string          `json:"envelope_id"`
	Amount         decimal.Decimal `json:"amount"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	AppliedAt      string          `json:"applied_at"`
}

// ReleaseByReferenceResponse reports a bulk release.
type ReleaseByReferenceResponse struct {
	ReferenceID string `json:"reference_id"`
	Released    int    `json:"released"`
}

// SweepResponse reports a manual sweep.
type SweepResponse struct {
	Expired int    `json:"expired"`
	Closed  int    `json:"closed"`
	AsOf    string `json:"as_of"`
}

// =============================================================================
// READ VIEWS
// =============================================================================

type AvailabilityDTO struct {
	EnvelopeID string          `json:"envelope_id"`
	Amount     decimal.Decimal `json:"amount"`
	Available  bool            `json:"available"`
	Remaining  decimal.Decimal `json:"remaining"`
}

type BalanceDTO struct {
	EnvelopeID         string           `json:"envelope_id"`
	Currency           string           `json:"currency"`
	Allocated          decimal.Decimal  `json:"allocated_amount"`
	Committed          decimal.Decimal  `json:"committed"`
	Reserved           decimal.Decimal  `json:"reserved"`
	Available          decimal.Decimal  `json:"available"`
	ActiveReservations []ReservationDTO `json:"active_reservations"`
}

type UsageGroupDTO struct {
	Key    string          `json:"key"`
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

type UsageSummaryDTO struct {
	EnvelopeID string          `json:"envelope_id"`
	Currency   string          `json:"currency"`
	Allocated  decimal.Decimal `json:"allocated_amount"`
	Committed  decimal.Decimal `json:"committed"`
	Reserved   decimal.Decimal `json:"reserved"`
	Available  decimal.Decimal `json:"available"`
	UsageCount int             `json:"usage_count"`
	GroupBy    string          `json:"group_by"`
	Groups     []UsageGroupDTO `json:"groups"`
}

type CurrencyTotalsDTO struct {
	Currency      string          `json:"currency"`
	EnvelopeCount int             `json:"envelope_count"`
	Allocated     decimal.Decimal `json:"allocated_amount"`
	Committed     decimal.Decimal `json:"committed"`
	Reserved      decimal.Decimal `json:"reserved"`
	Available     decimal.Decimal `json:"available"`
}

type ProgramSummaryDTO struct {
	OrgID         string              `json:"org_id,omitempty"`
	ProgramRef    string              `json:"program_ref,omitempty"`
	EnvelopeCount int                 `json:"envelope_count"`
	Totals        []CurrencyTotalsDTO `json:"totals"`
}

type StatusDTO struct {
	EnvelopeID        string          `json:"envelope_id"`
	Status            string          `json:"status"`
	Allocated         decimal.Decimal `json:"allocated_amount"`
	Available         decimal.Decimal `json:"available"`
	Utilization       decimal.Decimal `json:"utilization"`
	ThresholdWarnings []string        `json:"threshold_warnings"`
	ComputedAt        string          `json:"computed_at"`
}

// ErrorResponse is the standard error response. Available is set only for
// insufficient_budget.
type ErrorResponse struct {
	Code      string           `json:"code"`
	Message   string           `json:"message"`
	Field     string           `json:"field,omitempty"`
	Available *decimal.Decimal `json:"available,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toEnvelopeDTO(e budget.Envelope) EnvelopeDTO {
	return EnvelopeDTO{
		ID:          string(e.ID),
		OrgID:       e.OrgID,
		ProgramRef:  e.ProgramRef,
		Name:        e.Name,
		Description: e.Description,
		PeriodStart: formatTime(e.Period.Start),
		PeriodEnd:   formatTime(e.Period.End),
		Allocated:   e.Allocated,
		Currency:    e.Currency,
		Status:      string(e.Status),
		Committed:   e.Committed,
		Reserved:    e.Reserved,
		Available:   e.Available(),
		Version:     e.Version,
		CreatedAt:   formatTime(e.CreatedAt),
		UpdatedAt:   formatTime(e.UpdatedAt),
	}
}

func toReservationDTO(r budget.Reservation) ReservationDTO {
	dto := ReservationDTO{
		ID:             string(r.ID),
		EnvelopeID:     string(r.EnvelopeID),
		Amount:         r.Amount,
		ReferenceID:    r.ReferenceID,
		IdempotencyKey: r.IdempotencyKey,
		Status:         string(r.Status),
		UsageID:        string(r.UsageID),
		ExpiresAt:      formatTime(r.ExpiresAt),
		CreatedAt:      formatTime(r.CreatedAt),
	}
	if r.Status == budget.ReservationConfirmed {
		confirmed := r.ConfirmedAmount
		dto.ConfirmedAmount = &confirmed
	}
	if r.ResolvedAt != nil {
		dto.ResolvedAt = formatTime(*r.ResolvedAt)
	}
	return dto
}

func toReservationDTOs(rs []budget.Reservation) []ReservationDTO {
	out := make([]ReservationDTO, len(rs))
	for i, r := range rs {
		out[i] = toReservationDTO(r)
	}
	return out
}

func toUsageDTO(u budget.UsageRecord) UsageDTO {
	return UsageDTO{
		ID:             string(u.ID),
		EnvelopeID:     string(u.EnvelopeID),
		Amount:         u.Amount,
		ReferenceID:    u.ReferenceID,
		IdempotencyKey: u.IdempotencyKey,
		ReservationID:  string(u.ReservationID),
		AppliedAt:      formatTime(u.AppliedAt),
	}
}

func toUsageSummaryDTO(s budget.UsageSummary) UsageSummaryDTO {
	groups := make([]UsageGroupDTO, len(s.Groups))
	for i, g := range s.Groups {
		groups[i] = UsageGroupDTO{Key: g.Key, Amount: g.Amount, Count: g.Count}
	}
	return UsageSummaryDTO{
		EnvelopeID: string(s.EnvelopeID),
		Currency:   s.Currency,
		Allocated:  s.Allocated,
		Committed:  s.Committed,
		Reserved:   s.Reserved,
		Available:  s.Available,
		UsageCount: s.UsageCount,
		GroupBy:    string(s.GroupBy),
		Groups:     groups,
	}
}

func toProgramSummaryDTO(s budget.ProgramUsageSummary) ProgramSummaryDTO {
	totals := make([]CurrencyTotalsDTO, len(s.Totals))
	for i, t := range s.Totals {
		totals[i] = CurrencyTotalsDTO{
			Currency:      t.Currency,
			EnvelopeCount: t.EnvelopeCount,
			Allocated:     t.Allocated,
			Committed:     t.Committed,
			Reserved:      t.Reserved,
			Available:     t.Available,
		}
	}
	return ProgramSummaryDTO{
		OrgID:         s.OrgID,
		ProgramRef:    s.ProgramRef,
		EnvelopeCount: s.EnvelopeCount,
		Totals:        totals,
	}
}

func toStatusDTO(s budget.BudgetStatus) StatusDTO {
	warnings := s.ThresholdWarnings
	if warnings == nil {
		warnings = []string{}
	}
	return StatusDTO{
		EnvelopeID:        string(s.EnvelopeID),
		Status:            string(s.Status),
		Allocated:         s.Allocated,
		Available:         s.Available,
		Utilization:       s.Utilization,
		ThresholdWarnings: warnings,
		ComputedAt:        formatTime(s.ComputedAt),
	}
}
