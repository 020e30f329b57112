/*
Package budget provides the budget reservation ledger.

PURPOSE:
  Tracks a bounded monetary allocation ("envelope") per program and period and
  guarantees that concurrent spend against it never overspends. Spend happens
  either directly (usage) or through time-bounded holds (reservations) that are
  later confirmed, released, or expired by the sweeper.

KEY CONCEPTS IN THIS FILE (types.go):
  - Envelope:     Allocation for a program/period with running totals
  - UsageRecord:  Committed, non-reversible debit against an envelope
  - Period:       Half-open [Start, End) window an envelope covers
  - IDs:          Type-safe identifiers

INVARIANT:
  Committed + Reserved <= Allocated, enforced at write time. Reserved is the sum
  of all held reservation amounts. Both totals live on the envelope row so that
  a single conditional write can check and move them together.

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64
  2. Type Safety: distinct ID types, reservation transitions only on HeldReservation
  3. Idempotency: usage and reservations dedupe on a per-envelope idempotency key

SEE ALSO:
  - reservation.go: Reservation state machine and manager
  - store.go:       Storage contract (atomic conditional writes)
  - ledger.go:      Facade wiring all components together
*/
package budget

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EnvelopeID string
type ReservationID string
type UsageID string

// =============================================================================
// PERIOD
// =============================================================================

// Period is the window an envelope covers. End is exclusive.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Valid() bool {
	return !p.Start.IsZero() && !p.End.IsZero() && p.End.After(p.Start)
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Ended reports whether the period is over at t.
func (p Period) Ended(t time.Time) bool {
	return !t.Before(p.End)
}

func (p Period) Equal(o Period) bool {
	return p.Start.Equal(o.Start) && p.End.Equal(o.End)
}

// =============================================================================
// ENVELOPE
// =============================================================================

type EnvelopeStatus string

const (
	EnvelopeActive EnvelopeStatus = "active"
	EnvelopeClosed EnvelopeStatus = "closed"
)

func (s EnvelopeStatus) Valid() bool {
	return s == EnvelopeActive || s == EnvelopeClosed
}

const DefaultCurrency = "USD"

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidCurrency reports whether code looks like an ISO-4217 code.
func ValidCurrency(code string) bool {
	return currencyPattern.MatchString(code)
}

// Envelope is a bounded budget allocation for a program and period.
type Envelope struct {
	ID          EnvelopeID
	OrgID       string
	ProgramRef  string
	Name        string
	Description string
	Period      Period
	Allocated   decimal.Decimal
	Currency    string
	Status      EnvelopeStatus

	// Running totals, moved only by Store.ApplyBalanceChange.
	Committed decimal.Decimal
	Reserved  decimal.Decimal

	// Version is the optimistic-lock token for admin edits.
	Version int64
	// BalanceSeq is bumped by every financial write; it is the CAS token
	// the conditional write compares against.
	BalanceSeq int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available is Allocated - Committed - Reserved.
func (e Envelope) Available() decimal.Decimal {
	return e.Allocated.Sub(e.Committed).Sub(e.Reserved)
}

// HasActivity reports whether any money has been committed or is on hold.
func (e Envelope) HasActivity() bool {
	return !e.Committed.IsZero() || !e.Reserved.IsZero()
}

func (e Envelope) IsActive() bool { return e.Status == EnvelopeActive }

// =============================================================================
// USAGE RECORD - Committed spend
// =============================================================================

type UsageRecord struct {
	ID             UsageID
	EnvelopeID     EnvelopeID
	Amount         decimal.Decimal
	ReferenceID    string
	IdempotencyKey string
	// ReservationID is set when the record was produced by a confirm.
	ReservationID ReservationID
	AppliedAt     time.Time
}

// confirmIdempotencyKey is the usage key written by a confirm. Deterministic so
// two racing confirms of the same hold collide on the unique index.
func confirmIdempotencyKey(id ReservationID) string {
	return "reservation:" + string(id)
}

// =============================================================================
// CONSTRUCTION HELPERS
// =============================================================================

// MustParseAmount parses a decimal string, panicking on malformed input.
// Intended for tests and constants.
func MustParseAmount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
