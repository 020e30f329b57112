/*
store.go - Persistence contract for the ledger

PURPOSE:
  Defines the boundary between ledger logic and the database. The ledger is
  stateless; every guarantee it gives comes from the writes described here.

THE ONE FINANCIAL WRITE:
  ApplyBalanceChange is the only way money moves. It is a single atomic unit:

    UPDATE envelopes SET committed=?, reserved=?, balance_seq=seq+1
     WHERE id=? AND balance_seq=?              -- compare-and-swap
    [INSERT reservation]
    [UPDATE reservation ... WHERE status='held'] -- transition guard
    [INSERT usage]                               -- unique idempotency key

  If any guard affects zero rows the whole unit is rolled back and a store
  sentinel is returned. The ledger computes the new totals in decimal, checks the
  invariant, and retries on ErrBalanceConflict.

NON-FINANCIAL WRITES:
  UpdateEnvelope is guarded by the Version token only, so admin edits never block
  (or get blocked by) spend. Allocation edits additionally pin BalanceSeq.

IMPLEMENTATIONS:
  - budget/store/memory.go: In-memory, for tests and dev
  - store/sqlite:           mattn/go-sqlite3
  - store/postgres:         lib/pq

SEE ALSO:
  - balance.go: The retry loop driving ApplyBalanceChange
*/
package budget

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE SENTINELS - Returned by Store implementations, mapped by the ledger
// =============================================================================

var (
	// ErrBalanceConflict: the envelope's BalanceSeq moved since it was read.
	ErrBalanceConflict = errors.New("store: balance sequence changed")

	// ErrReservationNotHeld: the transition guard (status = held) matched no row.
	ErrReservationNotHeld = errors.New("store: reservation is not held")

	// ErrDuplicateIdempotencyKey: a usage or reservation already uses the key
	// on this envelope.
	ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")

	// ErrDuplicateActiveEnvelope: an active envelope exists for program+period.
	ErrDuplicateActiveEnvelope = errors.New("store: duplicate active envelope")

	// ErrVersionConflict: the version (or pinned balance seq) did not match.
	ErrVersionConflict = errors.New("store: version conflict")
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	EnvelopeRepository
	ReservationRepository
	UsageRepository

	// ApplyBalanceChange performs one atomic conditional write. See file doc.
	ApplyBalanceChange(ctx context.Context, change BalanceChange) error
}

type EnvelopeRepository interface {
	// CreateEnvelope inserts a new envelope. ErrDuplicateActiveEnvelope if an
	// active envelope already covers the same program and period.
	CreateEnvelope(ctx context.Context, env Envelope) error

	// GetEnvelope returns nil, nil when the envelope does not exist.
	GetEnvelope(ctx context.Context, id EnvelopeID) (*Envelope, error)

	ListEnvelopes(ctx context.Context, filter EnvelopeFilter, page Pagination) ([]Envelope, int, error)

	// UpdateEnvelope writes the non-total fields of env where
	// version = expectedVersion (and balance_seq = env.BalanceSeq when
	// pinBalance), bumping the version. ErrVersionConflict on zero rows.
	UpdateEnvelope(ctx context.Context, env Envelope, expectedVersion int64, pinBalance bool) error
}

type ReservationRepository interface {
	// GetReservation returns nil, nil when the reservation does not exist.
	GetReservation(ctx context.Context, id ReservationID) (*Reservation, error)

	// FindReservationByKey returns nil, nil when no reservation uses the key.
	FindReservationByKey(ctx context.Context, envelopeID EnvelopeID, idempotencyKey string) (*Reservation, error)

	// ListReservations returns reservations matching filter, oldest first.
	ListReservations(ctx context.Context, filter ReservationFilter) ([]Reservation, error)
}

type UsageRepository interface {
	// FindUsageByKey returns nil, nil when no usage record uses the key.
	FindUsageByKey(ctx context.Context, envelopeID EnvelopeID, idempotencyKey string) (*UsageRecord, error)

	// ListUsage returns usage records for the envelope, oldest first.
	ListUsage(ctx context.Context, envelopeID EnvelopeID) ([]UsageRecord, error)
}

// =============================================================================
// BALANCE CHANGE
// =============================================================================

// BalanceChange describes one atomic financial write.
type BalanceChange struct {
	EnvelopeID  EnvelopeID
	ExpectedSeq int64
	Committed   decimal.Decimal
	Reserved    decimal.Decimal
	At          time.Time

	// At most one of the following is typically set, Transition and Usage
	// together for a confirm.
	NewReservation *Reservation
	Transition     *ReservationTransition
	Usage          *UsageRecord
}

// ReservationTransition moves a held reservation to its terminal state.
type ReservationTransition struct {
	Reservation Reservation // the resolved reservation to persist
}

// =============================================================================
// FILTERS
// =============================================================================

type EnvelopeFilter struct {
	OrgID      string
	ProgramRef string
	Status     EnvelopeStatus
	// ActiveAt keeps only envelopes whose period contains the time.
	ActiveAt *time.Time
	// EndedBefore keeps only envelopes whose period ended at or before the time.
	EndedBefore *time.Time
}

type Pagination struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type ReservationFilter struct {
	EnvelopeID  EnvelopeID
	ReferenceID string
	Status      ReservationStatus
	// ExpiresBy keeps only reservations with ExpiresAt <= the time.
	ExpiresBy *time.Time
	Limit     int
}
