package budget

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RESERVATION STATUS
// =============================================================================
//
//            ┌──────────▶ confirmed
//   held ────┼──────────▶ released
//            └──────────▶ expired
//
// Only held has outgoing edges. The edges are methods on HeldReservation, so a
// terminal reservation has nothing to call.

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationHeld, ReservationConfirmed, ReservationReleased, ReservationExpired:
		return true
	}
	return false
}

func (s ReservationStatus) Terminal() bool {
	return s == ReservationConfirmed || s == ReservationReleased || s == ReservationExpired
}

// Reservation is a provisional, time-bounded claim on an envelope.
type Reservation struct {
	ID             ReservationID
	EnvelopeID     EnvelopeID
	Amount         decimal.Decimal
	ReferenceID    string
	IdempotencyKey string
	Status         ReservationStatus

	// Set on confirm.
	ConfirmedAmount decimal.Decimal
	UsageID         UsageID

	ExpiresAt  time.Time
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// ExpiredAt reports whether the hold's TTL has run out at t.
func (r Reservation) ExpiredAt(t time.Time) bool {
	return !t.Before(r.ExpiresAt)
}

// Held returns the reservation as a HeldReservation if it can still transition.
func (r Reservation) Held() (HeldReservation, bool) {
	if r.Status != ReservationHeld {
		return HeldReservation{}, false
	}
	return HeldReservation{r: r}, true
}

// =============================================================================
// HELD RESERVATION - The only state with transitions
// =============================================================================

type HeldReservation struct {
	r Reservation
}

func (h HeldReservation) Reservation() Reservation { return h.r }

// Confirm converts the hold into spend of actual. Caller validated actual.
func (h HeldReservation) Confirm(actual decimal.Decimal, usageID UsageID, at time.Time) Reservation {
	out := h.resolve(ReservationConfirmed, at)
	out.ConfirmedAmount = actual
	out.UsageID = usageID
	return out
}

func (h HeldReservation) Release(at time.Time) Reservation {
	return h.resolve(ReservationReleased, at)
}

func (h HeldReservation) Expire(at time.Time) Reservation {
	return h.resolve(ReservationExpired, at)
}

func (h HeldReservation) resolve(to ReservationStatus, at time.Time) Reservation {
	out := h.r
	out.Status = to
	resolved := at
	out.ResolvedAt = &resolved
	return out
}
