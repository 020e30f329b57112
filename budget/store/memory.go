// Package store provides the in-memory budget.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/budget-ledger/budget"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps behind one RWMutex. ApplyBalanceChange
// checks every guard before it writes anything, so a failed change leaves no
// trace.
type Memory struct {
	mu           sync.RWMutex
	envelopes    map[budget.EnvelopeID]budget.Envelope
	reservations map[budget.ReservationID]budget.Reservation
	usage        map[budget.EnvelopeID][]budget.UsageRecord
	reserveKeys  map[key]budget.ReservationID
	usageKeys    map[key]int
}

type key struct {
	EnvelopeID     budget.EnvelopeID
	IdempotencyKey string
}

var _ budget.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		envelopes:    make(map[budget.EnvelopeID]budget.Envelope),
		reservations: make(map[budget.ReservationID]budget.Reservation),
		usage:        make(map[budget.EnvelopeID][]budget.UsageRecord),
		reserveKeys:  make(map[key]budget.ReservationID),
		usageKeys:    make(map[key]int),
	}
}

// =============================================================================
// ENVELOPES
// =============================================================================

func (m *Memory) CreateEnvelope(_ context.Context, env budget.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.envelopes[env.ID]; exists {
		return fmt.Errorf("envelope %s already exists", env.ID)
	}
	if env.IsActive() && m.activeDuplicateLocked(env) {
		return budget.ErrDuplicateActiveEnvelope
	}
	m.envelopes[env.ID] = env
	return nil
}

func (m *Memory) GetEnvelope(_ context.Context, id budget.EnvelopeID) (*budget.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	env, ok := m.envelopes[id]
	if !ok {
		return nil, nil
	}
	return &env, nil
}

func (m *Memory) ListEnvelopes(_ context.Context, filter budget.EnvelopeFilter, page budget.Pagination) ([]budget.Envelope, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []budget.Envelope
	for _, env := range m.envelopes {
		if matchEnvelope(env, filter) {
			matched = append(matched, env)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	page = page.Normalize()
	if page.Offset >= total {
		return []budget.Envelope{}, total, nil
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}
	return append([]budget.Envelope(nil), matched[page.Offset:end]...), total, nil
}

func matchEnvelope(env budget.Envelope, f budget.EnvelopeFilter) bool {
	if f.OrgID != "" && env.OrgID != f.OrgID {
		return false
	}
	if f.ProgramRef != "" && env.ProgramRef != f.ProgramRef {
		return false
	}
	if f.Status != "" && env.Status != f.Status {
		return false
	}
	if f.ActiveAt != nil && !env.Period.Contains(*f.ActiveAt) {
		return false
	}
	if f.EndedBefore != nil && !env.Period.Ended(*f.EndedBefore) {
		return false
	}
	return true
}

func (m *Memory) UpdateEnvelope(_ context.Context, env budget.Envelope, expectedVersion int64, pinBalance bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.envelopes[env.ID]
	if !ok || current.Version != expectedVersion {
		return budget.ErrVersionConflict
	}
	if pinBalance && current.BalanceSeq != env.BalanceSeq {
		return budget.ErrVersionConflict
	}
	if env.IsActive() && m.activeDuplicateLocked(env) {
		return budget.ErrDuplicateActiveEnvelope
	}

	// Totals belong to ApplyBalanceChange.
	env.Committed = current.Committed
	env.Reserved = current.Reserved
	env.BalanceSeq = current.BalanceSeq
	env.CreatedAt = current.CreatedAt
	m.envelopes[env.ID] = env
	return nil
}

func (m *Memory) activeDuplicateLocked(env budget.Envelope) bool {
	for id, other := range m.envelopes {
		if id != env.ID && other.IsActive() && other.ProgramRef == env.ProgramRef && other.Period.Equal(env.Period) {
			return true
		}
	}
	return false
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (m *Memory) GetReservation(_ context.Context, id budget.ReservationID) (*budget.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[id]
	if !ok {
		return nil, nil
	}
	r = copyReservation(r)
	return &r, nil
}

func (m *Memory) FindReservationByKey(_ context.Context, envelopeID budget.EnvelopeID, idempotencyKey string) (*budget.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.reserveKeys[key{envelopeID, idempotencyKey}]
	if !ok {
		return nil, nil
	}
	r := copyReservation(m.reservations[id])
	return &r, nil
}

func (m *Memory) ListReservations(_ context.Context, f budget.ReservationFilter) ([]budget.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []budget.Reservation
	for _, r := range m.reservations {
		if f.EnvelopeID != "" && r.EnvelopeID != f.EnvelopeID {
			continue
		}
		if f.ReferenceID != "" && r.ReferenceID != f.ReferenceID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.ExpiresBy != nil && r.ExpiresAt.After(*f.ExpiresBy) {
			continue
		}
		out = append(out, copyReservation(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// =============================================================================
// USAGE
// =============================================================================

func (m *Memory) FindUsageByKey(_ context.Context, envelopeID budget.EnvelopeID, idempotencyKey string) (*budget.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.usageKeys[key{envelopeID, idempotencyKey}]
	if !ok {
		return nil, nil
	}
	u := m.usage[envelopeID][i]
	return &u, nil
}

func (m *Memory) ListUsage(_ context.Context, envelopeID budget.EnvelopeID) ([]budget.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]budget.UsageRecord(nil), m.usage[envelopeID]...), nil
}

// =============================================================================
// BALANCE CHANGE
// =============================================================================

func (m *Memory) ApplyBalanceChange(_ context.Context, ch budget.BalanceChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Guards, in the order the SQL stores evaluate them.
	env, ok := m.envelopes[ch.EnvelopeID]
	if !ok || env.BalanceSeq != ch.ExpectedSeq {
		return budget.ErrBalanceConflict
	}
	if r := ch.NewReservation; r != nil {
		if _, exists := m.reservations[r.ID]; exists {
			return fmt.Errorf("reservation %s already exists", r.ID)
		}
		if r.IdempotencyKey != "" {
			if _, dup := m.reserveKeys[key{r.EnvelopeID, r.IdempotencyKey}]; dup {
				return budget.ErrDuplicateIdempotencyKey
			}
		}
	}
	if t := ch.Transition; t != nil {
		current, ok := m.reservations[t.Reservation.ID]
		if !ok || current.Status != budget.ReservationHeld {
			return budget.ErrReservationNotHeld
		}
	}
	if u := ch.Usage; u != nil && u.IdempotencyKey != "" {
		if _, dup := m.usageKeys[key{u.EnvelopeID, u.IdempotencyKey}]; dup {
			return budget.ErrDuplicateIdempotencyKey
		}
	}

	// Writes.
	env.Committed = ch.Committed
	env.Reserved = ch.Reserved
	env.BalanceSeq++
	env.UpdatedAt = ch.At
	m.envelopes[env.ID] = env

	if r := ch.NewReservation; r != nil {
		m.reservations[r.ID] = copyReservation(*r)
		if r.IdempotencyKey != "" {
			m.reserveKeys[key{r.EnvelopeID, r.IdempotencyKey}] = r.ID
		}
	}
	if t := ch.Transition; t != nil {
		m.reservations[t.Reservation.ID] = copyReservation(t.Reservation)
	}
	if u := ch.Usage; u != nil {
		m.usage[u.EnvelopeID] = append(m.usage[u.EnvelopeID], *u)
		if u.IdempotencyKey != "" {
			m.usageKeys[key{u.EnvelopeID, u.IdempotencyKey}] = len(m.usage[u.EnvelopeID]) - 1
		}
	}
	return nil
}

func copyReservation(r budget.Reservation) budget.Reservation {
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		r.ResolvedAt = &t
	}
	return r
}
