package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/budget-ledger/budget"
)

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, envelope_id, amount, reference_id, idempotency_key, status,
	confirmed_amount, usage_id, expires_at, created_at, resolved_at`

func (s *Store) GetReservation(ctx context.Context, id budget.ReservationID) (*budget.Reservation, error) {
	return s.getReservation(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
}

func (s *Store) FindReservationByKey(ctx context.Context, envelopeID budget.EnvelopeID, idempotencyKey string) (*budget.Reservation, error) {
	return s.getReservation(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE envelope_id = ? AND idempotency_key = ?`,
		envelopeID, idempotencyKey)
}

func (s *Store) getReservation(ctx context.Context, query string, args ...any) (*budget.Reservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return &r, nil
}

func (s *Store) ListReservations(ctx context.Context, f budget.ReservationFilter) ([]budget.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE 1 = 1`
	var args []any
	if f.EnvelopeID != "" {
		query += ` AND envelope_id = ?`
		args = append(args, f.EnvelopeID)
	}
	if f.ReferenceID != "" {
		query += ` AND reference_id = ?`
		args = append(args, f.ReferenceID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.ExpiresBy != nil {
		query += ` AND expires_at <= ?`
		args = append(args, s.t(*f.ExpiresBy))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	var out []budget.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReservation(row rowScanner) (budget.Reservation, error) {
	var (
		r         budget.Reservation
		key       sql.NullString
		usageID   sql.NullString
		confirmed decimal.NullDecimal
	)
	err := row.Scan(
		&r.ID,
		&r.EnvelopeID,
		&r.Amount,
		&r.ReferenceID,
		&key,
		&r.Status,
		&confirmed,
		&usageID,
		scanTime(&r.ExpiresAt),
		scanTime(&r.CreatedAt),
		scanNullTime(&r.ResolvedAt),
	)
	if err != nil {
		return r, err
	}
	r.IdempotencyKey = key.String
	r.UsageID = budget.UsageID(usageID.String)
	if confirmed.Valid {
		r.ConfirmedAmount = confirmed.Decimal
	}
	return r, nil
}

// =============================================================================
// USAGE
// =============================================================================

const usageColumns = `id, envelope_id, amount, reference_id, idempotency_key, reservation_id, applied_at`

func (s *Store) FindUsageByKey(ctx context.Context, envelopeID budget.EnvelopeID, idempotencyKey string) (*budget.UsageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+usageColumns+` FROM usage_records WHERE envelope_id = ? AND idempotency_key = ?`),
		envelopeID, idempotencyKey)
	u, err := scanUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find usage: %w", err)
	}
	return &u, nil
}

func (s *Store) ListUsage(ctx context.Context, envelopeID budget.EnvelopeID) ([]budget.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+usageColumns+` FROM usage_records WHERE envelope_id = ? ORDER BY applied_at ASC, id ASC`),
		envelopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var out []budget.UsageRecord
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUsage(row rowScanner) (budget.UsageRecord, error) {
	var (
		u             budget.UsageRecord
		key           sql.NullString
		reservationID sql.NullString
	)
	err := row.Scan(
		&u.ID,
		&u.EnvelopeID,
		&u.Amount,
		&u.ReferenceID,
		&key,
		&reservationID,
		scanTime(&u.AppliedAt),
	)
	u.IdempotencyKey = key.String
	u.ReservationID = budget.ReservationID(reservationID.String)
	return u, err
}

// =============================================================================
// BALANCE CHANGE - The single atomic financial write
// =============================================================================

// ApplyBalanceChange runs the CAS and its companion rows in one transaction.
// The CAS goes first so concurrent writers queue on the envelope row before
// touching anything else.
func (s *Store) ApplyBalanceChange(ctx context.Context, ch budget.BalanceChange) error {
	tx, err := s.db.BeginTx(ctx, s.d.TxOptions)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE envelopes
		SET committed = ?, reserved = ?, balance_seq = balance_seq + 1, updated_at = ?
		WHERE id = ? AND balance_seq = ?`),
		ch.Committed, ch.Reserved, s.t(ch.At), ch.EnvelopeID, ch.ExpectedSeq)
	if err != nil {
		return fmt.Errorf("failed to update envelope totals: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return budget.ErrBalanceConflict
	}

	if r := ch.NewReservation; r != nil {
		if err := s.insertReservation(ctx, tx, *r); err != nil {
			return err
		}
	}
	if t := ch.Transition; t != nil {
		if err := s.transitionReservation(ctx, tx, t.Reservation); err != nil {
			return err
		}
	}
	if u := ch.Usage; u != nil {
		if err := s.insertUsage(ctx, tx, *u); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit balance change: %w", err)
	}
	return nil
}

func (s *Store) insertReservation(ctx context.Context, db execer, r budget.Reservation) error {
	_, err := db.ExecContext(ctx, s.q(`
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID,
		r.EnvelopeID,
		r.Amount,
		r.ReferenceID,
		nullString(r.IdempotencyKey),
		r.Status,
		nil,
		nil,
		s.t(r.ExpiresAt),
		s.t(r.CreatedAt),
		s.tp(r.ResolvedAt),
	)
	if err != nil {
		if s.uniqueOn(err, "reservations") {
			return budget.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

// transitionReservation persists a resolved reservation. Guarded by
// status = 'held'; zero rows means someone else resolved it first.
func (s *Store) transitionReservation(ctx context.Context, db execer, r budget.Reservation) error {
	var confirmed any
	if r.Status == budget.ReservationConfirmed {
		confirmed = r.ConfirmedAmount
	}
	res, err := db.ExecContext(ctx, s.q(`
		UPDATE reservations
		SET status = ?, confirmed_amount = ?, usage_id = ?, resolved_at = ?
		WHERE id = ? AND status = ?`),
		r.Status,
		confirmed,
		nullString(string(r.UsageID)),
		s.tp(r.ResolvedAt),
		r.ID,
		budget.ReservationHeld,
	)
	if err != nil {
		return fmt.Errorf("failed to transition reservation: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return budget.ErrReservationNotHeld
	}
	return nil
}

func (s *Store) insertUsage(ctx context.Context, db execer, u budget.UsageRecord) error {
	_, err := db.ExecContext(ctx, s.q(`
		INSERT INTO usage_records (`+usageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		u.ID,
		u.EnvelopeID,
		u.Amount,
		u.ReferenceID,
		nullString(u.IdempotencyKey),
		nullString(string(u.ReservationID)),
		s.t(u.AppliedAt),
	)
	if err != nil {
		if s.uniqueOn(err, "usage_records") {
			return budget.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert usage: %w", err)
	}
	return nil
}
