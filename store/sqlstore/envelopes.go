package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/budget-ledger/budget"
)

// =============================================================================
// ENVELOPES
// =============================================================================

const envelopeColumns = `id, org_id, program_ref, name, description, period_start, period_end,
	allocated, currency, status, committed, reserved, version, balance_seq, created_at, updated_at`

func (s *Store) CreateEnvelope(ctx context.Context, env budget.Envelope) error {
	query := `
		INSERT INTO envelopes (` + envelopeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, s.q(query),
		env.ID,
		env.OrgID,
		env.ProgramRef,
		env.Name,
		env.Description,
		s.t(env.Period.Start),
		s.t(env.Period.End),
		env.Allocated,
		env.Currency,
		env.Status,
		env.Committed,
		env.Reserved,
		env.Version,
		env.BalanceSeq,
		s.t(env.CreatedAt),
		s.t(env.UpdatedAt),
	)
	if err != nil {
		if s.uniqueOn(err, "envelopes") {
			return budget.ErrDuplicateActiveEnvelope
		}
		return fmt.Errorf("failed to insert envelope: %w", err)
	}
	return nil
}

func (s *Store) GetEnvelope(ctx context.Context, id budget.EnvelopeID) (*budget.Envelope, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+envelopeColumns+` FROM envelopes WHERE id = ?`), id)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get envelope: %w", err)
	}
	return &env, nil
}

func (s *Store) ListEnvelopes(ctx context.Context, filter budget.EnvelopeFilter, page budget.Pagination) ([]budget.Envelope, int, error) {
	where, args := s.envelopeWhere(filter)
	page = page.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM envelopes`+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count envelopes: %w", err)
	}

	query := `SELECT ` + envelopeColumns + ` FROM envelopes` + where + ` ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, s.q(query), append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list envelopes: %w", err)
	}
	defer rows.Close()

	var out []budget.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan envelope: %w", err)
		}
		out = append(out, env)
	}
	return out, total, rows.Err()
}

func (s *Store) envelopeWhere(f budget.EnvelopeFilter) (string, []any) {
	var conds []string
	var args []any
	if f.OrgID != "" {
		conds = append(conds, "org_id = ?")
		args = append(args, f.OrgID)
	}
	if f.ProgramRef != "" {
		conds = append(conds, "program_ref = ?")
		args = append(args, f.ProgramRef)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.ActiveAt != nil {
		conds = append(conds, "period_start <= ? AND period_end > ?")
		args = append(args, s.t(*f.ActiveAt), s.t(*f.ActiveAt))
	}
	if f.EndedBefore != nil {
		conds = append(conds, "period_end <= ?")
		args = append(args, s.t(*f.EndedBefore))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// UpdateEnvelope writes everything except the running totals and balance_seq.
func (s *Store) UpdateEnvelope(ctx context.Context, env budget.Envelope, expectedVersion int64, pinBalance bool) error {
	query := `
		UPDATE envelopes
		SET org_id = ?, program_ref = ?, name = ?, description = ?, period_start = ?, period_end = ?,
		    allocated = ?, currency = ?, status = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`
	args := []any{
		env.OrgID,
		env.ProgramRef,
		env.Name,
		env.Description,
		s.t(env.Period.Start),
		s.t(env.Period.End),
		env.Allocated,
		env.Currency,
		env.Status,
		env.Version,
		s.t(env.UpdatedAt),
		env.ID,
		expectedVersion,
	}
	if pinBalance {
		query += ` AND balance_seq = ?`
		args = append(args, env.BalanceSeq)
	}

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		if s.uniqueOn(err, "envelopes") {
			return budget.ErrDuplicateActiveEnvelope
		}
		return fmt.Errorf("failed to update envelope: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return budget.ErrVersionConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (budget.Envelope, error) {
	var env budget.Envelope
	err := row.Scan(
		&env.ID,
		&env.OrgID,
		&env.ProgramRef,
		&env.Name,
		&env.Description,
		scanTime(&env.Period.Start),
		scanTime(&env.Period.End),
		&env.Allocated,
		&env.Currency,
		&env.Status,
		&env.Committed,
		&env.Reserved,
		&env.Version,
		&env.BalanceSeq,
		scanTime(&env.CreatedAt),
		scanTime(&env.UpdatedAt),
	)
	return env, err
}
