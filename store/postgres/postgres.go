// Package postgres opens the ledger store on PostgreSQL via lib/pq.
//
// Amounts are NUMERIC and times TIMESTAMPTZ. The balance transaction runs at
// READ COMMITTED: the compare-and-swap UPDATE ... WHERE balance_seq = $n waits
// on the row lock of a concurrent writer and then re-evaluates against the
// committed row, so the loser affects zero rows and the ledger retries.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/warp/budget-ledger/store/sqlstore"
)

const uniqueViolationCode = "23505"

// New opens and migrates the database at dsn.
func New(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	store := NewFromDB(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewFromDB wraps an open handle without migrating.
func NewFromDB(db *sql.DB) *sqlstore.Store {
	return sqlstore.New(db, Dialect())
}

func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:            "postgres",
		Schema:          schema,
		Rebind:          sqlstore.RebindDollar,
		UniqueViolation: uniqueViolation,
		TxOptions:       &sql.TxOptions{Isolation: sql.LevelReadCommitted},
	}
}

func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolationCode {
		return "", false
	}
	return pqErr.Table, true
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS envelopes (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL DEFAULT '',
		program_ref TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		period_start TIMESTAMPTZ NOT NULL,
		period_end TIMESTAMPTZ NOT NULL,
		allocated NUMERIC NOT NULL CHECK (allocated > 0),
		currency CHAR(3) NOT NULL,
		status TEXT NOT NULL,
		committed NUMERIC NOT NULL DEFAULT 0 CHECK (committed >= 0),
		reserved NUMERIC NOT NULL DEFAULT 0 CHECK (reserved >= 0),
		version BIGINT NOT NULL,
		balance_seq BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (committed + reserved <= allocated)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_envelopes_active_program
		ON envelopes(program_ref, period_start, period_end) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_envelopes_org ON envelopes(org_id, program_ref)`,
	`CREATE INDEX IF NOT EXISTS idx_envelopes_period_end ON envelopes(status, period_end)`,

	`CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		envelope_id TEXT NOT NULL REFERENCES envelopes(id),
		amount NUMERIC NOT NULL CHECK (amount > 0),
		reference_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		status TEXT NOT NULL,
		confirmed_amount NUMERIC,
		usage_id TEXT,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_key
		ON reservations(envelope_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_envelope_status ON reservations(envelope_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_reference ON reservations(reference_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_sweep ON reservations(expires_at) WHERE status = 'held'`,

	`CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		envelope_id TEXT NOT NULL REFERENCES envelopes(id),
		amount NUMERIC NOT NULL CHECK (amount > 0),
		reference_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		reservation_id TEXT REFERENCES reservations(id),
		applied_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_key
		ON usage_records(envelope_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_usage_envelope ON usage_records(envelope_id, applied_at)`,
}
