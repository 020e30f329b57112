/*
Package sqlite opens the ledger store on SQLite (mattn/go-sqlite3).

PURPOSE:
  Supplies the SQLite Dialect for sqlstore: TEXT columns for decimals and
  times, '?' placeholders, unique-violation detection from sqlite3.Error.

STORAGE FORMATS:
  - Amounts are decimal strings. Never REAL: the invariant check must not
    drift.
  - Times are fixed-width RFC 3339 UTC with nanoseconds, so text comparison
    in WHERE clauses orders the same as time.

WAL MODE:
  The database is opened with WAL, a busy timeout and _txlock=immediate:
  - Readers don't block the writer
  - A balance transaction takes the write lock at BEGIN, so two writers queue
    instead of failing on lock upgrade
  - ":memory:" is pinned to one connection (each connection would otherwise
    see its own empty database)

USAGE:
  store, err := sqlite.New("./data/budget.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := budget.New(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/budget-ledger/store/sqlstore"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// BusyTimeout is how long a writer waits for the database lock.
const BusyTimeout = 5 * time.Second

// New opens (and migrates) a SQLite database at path. Use ":memory:" for an
// in-memory database.
func New(path string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := sqlstore.New(db, Dialect())
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
		path, sep, BusyTimeout.Milliseconds())
}

func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:            "sqlite",
		Schema:          schema,
		EncodeTime:      func(t time.Time) any { return t.UTC().Format(timeFormat) },
		UniqueViolation: uniqueViolation,
	}
}

// uniqueViolation extracts the table from
// "UNIQUE constraint failed: reservations.envelope_id, reservations.idempotency_key".
func uniqueViolation(err error) (string, bool) {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return "", false
	}
	if se.ExtendedCode != sqlite3.ErrConstraintUnique && se.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return "", false
	}
	msg := se.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		msg = msg[i+2:]
	}
	table, _, _ := strings.Cut(msg, ".")
	return table, true
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS envelopes (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL DEFAULT '',
		program_ref TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		allocated TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		committed TEXT NOT NULL,
		reserved TEXT NOT NULL,
		version INTEGER NOT NULL,
		balance_seq INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	// One active envelope per program and period.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_envelopes_active_program
		ON envelopes(program_ref, period_start, period_end) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_envelopes_org ON envelopes(org_id, program_ref)`,
	`CREATE INDEX IF NOT EXISTS idx_envelopes_period_end ON envelopes(status, period_end)`,

	`CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		envelope_id TEXT NOT NULL REFERENCES envelopes(id),
		amount TEXT NOT NULL,
		reference_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		status TEXT NOT NULL,
		confirmed_amount TEXT,
		usage_id TEXT,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_key
		ON reservations(envelope_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_envelope_status ON reservations(envelope_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_reference ON reservations(reference_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_sweep ON reservations(status, expires_at)`,

	`CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		envelope_id TEXT NOT NULL REFERENCES envelopes(id),
		amount TEXT NOT NULL,
		reference_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		reservation_id TEXT,
		applied_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_key
		ON usage_records(envelope_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_usage_envelope ON usage_records(envelope_id, applied_at)`,
}
