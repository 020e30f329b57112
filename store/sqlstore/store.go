/*
Package sqlstore implements budget.Store over database/sql.

PURPOSE:
  One implementation of the ledger's persistence contract shared by the SQLite
  and PostgreSQL backends. The backends only contribute a Dialect: schema,
  placeholder style, time encoding and unique-violation detection.

KEY TABLES:
  envelopes:     allocation, period, running totals, version, balance_seq
  reservations:  holds and their resolution
  usage_records: committed spend (append-only)

INDEXES:
  - idx_envelopes_active_program: one active envelope per program+period
  - idx_reservations_key:         reservation idempotency key per envelope
  - idx_usage_key:                usage idempotency key per envelope
  - idx_reservations_sweep:       held reservations by expires_at (sweeper)

CONCURRENCY:
  No in-process locks. ApplyBalanceChange runs in one database transaction
  whose first statement is the balance_seq compare-and-swap, so two writers on
  the same envelope serialize on that row and the loser sees zero rows.

SEE ALSO:
  - budget/store.go: the contract
  - store/sqlite, store/postgres: dialects
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/budget-ledger/budget"
)

// Dialect adapts the shared SQL to one database.
type Dialect struct {
	Name string

	// Schema statements, executed in order by Migrate.
	Schema []string

	// Rebind rewrites '?' placeholders. Nil keeps them.
	Rebind func(query string) string

	// EncodeTime converts a time for binding. Nil binds time.Time as is.
	EncodeTime func(t time.Time) any

	// UniqueViolation reports the table whose unique constraint err violated.
	UniqueViolation func(err error) (table string, ok bool)

	// TxOptions for the balance transaction.
	TxOptions *sql.TxOptions
}

// Store implements budget.Store.
type Store struct {
	db *sql.DB
	d  Dialect
}

var _ budget.Store = (*Store)(nil)

func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: d}
}

// Migrate creates the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.Name, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) q(query string) string {
	if s.d.Rebind == nil {
		return query
	}
	return s.d.Rebind(query)
}

func (s *Store) t(t time.Time) any {
	t = t.UTC()
	if s.d.EncodeTime == nil {
		return t
	}
	return s.d.EncodeTime(t)
}

func (s *Store) tp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.t(*t)
}

func (s *Store) uniqueOn(err error, table string) bool {
	if err == nil || s.d.UniqueViolation == nil {
		return false
	}
	got, ok := s.d.UniqueViolation(err)
	return ok && got == table
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// RebindDollar rewrites '?' placeholders to $1, $2, ... Queries must not
// contain a literal '?'.
func RebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// timeScanner reads a time stored either natively or as RFC 3339 text.
type timeScanner struct {
	dst  *time.Time
	null **time.Time
}

func scanTime(dst *time.Time) *timeScanner { return &timeScanner{dst: dst} }
func scanNullTime(dst **time.Time) *timeScanner { return &timeScanner{null: dst} }

func (s *timeScanner) Scan(v any) error {
	var t time.Time
	switch x := v.(type) {
	case nil:
		if s.null != nil {
			*s.null = nil
			return nil
		}
		return errors.New("scan time: unexpected NULL")
	case time.Time:
		t = x
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return fmt.Errorf("scan time %q: %w", x, err)
		}
		t = parsed
	case []byte:
		parsed, err := time.Parse(time.RFC3339Nano, string(x))
		if err != nil {
			return fmt.Errorf("scan time %q: %w", x, err)
		}
		t = parsed
	default:
		return fmt.Errorf("scan time: unsupported type %T", v)
	}
	t = t.UTC()
	if s.null != nil {
		*s.null = &t
		return nil
	}
	*s.dst = t
	return nil
}
