/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of package core using SQLite
  through database/sql. The same schema runs on PostgreSQL with minor
  dialect differences; store/gormstore covers the production databases.

INTERFACES IMPLEMENTED:
  core.RuleStore, core.Roster, core.TimeEntrySource, core.LeaveBalanceSource
  core.AccrualStore:     Append-only accrual transactions
  core.PayLineSink:      Pay line batches, one per (employee, period)
  core.NotificationSink: Queued reminders
  core.RunLedger:        Job runs and per-employee outcomes

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on accrual_transactions or pay_lines
  - Idempotency keys are UNIQUE columns; duplicates map to
    core.ErrDuplicateIdempotencyKey
  - Corrections are reversal transactions

KEY TABLES:
  pay_codes, pay_rules, leave_types: Rule book (replaced as a whole)
  employees, time_entries, leave_balances: Collaborator data
  accrual_transactions: Immutable accrual ledger
  pay_line_batches, pay_lines: Posted pay lines
  notifications: Outbound queue
  job_runs, run_outcomes: Run ledger

RUN LEDGER CONCURRENCY:
  idx_job_runs_active is a partial unique index on (job_type, period_key)
  for pending, running and succeeded runs. Two concurrent CreateRun calls
  for the same slot cannot both succeed; the loser gets the winner's run.
  TransitionRun is an UPDATE ... WHERE state = ? compare-and-set.

USAGE:
  store, err := sqlite.New("./data/payrules.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - core/store.go: Interface definitions
  - core/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// writers the way SQLite wants them.
	db.SetMaxOpenConns(1)

	store := NewWithDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an open database without migrating it.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	-- Rule book
	CREATE TABLE IF NOT EXISTS pay_codes (
		id TEXT PRIMARY KEY,
		config_json TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pay_rules (
		id TEXT PRIMARY KEY,
		name TEXT,
		priority INTEGER NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		config_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pay_rules_effective
		ON pay_rules(effective_from, effective_to);

	CREATE TABLE IF NOT EXISTS leave_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		monthly_rate TEXT NOT NULL,
		cap TEXT NOT NULL DEFAULT '0',
		active INTEGER NOT NULL DEFAULT 1
	);

	-- Collaborator data
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		department TEXT,
		role TEXT,
		hourly_rate TEXT NOT NULL DEFAULT '0',
		hire_date TEXT,
		termination_date TEXT
	);

	CREATE TABLE IF NOT EXISTS time_entries (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		clock_in TEXT NOT NULL,
		clock_out TEXT,
		break_minutes INTEGER NOT NULL DEFAULT 0,
		pay_code TEXT,
		department TEXT,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_time_entries_employee
		ON time_entries(employee_id, clock_in);

	CREATE TABLE IF NOT EXISTS leave_balances (
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		accrued TEXT NOT NULL DEFAULT '0',
		used TEXT NOT NULL DEFAULT '0',
		cap TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (employee_id, leave_type_id, year)
	);

	-- Accrual ledger (append-only)
	CREATE TABLE IF NOT EXISTS accrual_transactions (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		delta TEXT NOT NULL,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		run_id TEXT,
		reverses_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accruals_employee_leave_year
		ON accrual_transactions(employee_id, leave_type_id, year);

	-- Pay lines (append-only)
	CREATE TABLE IF NOT EXISTS pay_line_batches (
		idempotency_key TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pay_lines (
		id TEXT PRIMARY KEY,
		batch_key TEXT NOT NULL REFERENCES pay_line_batches(idempotency_key),
		run_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		entry_ids_json TEXT NOT NULL,
		pay_code TEXT NOT NULL,
		class TEXT,
		hours TEXT NOT NULL,
		rate TEXT NOT NULL,
		amount TEXT NOT NULL,
		rule_trail_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pay_lines_run
		ON pay_lines(run_id);
	CREATE INDEX IF NOT EXISTS idx_pay_lines_employee
		ON pay_lines(employee_id, period_start);

	-- Notifications
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		employee_id TEXT,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		run_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Run ledger
	CREATE TABLE IF NOT EXISTS job_runs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		period_key TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		state TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		retry_of TEXT,
		error TEXT,
		cancelled INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT,
		ended_at TEXT
	);

	-- CRITICAL: at most one active run per (job type, period)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_job_runs_active
		ON job_runs(job_type, period_key)
		WHERE state IN ('pending', 'running', 'succeeded');

	CREATE INDEX IF NOT EXISTS idx_job_runs_slot
		ON job_runs(job_type, period_key);

	CREATE TABLE IF NOT EXISTS run_outcomes (
		run_id TEXT NOT NULL REFERENCES job_runs(id),
		employee_id TEXT NOT NULL,
		status TEXT NOT NULL,
		kind TEXT,
		message TEXT,
		entry_errors_json TEXT,
		summary TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (run_id, employee_id)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

const dateLayout = "2006-01-02"

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func parseDate(s string) time.Time {
	t, _ := time.Parse(dateLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(*t), Valid: true}
}

func timePtr(ns sql.NullString, parse func(string) time.Time) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parse(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
