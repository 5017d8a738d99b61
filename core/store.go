/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine and everything it reads from or
  writes to. Collaborators (roster, time tracking, leave balances, rule
  administration) supply the read side; the engine owns the write side
  (accrual transactions, pay lines, notifications, job runs).

KEY INTERFACES:
  RuleStore:          Active PayRule/PayCode/LeaveType definitions (read-only)
  Roster:             Employees active in a period
  TimeEntrySource:    Time entries of one employee for a period
  LeaveBalanceSource: Collaborator balance rows (used, cap)
  AccrualStore:       Append-only accrual transactions
  PayLineSink:        Calculated pay lines, one atomic batch per employee
  NotificationSink:   Queued reminders and alerts
  RunLedger:          Durable job runs and per-employee outcomes

APPEND-ONLY CONTRACT:
  AccrualStore and PayLineSink have no update or delete operations. Every
  write carries an idempotency key and a duplicate key is rejected with
  ErrDuplicateIdempotencyKey.

RUN LEDGER CONCURRENCY:
  CreateRun and TransitionRun are the only serialization points in the
  system. Implementations back CreateRun with a unique constraint over the
  active (job type, period) slot and TransitionRun with a compare-and-set
  on the current state.

IMPLEMENTATIONS:
  - core/store/memory.go:  In-memory, for tests and development
  - store/sqlite/sqlite.go: database/sql + SQLite
  - store/gormstore:       GORM over PostgreSQL, MySQL or SQLite
*/
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READ SIDE - Supplied by collaborators
// =============================================================================

type RuleStore interface {
	// ActiveRules returns every rule in force on at least one day of p.
	ActiveRules(ctx context.Context, p Period) ([]PayRule, error)

	PayCodes(ctx context.Context) (map[PayCodeID]PayCode, error)

	LeaveTypes(ctx context.Context) ([]LeaveType, error)
}

type Roster interface {
	// Employees returns every employee active on at least one day of p.
	Employees(ctx context.Context, p Period) ([]Employee, error)
}

type TimeEntrySource interface {
	// Entries returns the employee's entries whose clock-in falls in p, in
	// any status. Filtering by status is the engine's job.
	Entries(ctx context.Context, employeeID EmployeeID, p Period) ([]TimeEntry, error)
}

type LeaveBalanceSource interface {
	// Balance returns nil without error when no row exists.
	Balance(ctx context.Context, employeeID EmployeeID, leaveTypeID LeaveTypeID, year int) (*LeaveBalance, error)
}

// =============================================================================
// WRITE SIDE - Owned by the engine
// =============================================================================

type AccrualStore interface {
	// Append persists a transaction. Returns ErrDuplicateIdempotencyKey if
	// the key exists. This is the ONLY write operation.
	Append(ctx context.Context, tx AccrualTransaction) error

	// Load returns the transactions of (employee, leave type, year) in
	// creation order.
	Load(ctx context.Context, employeeID EmployeeID, leaveTypeID LeaveTypeID, year int) ([]AccrualTransaction, error)

	Exists(ctx context.Context, idempotencyKey string) (bool, error)

	Get(ctx context.Context, id TransactionID) (*AccrualTransaction, error)
}

type PayLineSink interface {
	// PostLines writes all lines of the batch or none of them.
	PostLines(ctx context.Context, batch PayLineBatch) error

	LinesForRun(ctx context.Context, runID RunID) ([]PayLine, error)
}

type NotificationSink interface {
	Enqueue(ctx context.Context, n Notification) error
}

type RunLedger interface {
	// CreateRun inserts a pending run unless an active run occupies the
	// (job type, period) slot, in which case it returns that run together
	// with a *ConcurrencyError.
	CreateRun(ctx context.Context, run JobRun) (JobRun, error)

	// GetRun returns the run with its outcomes or ErrRunNotFound.
	GetRun(ctx context.Context, id RunID) (JobRun, error)

	// LatestRun returns the most recent run for the slot, nil if none.
	LatestRun(ctx context.Context, jobType JobType, periodKey string) (*JobRun, error)

	// TransitionRun moves the run from state `from` to t.To atomically. It
	// returns ErrStaleTransition if the run is no longer in `from`.
	TransitionRun(ctx context.Context, id RunID, from RunState, t RunTransition) error

	// RecordOutcome upserts the outcome of one employee in one run.
	RecordOutcome(ctx context.Context, o EmployeeOutcome) error

	// SucceededEmployees returns the employees with a succeeded outcome in
	// any run of the slot.
	SucceededEmployees(ctx context.Context, jobType JobType, periodKey string) (map[EmployeeID]bool, error)

	// ListRuns returns runs newest first, without outcomes.
	ListRuns(ctx context.Context, f RunFilter) ([]JobRun, error)
}

// SumDeltas adds up transaction deltas.
func SumDeltas(txs []AccrualTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Delta)
	}
	return total
}
