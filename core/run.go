/*
run.go - Job runs and their state machine

PURPOSE:
  A JobRun is one execution attempt of an automation job for one target
  period. Runs are created at trigger time, move forward through a fixed
  set of states and are never deleted.

STATE MACHINE:
  pending ──► running ──► succeeded
     │           ├──────► failed            (run-level abort)
     │           └──────► partially_failed  (some employees failed or cancelled)
     └─────────► failed                     (could not start)

  At most one run per (job type, period) may be pending, running or
  succeeded at a time. Failed and partially failed runs stay in the ledger
  and a new attempt is created for retries.

SEE ALSO:
  - store.go: RunLedger interface
  - automation/scheduler.go: drives the transitions
*/
package core

import (
	"fmt"
	"time"
)

type JobType string

const (
	JobAccrual      JobType = "accrual"
	JobPayroll      JobType = "payroll"
	JobNotification JobType = "notification"
)

func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case JobAccrual, JobPayroll, JobNotification:
		return JobType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJobType, s)
}

type RunState string

const (
	RunPending         RunState = "pending"
	RunRunning         RunState = "running"
	RunSucceeded       RunState = "succeeded"
	RunFailed          RunState = "failed"
	RunPartiallyFailed RunState = "partially_failed"
)

// Active states block another run for the same (job type, period).
func (s RunState) Active() bool {
	return s == RunPending || s == RunRunning || s == RunSucceeded
}

func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunPartiallyFailed
}

// ValidRunTransition reports whether a run may move from one state to another.
func ValidRunTransition(from, to RunState) bool {
	switch from {
	case RunPending:
		return to == RunRunning || to == RunFailed
	case RunRunning:
		return to.Terminal()
	default:
		return false
	}
}

// RunTransition is the update applied by a compare-and-set state change.
type RunTransition struct {
	To        RunState
	At        time.Time
	Error     string
	Cancelled bool
}

type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// EntryError records why one time entry could not be priced.
type EntryError struct {
	EntryID EntryID   `json:"entry_id"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// EmployeeOutcome is the per-employee result inside a run.
type EmployeeOutcome struct {
	RunID       RunID
	EmployeeID  EmployeeID
	Status      OutcomeStatus
	Kind        ErrorKind
	Message     string
	EntryErrors []EntryError
	Summary     string
	UpdatedAt   time.Time
}

type JobRun struct {
	ID        RunID
	JobType   JobType
	Period    Period
	State     RunState
	Attempt   int
	RetryOf   RunID
	Error     string
	Cancelled bool
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time

	Outcomes []EmployeeOutcome
}

// Key identifies the (job type, period) slot a run occupies.
func (r JobRun) Key() string {
	return RunKey(r.JobType, r.Period)
}

func RunKey(jobType JobType, p Period) string {
	return string(jobType) + "/" + p.Key()
}

// Counts tallies outcomes by status.
func (r JobRun) Counts() (succeeded, failed, cancelled int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case OutcomeSucceeded:
			succeeded++
		case OutcomeFailed:
			failed++
		case OutcomeCancelled:
			cancelled++
		}
	}
	return succeeded, failed, cancelled
}

type RunFilter struct {
	JobType   JobType
	PeriodKey string
	State     RunState
	Limit     int
}
