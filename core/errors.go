/*
errors.go - Error taxonomy for the pay rules engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Components return these (wrapped with context) so the scheduler can
  classify a failure without string matching.

ERROR CATEGORIES:
  1. Configuration - no applicable rule, ambiguous priority, unknown formula.
     Fatal for the entry, never for the batch.
  2. Data - open/invalid time entries, missing roster data. The employee
     is skipped and recorded in the run outcome list.
  3. Concurrency - duplicate trigger. The existing run is returned instead.
  4. Arithmetic - negative rates, amounts over the configured ceiling.
     Fatal for that employee's line.
  5. Storage / rule store - rule store failures abort the whole run.

USAGE:
  if core.KindOf(err) == core.KindData {
      // skip employee
  }

SEE ALSO:
  - automation/scheduler.go: maps errors to outcomes
  - rules/rate.go: raises RateResolutionError and ArithmeticError
*/
package core

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a record with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrNoApplicableRule = errors.New("no applicable rule")
	ErrAmbiguousRule    = errors.New("ambiguous rule priority")
	ErrUnknownFormula   = errors.New("unknown formula")

	ErrIncompleteEntry    = errors.New("incomplete time entry")
	ErrInvalidEntry       = errors.New("invalid time entry")
	ErrMissingRosterData  = errors.New("missing employee roster data")
	ErrDailyLimitExceeded = errors.New("hours exceed pay code daily limit")

	ErrInvalidRate = errors.New("invalid rate configuration")

	ErrNoActiveRules      = errors.New("no active pay rules")
	ErrNoActiveLeaveTypes = errors.New("no active leave types")

	ErrRunNotFound         = errors.New("run not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrStaleTransition     = errors.New("run state changed concurrently")
	ErrInvalidTransition   = errors.New("invalid run state transition")
	ErrUnknownJobType      = errors.New("unknown job type")

	// ErrInvalidPeriod is returned when a period is malformed or does not
	// suit the job type (accrual requires a calendar month).
	ErrInvalidPeriod = errors.New("invalid period")
)

// =============================================================================
// KINDS
// =============================================================================

type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindData          ErrorKind = "data"
	KindConcurrency   ErrorKind = "concurrency"
	KindArithmetic    ErrorKind = "arithmetic"
	KindStorage       ErrorKind = "storage"
	KindCancelled     ErrorKind = "cancelled"
	KindInternal      ErrorKind = "internal"
)

type kinded interface {
	Kind() ErrorKind
}

// KindOf classifies an error. Unclassified errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, ErrNoApplicableRule), errors.Is(err, ErrAmbiguousRule),
		errors.Is(err, ErrUnknownFormula):
		return KindConfiguration
	case errors.Is(err, ErrIncompleteEntry), errors.Is(err, ErrInvalidEntry),
		errors.Is(err, ErrMissingRosterData), errors.Is(err, ErrDailyLimitExceeded):
		return KindData
	case errors.Is(err, ErrInvalidRate):
		return KindArithmetic
	}
	return KindInternal
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NoApplicableRuleError is raised when a caller requires a match and no rule
// applies to the context.
type NoApplicableRuleError struct {
	EntryID EntryID
	Context string
}

func (e *NoApplicableRuleError) Error() string {
	return fmt.Sprintf("no applicable rule for entry %s (%s)", e.EntryID, e.Context)
}

func (e *NoApplicableRuleError) Unwrap() error   { return ErrNoApplicableRule }
func (e *NoApplicableRuleError) Kind() ErrorKind { return KindConfiguration }

// RateResolutionError is raised when a base rate cannot be resolved for a
// segment of hours, or when the matched rules disagree on it.
type RateResolutionError struct {
	EntryID EntryID
	RuleIDs []RuleID
	Reason  string
	Err     error
}

func (e *RateResolutionError) Error() string {
	msg := fmt.Sprintf("rate resolution failed for entry %s: %s", e.EntryID, e.Reason)
	if len(e.RuleIDs) > 0 {
		msg += " (rules " + joinRuleIDs(e.RuleIDs) + ")"
	}
	return msg
}

func (e *RateResolutionError) Unwrap() error   { return e.Err }
func (e *RateResolutionError) Kind() ErrorKind { return KindConfiguration }

// ConfigurationError covers invalid rule definitions detected while loading
// or evaluating them.
type ConfigurationError struct {
	RuleID RuleID
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("configuration error in rule %s: %s", e.RuleID, e.Reason)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error   { return e.Err }
func (e *ConfigurationError) Kind() ErrorKind { return KindConfiguration }

// DataError marks collaborator data the engine cannot process.
type DataError struct {
	EmployeeID EmployeeID
	EntryID    EntryID
	Reason     string
	Err        error
}

func (e *DataError) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("data error for employee %s entry %s: %s", e.EmployeeID, e.EntryID, e.Reason)
	}
	return fmt.Sprintf("data error for employee %s: %s", e.EmployeeID, e.Reason)
}

func (e *DataError) Unwrap() error   { return e.Err }
func (e *DataError) Kind() ErrorKind { return KindData }

// IncompleteEntryError lists the open entries of an employee. Open entries
// are never guessed at.
type IncompleteEntryError struct {
	EmployeeID EmployeeID
	EntryIDs   []EntryID
}

func (e *IncompleteEntryError) Error() string {
	ids := make([]string, len(e.EntryIDs))
	for i, id := range e.EntryIDs {
		ids[i] = string(id)
	}
	return fmt.Sprintf("employee %s has open time entries: %s", e.EmployeeID, strings.Join(ids, ", "))
}

func (e *IncompleteEntryError) Unwrap() error   { return ErrIncompleteEntry }
func (e *IncompleteEntryError) Kind() ErrorKind { return KindData }

// ArithmeticError marks a numeric result the engine refuses to post.
type ArithmeticError struct {
	EntryID EntryID
	RuleID  RuleID
	Reason  string
}

func (e *ArithmeticError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("arithmetic error for entry %s in rule %s: %s", e.EntryID, e.RuleID, e.Reason)
	}
	return fmt.Sprintf("arithmetic error for entry %s: %s", e.EntryID, e.Reason)
}

func (e *ArithmeticError) Unwrap() error   { return ErrInvalidRate }
func (e *ArithmeticError) Kind() ErrorKind { return KindArithmetic }

// ConcurrencyError is returned by a RunLedger when an active run already
// occupies the (job type, period) slot. The scheduler hands the existing run
// back to the caller instead of surfacing this.
type ConcurrencyError struct {
	JobType  JobType
	Period   Period
	Existing JobRun
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("run %s already %s for %s %s", e.Existing.ID, e.Existing.State, e.JobType, e.Period.Key())
}

func (e *ConcurrencyError) Kind() ErrorKind { return KindConcurrency }

// RuleStoreError aborts a whole run: no employee can be priced correctly.
type RuleStoreError struct {
	Op  string
	Err error
}

func (e *RuleStoreError) Error() string {
	return fmt.Sprintf("rule store %s: %v", e.Op, e.Err)
}

func (e *RuleStoreError) Unwrap() error   { return e.Err }
func (e *RuleStoreError) Kind() ErrorKind { return KindStorage }

// EntryFailures collects every entry-level error of one employee. None of
// the employee's lines are posted when it is returned.
type EntryFailures struct {
	EmployeeID EmployeeID
	Failures   []EntryError
}

func (e *EntryFailures) Error() string {
	if len(e.Failures) == 1 {
		return e.Failures[0].Message
	}
	return fmt.Sprintf("%d entries of employee %s failed; first: %s",
		len(e.Failures), e.EmployeeID, e.Failures[0].Message)
}

// Kind is the kind of the first failure.
func (e *EntryFailures) Kind() ErrorKind {
	if len(e.Failures) == 0 {
		return KindInternal
	}
	return e.Failures[0].Kind
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleTransition) || KindOf(err) == KindStorage
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrUnknownJobType) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		KindOf(err) == KindConfiguration ||
		KindOf(err) == KindData
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrTransactionNotFound)
}

func joinRuleIDs(ids []RuleID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
