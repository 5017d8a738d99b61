package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/payrules-engine/core"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want core.ErrorKind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), core.KindInternal},
		{"wrapped sentinel configuration", fmt.Errorf("formula x: %w", core.ErrUnknownFormula), core.KindConfiguration},
		{"ambiguous", core.ErrAmbiguousRule, core.KindConfiguration},
		{"daily limit", fmt.Errorf("day: %w", core.ErrDailyLimitExceeded), core.KindData},
		{"missing roster", core.ErrMissingRosterData, core.KindData},
		{"invalid rate", core.ErrInvalidRate, core.KindArithmetic},
		{"data error", &core.DataError{EmployeeID: "e", Err: core.ErrInvalidEntry}, core.KindData},
		{"incomplete entry", &core.IncompleteEntryError{EmployeeID: "e", EntryIDs: []core.EntryID{"a"}}, core.KindData},
		{"arithmetic", &core.ArithmeticError{EntryID: "a", Reason: "negative rate"}, core.KindArithmetic},
		{"rule store", &core.RuleStoreError{Op: "load", Err: core.ErrNoActiveRules}, core.KindStorage},
		{"concurrency", &core.ConcurrencyError{JobType: core.JobPayroll}, core.KindConcurrency},
		{"wrapped structured", fmt.Errorf("employee e: %w", &core.DataError{EmployeeID: "e"}), core.KindData},
		{"empty entry failures", &core.EntryFailures{EmployeeID: "e"}, core.KindInternal},
		{"entry failures", &core.EntryFailures{EmployeeID: "e", Failures: []core.EntryError{{Kind: core.KindArithmetic}}}, core.KindArithmetic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, core.KindOf(tt.err))
		})
	}
}

func TestKindOf_StructuredKindWinsOverWrappedSentinel(t *testing.T) {
	// GIVEN: A configuration error that wraps an arithmetic sentinel
	err := &core.RateResolutionError{EntryID: "a", Reason: "bad", Err: core.ErrInvalidRate}

	// THEN: The error's own kind is reported, and the sentinel is still reachable
	assert.Equal(t, core.KindConfiguration, core.KindOf(err))
	assert.ErrorIs(t, err, core.ErrInvalidRate)
}

func TestStructuredErrors_UnwrapAndMessage(t *testing.T) {
	inc := &core.IncompleteEntryError{EmployeeID: "emp-1", EntryIDs: []core.EntryID{"a", "b"}}
	assert.ErrorIs(t, inc, core.ErrIncompleteEntry)
	assert.Equal(t, "employee emp-1 has open time entries: a, b", inc.Error())

	nar := &core.NoApplicableRuleError{EntryID: "a", Context: "REG"}
	assert.ErrorIs(t, nar, core.ErrNoApplicableRule)
	assert.Equal(t, core.KindConfiguration, core.KindOf(nar))

	rre := &core.RateResolutionError{EntryID: "a", RuleIDs: []core.RuleID{"r1", "r2"}, Reason: "tie", Err: core.ErrAmbiguousRule}
	assert.Contains(t, rre.Error(), "(rules r1, r2)")

	assert.ErrorIs(t, &core.ArithmeticError{EntryID: "a"}, core.ErrInvalidRate)
	assert.Contains(t, (&core.ArithmeticError{EntryID: "a", RuleID: "r", Reason: "x"}).Error(), "in rule r")

	assert.Equal(t, "configuration error: no tiers", (&core.ConfigurationError{Reason: "no tiers"}).Error())
	assert.Contains(t, (&core.DataError{EmployeeID: "e", EntryID: "x", Reason: "r"}).Error(), "entry x")
}

func TestEntryFailures_Message(t *testing.T) {
	one := &core.EntryFailures{EmployeeID: "e", Failures: []core.EntryError{{EntryID: "a", Message: "bad rate"}}}
	assert.Equal(t, "bad rate", one.Error())

	two := &core.EntryFailures{EmployeeID: "e", Failures: []core.EntryError{{Message: "m1"}, {Message: "m2"}}}
	assert.Equal(t, "2 entries of employee e failed; first: m1", two.Error())
}

func TestErrorHelpers(t *testing.T) {
	// IsClientError
	assert.True(t, core.IsClientError(fmt.Errorf("x: %w", core.ErrInvalidPeriod)))
	assert.True(t, core.IsClientError(core.ErrUnknownJobType))
	assert.True(t, core.IsClientError(core.ErrDuplicateIdempotencyKey))
	assert.True(t, core.IsClientError(&core.ConfigurationError{Reason: "x"}))
	assert.True(t, core.IsClientError(&core.DataError{EmployeeID: "e"}))
	assert.False(t, core.IsClientError(&core.RuleStoreError{Op: "load", Err: errors.New("down")}))
	assert.False(t, core.IsClientError(errors.New("boom")))

	// IsNotFound
	assert.True(t, core.IsNotFound(fmt.Errorf("get: %w", core.ErrRunNotFound)))
	assert.True(t, core.IsNotFound(core.ErrTransactionNotFound))
	assert.False(t, core.IsNotFound(core.ErrInvalidPeriod))

	// IsRetryable
	assert.True(t, core.IsRetryable(fmt.Errorf("execute: %w", core.ErrStaleTransition)))
	assert.True(t, core.IsRetryable(&core.RuleStoreError{Op: "load", Err: errors.New("down")}))
	assert.False(t, core.IsRetryable(&core.DataError{EmployeeID: "e"}))
	assert.False(t, core.IsRetryable(nil))
}
