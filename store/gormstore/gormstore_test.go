package gormstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/warp/payrules-engine/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var march = core.MonthPeriod(2025, time.March)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDialectorRegistry(t *testing.T) {
	_, err := GetDialectorFactory("oracle")
	assert.Error(t, err)

	for _, name := range []string{"postgres", "mysql", "sqlite"} {
		_, err := GetDialectorFactory(name)
		assert.NoError(t, err, name)
	}

	mysqlFactory, _ := GetDialectorFactory("mysql")
	_, err = mysqlFactory("user:pw@tcp(localhost:3306)/pay")
	assert.Error(t, err, "parseTime is required")

	RegisterDialector("custom", func(dsn string) (gorm.Dialector, error) { return nil, errors.New("unavailable") })
	_, err = Open("custom", "x")
	assert.EqualError(t, err, "unavailable")
}

func TestStore_RuleBook(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rate := d("30")
	end := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	rules := []core.PayRule{
		{ID: "base", Priority: 10, EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			Directive: core.Directive{Kind: core.DirectiveFlat, Policy: core.PolicyReplace, Rate: &rate}},
		{ID: "promo", Priority: 20, EffectiveFrom: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), EffectiveTo: &end,
			Directive: core.Directive{Kind: core.DirectiveFlat, Policy: core.PolicyStack, Multiplier: d("1.1")}},
		{ID: "future", Priority: 5, EffectiveFrom: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
			Directive: core.Directive{Kind: core.DirectiveFlat, Policy: core.PolicyReplace}},
	}
	codes := []core.PayCode{{ID: "REG", Category: core.CategoryRegular, RateType: core.RateHourly, Multiplier: d("1"), IsPaid: true, Active: true, Version: 1}}
	leave := []core.LeaveType{{ID: "VAC", Name: "Vacation", MonthlyRate: d("1.25"), Cap: d("15"), Active: true}}
	require.NoError(t, s.ReplaceRules(ctx, rules, codes, leave))

	active, err := s.ActiveRules(ctx, march)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, core.RuleID("base"), active[0].ID)
	assert.Equal(t, core.RuleID("promo"), active[1].ID)
	assert.True(t, active[0].Directive.Rate.Equal(rate))

	pcs, err := s.PayCodes(ctx)
	require.NoError(t, err)
	assert.True(t, pcs["REG"].IsPaid)

	lts, err := s.LeaveTypes(ctx)
	require.NoError(t, err)
	require.Len(t, lts, 1)
	assert.True(t, lts[0].MonthlyRate.Equal(d("1.25")))

	require.NoError(t, s.ReplaceRules(ctx, rules[:1], codes, nil))
	all, err := s.AllRules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	lts, err = s.LeaveTypes(ctx)
	require.NoError(t, err)
	assert.Empty(t, lts)
}

func TestStore_CollaboratorData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	left := time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC)
	hired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveEmployee(ctx, core.Employee{ID: "a", Name: "Ada", HourlyRate: d("20"), HireDate: hired}))
	require.NoError(t, s.SaveEmployee(ctx, core.Employee{ID: "b", Name: "Bo", HireDate: hired, TerminationDate: &left}))
	require.NoError(t, s.SaveEmployee(ctx, core.Employee{ID: "a", Name: "Ada", HourlyRate: d("22"), HireDate: hired}))

	emps, err := s.Employees(ctx, march)
	require.NoError(t, err)
	require.Len(t, emps, 1)
	assert.True(t, emps[0].HourlyRate.Equal(d("22")))

	missing, err := s.GetEmployee(ctx, "zz")
	require.NoError(t, err)
	assert.Nil(t, missing)

	cet := time.FixedZone("CET", 3600)
	in := time.Date(2025, 3, 3, 9, 0, 0, 0, cet)
	out := in.Add(8 * time.Hour)
	require.NoError(t, s.SaveTimeEntry(ctx, core.TimeEntry{ID: "e2", EmployeeID: "a", ClockIn: in.AddDate(0, 0, 1), Status: core.EntryOpen}))
	require.NoError(t, s.SaveTimeEntry(ctx, core.TimeEntry{ID: "e1", EmployeeID: "a", ClockIn: in, ClockOut: &out, BreakMinutes: 30, PayCode: "REG", Status: core.EntryApproved}))
	require.NoError(t, s.SaveTimeEntry(ctx, core.TimeEntry{ID: "e0", EmployeeID: "a", ClockIn: in.AddDate(0, -1, 0), Status: core.EntryApproved}))

	entries, err := s.Entries(ctx, "a", march)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, core.EntryID("e1"), entries[0].ID)
	assert.True(t, entries[0].WorkedHours().Equal(d("7.5")))
	assert.Nil(t, entries[1].ClockOut)

	require.NoError(t, s.SaveLeaveBalance(ctx, core.LeaveBalance{EmployeeID: "a", LeaveTypeID: "VAC", Year: 2025, Used: d("2"), Cap: d("15")}))
	require.NoError(t, s.SaveLeaveBalance(ctx, core.LeaveBalance{EmployeeID: "a", LeaveTypeID: "VAC", Year: 2025, Used: d("3"), Cap: d("15")}))
	bal, err := s.Balance(ctx, "a", "VAC", 2025)
	require.NoError(t, err)
	require.NotNil(t, bal)
	assert.True(t, bal.Used.Equal(d("3")))
	none, err := s.Balance(ctx, "a", "VAC", 2024)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStore_Ledgers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := core.AccrualTransaction{ID: "t1", EmployeeID: "a", LeaveTypeID: "VAC", Year: 2025, Period: march,
		Delta: d("1.25"), Reason: "monthly accrual", IdempotencyKey: "accrual/2025-03/a/VAC", RunID: "r1"}
	require.NoError(t, s.Append(ctx, tx))
	dup := tx
	dup.ID = "t2"
	assert.ErrorIs(t, s.Append(ctx, dup), core.ErrDuplicateIdempotencyKey)

	// Reversals carry no idempotency key of their own here; NULLs never collide
	rev := core.AccrualTransaction{ID: "t3", EmployeeID: "a", LeaveTypeID: "VAC", Year: 2025, Period: march, Delta: d("-1.25"), ReversesID: "t1"}
	rev2 := rev
	rev2.ID = "t4"
	require.NoError(t, s.Append(ctx, rev))
	require.NoError(t, s.Append(ctx, rev2))

	txs, err := s.Load(ctx, "a", "VAC", 2025)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, core.TransactionID("t1"), txs[0].ID)
	assert.Equal(t, core.TransactionID("t1"), txs[1].ReversesID)

	ok, err := s.Exists(ctx, "accrual/2025-03/a/VAC")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrTransactionNotFound)

	line := core.PayLine{ID: "l1", RunID: "r1", EmployeeID: "a", Period: march, EntryIDs: []core.EntryID{"e1"},
		PayCode: "REG", Class: core.HourRegular, Hours: d("8"), Rate: d("20"), Amount: d("160"), RuleTrail: []core.RuleID{"base"}}
	batch := core.PayLineBatch{RunID: "r1", EmployeeID: "a", Period: march, IdempotencyKey: "payroll/2025-03/a", Lines: []core.PayLine{line}}
	require.NoError(t, s.PostLines(ctx, batch))
	assert.ErrorIs(t, s.PostLines(ctx, batch), core.ErrDuplicateIdempotencyKey)

	broken := core.PayLineBatch{RunID: "r1", EmployeeID: "b", Period: march, IdempotencyKey: "payroll/2025-03/b", Lines: []core.PayLine{line}}
	require.Error(t, s.PostLines(ctx, broken))

	lines, err := s.LinesForRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, []core.RuleID{"base"}, lines[0].RuleTrail)
	assert.True(t, lines[0].Amount.Equal(d("160")))

	n := core.Notification{ID: "n1", EmployeeID: "a", Kind: core.NotifyLeaveBalance, Message: "low", Period: march, RunID: "r1", IdempotencyKey: "notify/leave/2025-03/a"}
	require.NoError(t, s.Enqueue(ctx, n))
	n.ID = "n2"
	assert.ErrorIs(t, s.Enqueue(ctx, n), core.ErrDuplicateIdempotencyKey)
	got, err := s.Notifications(ctx, "")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func newRun(id string) core.JobRun {
	return core.JobRun{ID: core.RunID(id), JobType: core.JobPayroll, Period: march, Attempt: 1}
}

func TestStore_RunLedger(t *testing.T) {
	// GIVEN: A pending run holding the (payroll, 2025-03) slot
	// WHEN: A second run is created, then the first one fails
	// THEN: The second is rejected until the slot is released

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.CreateRun(ctx, newRun("r1"))
	require.NoError(t, err)

	existing, err := s.CreateRun(ctx, newRun("r2"))
	var ce *core.ConcurrencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, core.RunID("r1"), existing.ID)

	require.NoError(t, s.TransitionRun(ctx, "r1", core.RunPending, core.RunTransition{To: core.RunRunning, At: now}))
	assert.ErrorIs(t, s.TransitionRun(ctx, "r1", core.RunPending, core.RunTransition{To: core.RunRunning, At: now}), core.ErrStaleTransition)
	assert.ErrorIs(t, s.TransitionRun(ctx, "zz", core.RunPending, core.RunTransition{To: core.RunRunning, At: now}), core.ErrRunNotFound)

	require.NoError(t, s.RecordOutcome(ctx, core.EmployeeOutcome{RunID: "r1", EmployeeID: "a", Status: core.OutcomeSucceeded, Summary: "8.00h"}))
	require.NoError(t, s.RecordOutcome(ctx, core.EmployeeOutcome{RunID: "r1", EmployeeID: "b", Status: core.OutcomeFailed, Kind: core.KindData,
		EntryErrors: []core.EntryError{{EntryID: "e9", Kind: core.KindData, Message: "open"}}}))
	assert.ErrorIs(t, s.RecordOutcome(ctx, core.EmployeeOutcome{RunID: "zz", EmployeeID: "a"}), core.ErrRunNotFound)

	require.NoError(t, s.TransitionRun(ctx, "r1", core.RunRunning, core.RunTransition{To: core.RunPartiallyFailed, At: now, Error: "1 employee failed"}))

	retry := newRun("r3")
	retry.Attempt = 2
	retry.RetryOf = "r1"
	_, err = s.CreateRun(ctx, retry)
	require.NoError(t, err)

	latest, err := s.LatestRun(ctx, core.JobPayroll, march.Key())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, core.RunID("r3"), latest.ID)

	first, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RunPartiallyFailed, first.State)
	assert.Equal(t, "1 employee failed", first.Error)
	require.Len(t, first.Outcomes, 2)
	require.Len(t, first.Outcomes[1].EntryErrors, 1)
	assert.NotNil(t, first.StartedAt)
	assert.NotNil(t, first.EndedAt)

	done, err := s.SucceededEmployees(ctx, core.JobPayroll, march.Key())
	require.NoError(t, err)
	assert.Equal(t, map[core.EmployeeID]bool{"a": true}, done)

	runs, err := s.ListRuns(ctx, core.RunFilter{JobType: core.JobPayroll, Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, core.RunID("r3"), runs[0].ID)
}

func TestStore_ConcurrentCreateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]core.RunID, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, _ := s.CreateRun(ctx, newRun(string(rune('a'+i))))
			ids[i] = run.ID
		}(i)
	}
	wg.Wait()

	runs, err := s.ListRuns(ctx, core.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	for _, id := range ids {
		assert.Equal(t, runs[0].ID, id)
	}
}
