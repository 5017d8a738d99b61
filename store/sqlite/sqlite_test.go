package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payrules-engine/core"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var march = core.MonthPeriod(2025, time.March)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// RULE STORE
// =============================================================================

func TestStore_RuleBookRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rate := dec("42.5")
	upTo := dec("8")
	end := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	rules := []core.PayRule{
		{
			ID: "night", Priority: 30, EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			Conditions: core.Conditions{TimeOfDay: &core.TimeOfDay{FromMinute: 1320, ToMinute: 360}, Weekdays: []time.Weekday{time.Friday}},
			Directive:  core.Directive{Kind: core.DirectiveFormula, Policy: core.PolicyStack, Formula: "employee_rate", Params: map[string]any{"multiplier": 1.1}},
		},
		{
			ID: "base", Priority: 10, EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), EffectiveTo: &end,
			Directive: core.Directive{Kind: core.DirectiveTiered, Policy: core.PolicyReplace, Rate: &rate,
				Tiers: []core.Tier{{UpTo: &upTo, Multiplier: dec("1")}, {Multiplier: dec("1.5"), PayCode: "OT"}}},
		},
		{
			ID: "old", Priority: 5, EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), EffectiveTo: ptr(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
			Directive: core.Directive{Kind: core.DirectiveFlat, Policy: core.PolicyReplace},
		},
	}
	codes := []core.PayCode{
		{ID: "REG", Category: core.CategoryRegular, RateType: core.RateHourly, Multiplier: dec("1"), IsPaid: true, Active: true, Version: 1},
		{ID: "OT", Category: core.CategoryPremium, RateType: core.RateHourly, Multiplier: dec("1.5"), IsPaid: true, Active: true, Version: 1, MaxHoursPerDay: dec("4")},
	}
	leave := []core.LeaveType{{ID: "VAC", Name: "Vacation", MonthlyRate: dec("1.25"), Cap: dec("15"), Active: true}}

	require.NoError(t, s.ReplaceRules(ctx, rules, codes, leave))

	// "old" ended before March
	active, err := s.ActiveRules(ctx, march)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, core.RuleID("base"), active[0].ID)
	assert.Equal(t, core.RuleID("night"), active[1].ID)
	assert.True(t, active[0].Directive.Rate.Equal(rate))
	require.Len(t, active[0].Directive.Tiers, 2)
	assert.True(t, active[0].Directive.Tiers[0].UpTo.Equal(upTo))
	assert.Equal(t, []time.Weekday{time.Friday}, active[1].Conditions.Weekdays)
	assert.Equal(t, 1320, active[1].Conditions.TimeOfDay.FromMinute)

	// After the 15th only night remains
	later, err := s.ActiveRules(ctx, core.Period{Start: end, End: end.AddDate(0, 0, 6)})
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, core.RuleID("night"), later[0].ID)

	pcs, err := s.PayCodes(ctx)
	require.NoError(t, err)
	require.Len(t, pcs, 2)
	assert.True(t, pcs["OT"].MaxHoursPerDay.Equal(dec("4")))

	lts, err := s.LeaveTypes(ctx)
	require.NoError(t, err)
	require.Len(t, lts, 1)
	assert.True(t, lts[0].Cap.Equal(dec("15")))
	assert.True(t, lts[0].Active)

	// Replacing drops the previous book
	require.NoError(t, s.ReplaceRules(ctx, rules[:1], codes[:1], nil))
	all, err := s.AllRules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func ptr(t time.Time) *time.Time { return &t }

// =============================================================================
// COLLABORATOR DATA
// =============================================================================

func TestStore_RosterAndEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	left := time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveEmployee(ctx, core.Employee{ID: "a", Name: "Ada", Department: "ops", HourlyRate: dec("25.50"), HireDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}))
	require.NoError(t, s.SaveEmployee(ctx, core.Employee{ID: "b", Name: "Bo", HireDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), TerminationDate: &left}))
	require.NoError(t, s.SaveEmployee(ctx, core.Employee{ID: "c", Name: "Cy", HireDate: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}))

	emps, err := s.Employees(ctx, march)
	require.NoError(t, err)
	require.Len(t, emps, 1, "b left in February, c joins in April")
	assert.Equal(t, core.EmployeeID("a"), emps[0].ID)
	assert.True(t, emps[0].HourlyRate.Equal(dec("25.5")))

	got, err := s.GetEmployee(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, got.TerminationDate)
	assert.Equal(t, left, *got.TerminationDate)
	missing, err := s.GetEmployee(ctx, "zz")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// An entry at 23:30 local time on Mar 31 stays in March
	cet := time.FixedZone("CET", 3600)
	in := time.Date(2025, 3, 31, 23, 30, 0, 0, cet)
	out := in.Add(2 * time.Hour)
	require.NoError(t, s.SaveTimeEntry(ctx, core.TimeEntry{ID: "e1", EmployeeID: "a", ClockIn: in, ClockOut: &out, BreakMinutes: 15, PayCode: "REG", Status: core.EntryApproved}))
	require.NoError(t, s.SaveTimeEntry(ctx, core.TimeEntry{ID: "e2", EmployeeID: "a", ClockIn: time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC), Status: core.EntryOpen}))
	require.NoError(t, s.SaveTimeEntry(ctx, core.TimeEntry{ID: "e3", EmployeeID: "a", ClockIn: time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC), Status: core.EntryOpen}))

	entries, err := s.Entries(ctx, "a", march)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, core.EntryID("e2"), entries[0].ID)
	assert.Nil(t, entries[0].ClockOut)
	assert.Equal(t, core.EntryID("e1"), entries[1].ID)
	assert.True(t, entries[1].ClockIn.Equal(in))
	assert.True(t, entries[1].WorkedHours().Equal(dec("1.75")))

	require.NoError(t, s.SaveLeaveBalance(ctx, core.LeaveBalance{EmployeeID: "a", LeaveTypeID: "VAC", Year: 2025, Used: dec("2"), Cap: dec("10")}))
	b, err := s.Balance(ctx, "a", "VAC", 2025)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Used.Equal(dec("2")))
	none, err := s.Balance(ctx, "a", "VAC", 2024)
	require.NoError(t, err)
	assert.Nil(t, none)
}

// =============================================================================
// APPEND-ONLY STORES
// =============================================================================

func TestStore_AccrualLedgerIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := core.AccrualTransaction{
		ID: "tx-1", EmployeeID: "a", LeaveTypeID: "VAC", Year: 2025, Period: march,
		Delta: dec("1.25"), Reason: "monthly accrual", IdempotencyKey: "accrual/a/VAC/2025-03", RunID: "run-1",
	}
	require.NoError(t, s.Append(ctx, tx))

	dup := tx
	dup.ID = "tx-2"
	assert.ErrorIs(t, s.Append(ctx, dup), core.ErrDuplicateIdempotencyKey)

	rev := core.AccrualTransaction{ID: "tx-3", EmployeeID: "a", LeaveTypeID: "VAC", Year: 2025, Period: march, Delta: dec("-1.25"), ReversesID: "tx-1", IdempotencyKey: "reversal/tx-1"}
	require.NoError(t, s.Append(ctx, rev))

	txs, err := s.Load(ctx, "a", "VAC", 2025)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, core.TransactionID("tx-1"), txs[0].ID)
	assert.Equal(t, march, txs[0].Period)
	assert.Equal(t, core.TransactionID("tx-1"), txs[1].ReversesID)
	assert.True(t, core.SumDeltas(txs).IsZero())

	exists, err := s.Exists(ctx, "accrual/a/VAC/2025-03")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunID("run-1"), got.RunID)
	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrTransactionNotFound)

	all, err := s.AccrualsForEmployee(ctx, "a", 2025)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_PostLinesAtomicAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	line := func(id string, code core.PayCodeID, hours string) core.PayLine {
		return core.PayLine{
			ID: id, RunID: "run-1", EmployeeID: "a", Period: march, EntryIDs: []core.EntryID{"e1", "e2"},
			PayCode: code, Class: core.HourRegular, Hours: dec(hours), Rate: dec("100"), Amount: dec(hours).Mul(dec("100")),
			RuleTrail: []core.RuleID{"base"},
		}
	}
	batch := core.PayLineBatch{RunID: "run-1", EmployeeID: "a", Period: march, IdempotencyKey: "payroll/2025-03/a",
		Lines: []core.PayLine{line("l1", "REG", "8"), line("l2", "OT", "2")}}
	require.NoError(t, s.PostLines(ctx, batch))

	again := batch
	again.Lines = []core.PayLine{line("l3", "REG", "8")}
	assert.ErrorIs(t, s.PostLines(ctx, again), core.ErrDuplicateIdempotencyKey)

	// A failing line rolls back the whole batch
	broken := core.PayLineBatch{RunID: "run-1", EmployeeID: "b", Period: march, IdempotencyKey: "payroll/2025-03/b",
		Lines: []core.PayLine{line("l4", "REG", "8"), line("l1", "REG", "1")}}
	require.Error(t, s.PostLines(ctx, broken))

	lines, err := s.LinesForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, []core.EntryID{"e1", "e2"}, lines[0].EntryIDs)
	assert.Equal(t, []core.RuleID{"base"}, lines[0].RuleTrail)
	assert.True(t, lines[1].Amount.Equal(dec("200")))

	mine, err := s.LinesForEmployee(ctx, "a", march)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	theirs, err := s.LinesForEmployee(ctx, "b", march)
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestStore_NotificationsDeduplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := core.Notification{ID: "n1", EmployeeID: "a", Kind: core.NotifyMissingTime, Message: "hi", Period: march, RunID: "run-1", IdempotencyKey: "notify/missing/2025-03/a"}
	require.NoError(t, s.Enqueue(ctx, n))
	n.ID = "n2"
	assert.ErrorIs(t, s.Enqueue(ctx, n), core.ErrDuplicateIdempotencyKey)

	digest := core.Notification{ID: "n3", Kind: core.NotifyMissingDigest, Message: "digest", Period: march, RunID: "run-1", IdempotencyKey: "notify/digest/2025-03"}
	require.NoError(t, s.Enqueue(ctx, digest))

	got, err := s.Notifications(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, core.EmployeeID(""), got[1].EmployeeID)
}

// =============================================================================
// RUN LEDGER
// =============================================================================

func newRun(id string, attempt int) core.JobRun {
	return core.JobRun{ID: core.RunID(id), JobType: core.JobAccrual, Period: march, Attempt: attempt, CreatedAt: time.Now().UTC()}
}

func TestStore_RunLedgerUniqueActiveSlot(t *testing.T) {
	// GIVEN: An active run for (accrual, 2025-03)
	// WHEN: Another run for the slot is created
	// THEN: The first run is returned with a ConcurrencyError

	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateRun(ctx, newRun("r1", 1))
	require.NoError(t, err)
	assert.Equal(t, core.RunPending, first.State)

	existing, err := s.CreateRun(ctx, newRun("r2", 1))
	var ce *core.ConcurrencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, core.RunID("r1"), existing.ID)

	// Failed runs free the slot
	now := time.Now().UTC()
	require.NoError(t, s.TransitionRun(ctx, "r1", core.RunPending, core.RunTransition{To: core.RunFailed, At: now, Error: "boom"}))
	retry := newRun("r3", 2)
	retry.RetryOf = "r1"
	created, err := s.CreateRun(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, core.RunID("r3"), created.ID)

	latest, err := s.LatestRun(ctx, core.JobAccrual, march.Key())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, core.RunID("r3"), latest.ID)
	assert.Equal(t, core.RunID("r1"), latest.RetryOf)

	failed, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "boom", failed.Error)
	require.NotNil(t, failed.EndedAt)
}

func TestStore_ConcurrentCreateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]core.RunID, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, _ := s.CreateRun(ctx, newRun(string(rune('a'+i)), 1))
			ids[i] = run.ID
		}(i)
	}
	wg.Wait()

	runs, err := s.ListRuns(ctx, core.RunFilter{JobType: core.JobAccrual})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	for _, id := range ids {
		assert.Equal(t, runs[0].ID, id)
	}
}

func TestStore_TransitionCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateRun(ctx, newRun("r1", 1))
	require.NoError(t, err)
	now := time.Now().UTC()

	require.NoError(t, s.TransitionRun(ctx, "r1", core.RunPending, core.RunTransition{To: core.RunRunning, At: now}))
	assert.ErrorIs(t, s.TransitionRun(ctx, "r1", core.RunPending, core.RunTransition{To: core.RunRunning, At: now}), core.ErrStaleTransition)
	assert.ErrorIs(t, s.TransitionRun(ctx, "r1", core.RunSucceeded, core.RunTransition{To: core.RunRunning, At: now}), core.ErrInvalidTransition)
	assert.ErrorIs(t, s.TransitionRun(ctx, "zz", core.RunPending, core.RunTransition{To: core.RunRunning, At: now}), core.ErrRunNotFound)

	require.NoError(t, s.TransitionRun(ctx, "r1", core.RunRunning, core.RunTransition{To: core.RunPartiallyFailed, At: now, Cancelled: true}))
	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RunPartiallyFailed, run.State)
	assert.True(t, run.Cancelled)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.EndedAt)
}

func TestStore_OutcomesUpsertAndSucceededEmployees(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateRun(ctx, newRun("r1", 1))
	require.NoError(t, err)

	require.NoError(t, s.RecordOutcome(ctx, core.EmployeeOutcome{RunID: "r1", EmployeeID: "a", Status: core.OutcomeSucceeded, Summary: "ok"}))
	require.NoError(t, s.RecordOutcome(ctx, core.EmployeeOutcome{
		RunID: "r1", EmployeeID: "b", Status: core.OutcomeFailed, Kind: core.KindConfiguration, Message: "bad",
		EntryErrors: []core.EntryError{{EntryID: "e1", Kind: core.KindConfiguration, Message: "no rule"}},
	}))
	// Upsert replaces the earlier outcome of b
	require.NoError(t, s.RecordOutcome(ctx, core.EmployeeOutcome{
		RunID: "r1", EmployeeID: "b", Status: core.OutcomeFailed, Kind: core.KindData, Message: "open entry",
		EntryErrors: []core.EntryError{{EntryID: "e2", Kind: core.KindData, Message: "open"}},
	}))
	assert.ErrorIs(t, s.RecordOutcome(ctx, core.EmployeeOutcome{RunID: "zz", EmployeeID: "a", Status: core.OutcomeSucceeded}), core.ErrRunNotFound)

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, run.Outcomes, 2)
	assert.Equal(t, core.KindData, run.Outcomes[1].Kind)
	require.Len(t, run.Outcomes[1].EntryErrors, 1)
	assert.Equal(t, core.EntryID("e2"), run.Outcomes[1].EntryErrors[0].EntryID)

	done, err := s.SucceededEmployees(ctx, core.JobAccrual, march.Key())
	require.NoError(t, err)
	assert.Equal(t, map[core.EmployeeID]bool{"a": true}, done)
}

// =============================================================================
// FAILURE PATHS (sqlmock)
// =============================================================================

func TestStore_PostLinesRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO pay_line_batches").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO pay_lines").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.PostLines(context.Background(), core.PayLineBatch{
		RunID: "r1", EmployeeID: "a", Period: march, IdempotencyKey: "payroll/2025-03/a",
		Lines: []core.PayLine{{ID: "l1", PayCode: "REG", Hours: dec("8"), Rate: dec("10"), Amount: dec("80")}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert pay line")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ActiveRulesQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(db)

	mock.ExpectQuery("SELECT config_json FROM pay_rules").
		WithArgs("2025-03-31", "2025-03-01").
		WillReturnError(errors.New("database is locked"))

	_, err = s.ActiveRules(context.Background(), march)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TransitionReportsStaleWhenNoRowMatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(db)

	mock.ExpectExec("UPDATE job_runs SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err = s.TransitionRun(context.Background(), "r1", core.RunPending, core.RunTransition{To: core.RunRunning, At: time.Now()})
	assert.ErrorIs(t, err, core.ErrStaleTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}
