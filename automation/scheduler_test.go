package automation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payrules-engine/accrual"
	"github.com/warp/payrules-engine/automation"
	"github.com/warp/payrules-engine/core"
	"github.com/warp/payrules-engine/core/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var (
	week = core.Period{
		Start: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC),
	}
	march = core.MonthPeriod(2025, time.March)
	since = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

var payCodes = []core.PayCode{
	{ID: "REG", Category: core.CategoryRegular, RateType: core.RateHourly, Multiplier: dec("1"), IsPaid: true, Active: true},
	{ID: "OT", Category: core.CategoryPremium, RateType: core.RateHourly, Multiplier: dec("1.5"), IsPaid: true, Active: true},
}

var vacation = core.LeaveType{ID: "VAC", Name: "Vacation", MonthlyRate: dec("1.25"), Cap: dec("15"), Active: true}

func baseRule() core.PayRule {
	return core.PayRule{
		ID: "base", Name: "Base rate", EffectiveFrom: since, Priority: 10,
		Directive: core.Directive{Kind: core.DirectiveFlat, Policy: core.PolicyReplace},
	}
}

func overtimeRule(window core.ThresholdWindow, limit string) core.PayRule {
	return core.PayRule{
		ID: core.RuleID(string(window) + "-ot"), EffectiveFrom: since, Priority: 20,
		Directive: core.Directive{Kind: core.DirectiveFlat, Policy: core.PolicyStack, OutputPayCode: "OT"},
		Threshold: &core.Threshold{Window: window, Limit: dec(limit)},
	}
}

type harness struct {
	mem       *store.Memory
	scheduler *automation.Scheduler
}

func newHarness(t *testing.T, rules ...core.PayRule) *harness {
	t.Helper()
	mem := store.NewMemory()
	mem.SetRules(rules, payCodes, []core.LeaveType{vacation})

	proc := accrual.NewProcessor(core.NewAccrualLedger(mem), accrual.WithBalances(mem))
	s := automation.NewScheduler(mem, mem, automation.WithWorkers(3))
	s.Register(automation.NewPayrollJob(mem, mem, mem))
	s.Register(automation.NewAccrualJob(mem, proc))
	s.Register(automation.NewNotificationJob(mem, mem, proc, mem))
	return &harness{mem: mem, scheduler: s}
}

func (h *harness) employee(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.mem.SaveEmployee(context.Background(), core.Employee{
		ID: core.EmployeeID(id), Name: id, HourlyRate: dec("100"), HireDate: since,
	}))
}

func (h *harness) entry(t *testing.T, emp, id string, day, hours int) core.TimeEntry {
	t.Helper()
	in := time.Date(2025, 3, day, 8, 0, 0, 0, time.UTC)
	out := in.Add(time.Duration(hours) * time.Hour)
	e := core.TimeEntry{
		ID: core.EntryID(id), EmployeeID: core.EmployeeID(emp),
		ClockIn: in, ClockOut: &out, Status: core.EntryApproved,
	}
	require.NoError(t, h.mem.SaveTimeEntry(context.Background(), e))
	return e
}

func outcomeOf(run core.JobRun, emp core.EmployeeID) core.EmployeeOutcome {
	for _, o := range run.Outcomes {
		if o.EmployeeID == emp {
			return o
		}
	}
	return core.EmployeeOutcome{}
}

// =============================================================================
// TRIGGER
// =============================================================================

func TestTriggerRun_Idempotent(t *testing.T) {
	h := newHarness(t, baseRule())
	ctx := context.Background()

	first, created, err := h.scheduler.Trigger(ctx, core.JobPayroll, week)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, core.RunPending, first.State)
	assert.Equal(t, 1, first.Attempt)

	second, created, err := h.scheduler.Trigger(ctx, core.JobPayroll, week)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestTriggerRun_ConcurrentTriggersCollapse(t *testing.T) {
	// GIVEN: 20 concurrent triggers for the same (payroll, week)
	// THEN: Exactly one run exists and every caller got it

	h := newHarness(t, baseRule())
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]core.RunID, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := h.scheduler.TriggerRun(ctx, core.JobPayroll, week)
			assert.NoError(t, err)
			ids[i] = run.ID
		}(i)
	}
	wg.Wait()

	runs, err := h.scheduler.ListRuns(ctx, core.RunFilter{JobType: core.JobPayroll})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	for _, id := range ids {
		assert.Equal(t, runs[0].ID, id)
	}
}

func TestTriggerRun_Validation(t *testing.T) {
	h := newHarness(t, baseRule())
	ctx := context.Background()

	_, err := h.scheduler.TriggerRun(ctx, core.JobType("payday"), week)
	assert.ErrorIs(t, err, core.ErrUnknownJobType)

	_, err = h.scheduler.TriggerRun(ctx, core.JobAccrual, week)
	assert.ErrorIs(t, err, core.ErrInvalidPeriod)
}

// =============================================================================
// PAYROLL
// =============================================================================

func TestPayrollRun_DailyOvertimeSplit(t *testing.T) {
	// GIVEN: Daily threshold 8h, one 10h entry at 100/h
	// THEN: 8h REG at 100 and 2h OT at 150, summing to 10h

	h := newHarness(t, baseRule(), overtimeRule(core.WindowDay, "8"))
	h.employee(t, "emp-1")
	h.entry(t, "emp-1", "e1", 3, 10)

	run, err := h.scheduler.RunNow(context.Background(), core.JobPayroll, week)
	require.NoError(t, err)
	assert.Equal(t, core.RunSucceeded, run.State)

	lines := h.mem.LinesForEmployee("emp-1")
	require.Len(t, lines, 2)
	assert.Equal(t, core.PayCodeID("REG"), lines[0].PayCode)
	assert.True(t, lines[0].Hours.Equal(dec("8")))
	assert.Equal(t, core.PayCodeID("OT"), lines[1].PayCode)
	assert.True(t, lines[1].Hours.Equal(dec("2")))
	assert.True(t, lines[1].Rate.Equal(dec("150")))
	assert.Equal(t, run.ID, lines[0].RunID)
	assert.NotEmpty(t, lines[0].ID)
}

func TestPayrollRun_WeeklyOvertimeScenario(t *testing.T) {
	// GIVEN: 45h over five days at 100/h, weekly OT over 40h at 1.5x
	// THEN: 40h at 100 + 5h at 150 = 4750.00

	h := newHarness(t, baseRule(), overtimeRule(core.WindowWeek, "40"))
	h.employee(t, "emp-1")
	for d := 3; d <= 7; d++ {
		h.entry(t, "emp-1", fmt.Sprintf("e%d", d), d, 9)
	}

	run, err := h.scheduler.RunNow(context.Background(), core.JobPayroll, week)
	require.NoError(t, err)
	require.Equal(t, core.RunSucceeded, run.State)

	lines := h.mem.LinesForEmployee("emp-1")
	require.Len(t, lines, 2)
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	assert.Equal(t, "4750.00", total.StringFixed(2))
	assert.Len(t, lines[0].EntryIDs, 5)
	assert.Contains(t, outcomeOf(run, "emp-1").Summary, "gross=4750.00")
}

func TestPayrollRun_NightPremiumCoversOnlyNightHours(t *testing.T) {
	// GIVEN: A 22:00-06:00 night premium and an 18:00-02:00 shift at 100/h
	// THEN: 4h REG at 100 and 4h OT at 150

	night := core.PayRule{
		ID: "night", EffectiveFrom: since, Priority: 20,
		Conditions: core.Conditions{TimeOfDay: &core.TimeOfDay{FromMinute: 22 * 60, ToMinute: 6 * 60}},
		Directive:  core.Directive{Kind: core.DirectiveFlat, Policy: core.PolicyStack, OutputPayCode: "OT"},
	}
	h := newHarness(t, baseRule(), night)
	h.employee(t, "emp-1")
	in := time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)
	out := in.Add(8 * time.Hour)
	require.NoError(t, h.mem.SaveTimeEntry(context.Background(), core.TimeEntry{
		ID: "late", EmployeeID: "emp-1", ClockIn: in, ClockOut: &out, Status: core.EntryApproved,
	}))

	run, err := h.scheduler.RunNow(context.Background(), core.JobPayroll, week)
	require.NoError(t, err)
	require.Equal(t, core.RunSucceeded, run.State)

	hours := map[core.PayCodeID]decimal.Decimal{}
	total := decimal.Zero
	for _, l := range h.mem.LinesForEmployee("emp-1") {
		hours[l.PayCode] = hours[l.PayCode].Add(l.Hours)
		total = total.Add(l.Amount)
	}
	assert.True(t, hours["REG"].Equal(dec("4")), "REG hours %s", hours["REG"])
	assert.True(t, hours["OT"].Equal(dec("4")), "OT hours %s", hours["OT"])
	assert.Equal(t, "1000.00", total.StringFixed(2))
}

func TestPayrollRun_UnapprovedEntriesAreNotPaid(t *testing.T) {
	// GIVEN: One approved 8h day plus a rejected and a blank-status day
	// THEN: Only the approved 8h are posted

	h := newHarness(t, baseRule())
	h.employee(t, "emp-1")
	h.entry(t, "emp-1", "ok", 3, 8)
	for i, status := range []core.EntryStatus{"rejected", ""} {
		e := h.entry(t, "emp-1", fmt.Sprintf("skip-%d", i), 4+i, 8)
		e.Status = status
		require.NoError(t, h.mem.SaveTimeEntry(context.Background(), e))
	}

	run, err := h.scheduler.RunNow(context.Background(), core.JobPayroll, week)
	require.NoError(t, err)
	require.Equal(t, core.RunSucceeded, run.State)

	lines := h.mem.LinesForEmployee("emp-1")
	require.Len(t, lines, 1)
	assert.True(t, lines[0].Hours.Equal(dec("8")))
	assert.Equal(t, []core.EntryID{"ok"}, lines[0].EntryIDs)
}

func TestPayrollRun_PartialFailureIsolation(t *testing.T) {
	// GIVEN: Three employees, one with an open entry
	// THEN: Run partially_failed; the other two are posted; one data outcome

	h := newHarness(t, baseRule())
	for _, id := range []string{"a", "b", "c"} {
		h.employee(t, id)
		h.entry(t, id, id+"-1", 3, 8)
	}
	open := h.entry(t, "b", "b-open", 4, 4)
	open.ClockOut = nil
	open.Status = core.EntryOpen
	require.NoError(t, h.mem.SaveTimeEntry(context.Background(), open))

	run, err := h.scheduler.RunNow(context.Background(), core.JobPayroll, week)
	require.NoError(t, err)
	assert.Equal(t, core.RunPartiallyFailed, run.State)

	succeeded, failed, cancelled := run.Counts()
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, failed)
	assert.Zero(t, cancelled)

	b := outcomeOf(run, "b")
	assert.Equal(t, core.OutcomeFailed, b.Status)
	assert.Equal(t, core.KindData, b.Kind)
	assert.Contains(t, b.Message, "b-open")

	assert.Len(t, h.mem.LinesForEmployee("a"), 1)
	assert.Empty(t, h.mem.LinesForEmployee("b"))
	assert.Len(t, h.mem.LinesForEmployee("c"), 1)
}

func TestPayrollRun_SelectiveRetry(t *testing.T) {
	h := newHarness(t, baseRule())
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		h.employee(t, id)
		h.entry(t, id, id+"-1", 3, 8)
	}
	open := h.entry(t, "b", "b-open", 4, 4)
	open.ClockOut = nil
	open.Status = core.EntryOpen
	require.NoError(t, h.mem.SaveTimeEntry(ctx, open))

	first, err := h.scheduler.RunNow(ctx, core.JobPayroll, week)
	require.NoError(t, err)
	require.Equal(t, core.RunPartiallyFailed, first.State)

	// WHEN: The open entry is closed and the period re-triggered
	closed := open.ClockIn.Add(4 * time.Hour)
	open.ClockOut = &closed
	open.Status = core.EntryApproved
	require.NoError(t, h.mem.SaveTimeEntry(ctx, open))

	second, err := h.scheduler.RunNow(ctx, core.JobPayroll, week)
	require.NoError(t, err)

	// THEN: A second attempt succeeds and "a" is not posted again
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, first.ID, second.RetryOf)
	assert.Equal(t, core.RunSucceeded, second.State)
	assert.Equal(t, "succeeded in an earlier attempt", outcomeOf(second, "a").Summary)
	assert.Len(t, h.mem.LinesForEmployee("a"), 1)
	assert.Len(t, h.mem.LinesForEmployee("b"), 1)
	assert.True(t, h.mem.LinesForEmployee("b")[0].Hours.Equal(dec("12")))
}

func TestPayrollRun_NoActiveRulesFailsRun(t *testing.T) {
	h := newHarness(t)
	h.employee(t, "emp-1")
	h.entry(t, "emp-1", "e1", 3, 8)

	run, err := h.scheduler.RunNow(context.Background(), core.JobPayroll, week)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, run.State)
	assert.Contains(t, run.Error, core.ErrNoActiveRules.Error())
	assert.Empty(t, run.Outcomes)
	assert.NotNil(t, run.EndedAt)

	// A failed run frees the slot for a new attempt.
	retry, created, err := h.scheduler.Trigger(context.Background(), core.JobPayroll, week)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, retry.Attempt)
}

func TestPayrollRun_EntryErrorsAreCollected(t *testing.T) {
	// GIVEN: A night premium that stacks before any base rate
	// THEN: The employee fails with one entry error and nothing is posted

	broken := core.PayRule{
		ID: "premium-first", EffectiveFrom: since, Priority: 1,
		Directive: core.Directive{Kind: core.DirectiveFlat, Policy: core.PolicyStack, Multiplier: dec("1.2")},
	}
	h := newHarness(t, baseRule(), broken)
	h.employee(t, "emp-1")
	h.entry(t, "emp-1", "e1", 3, 8)
	h.entry(t, "emp-1", "e2", 4, 8)

	run, err := h.scheduler.RunNow(context.Background(), core.JobPayroll, week)
	require.NoError(t, err)

	o := outcomeOf(run, "emp-1")
	assert.Equal(t, core.OutcomeFailed, o.Status)
	assert.Equal(t, core.KindConfiguration, o.Kind)
	require.Len(t, o.EntryErrors, 2)
	assert.Equal(t, core.EntryID("e1"), o.EntryErrors[0].EntryID)
	assert.Empty(t, h.mem.LinesForEmployee("emp-1"))
}

func TestPayrollRun_DailyLimit(t *testing.T) {
	h := newHarness(t, baseRule())
	codes := append([]core.PayCode(nil), payCodes...)
	codes[0].MaxHoursPerDay = dec("12")
	h.mem.SetRules([]core.PayRule{baseRule()}, codes, nil)
	h.employee(t, "emp-1")
	h.entry(t, "emp-1", "e1", 3, 14)

	run, err := h.scheduler.RunNow(context.Background(), core.JobPayroll, week)
	require.NoError(t, err)
	o := outcomeOf(run, "emp-1")
	assert.Equal(t, core.KindData, o.Kind)
	assert.Contains(t, o.Message, "daily limit")
}

// =============================================================================
// ACCRUAL
// =============================================================================

func TestAccrualRun_RetriggerIsNoop(t *testing.T) {
	// GIVEN: A succeeded accrual run for March
	// WHEN: Triggered again
	// THEN: The same run comes back and no transaction is added

	h := newHarness(t)
	h.employee(t, "a")
	h.employee(t, "b")
	ctx := context.Background()

	run, err := h.scheduler.RunNow(ctx, core.JobAccrual, march)
	require.NoError(t, err)
	require.Equal(t, core.RunSucceeded, run.State)
	require.Len(t, h.mem.AllAccruals(), 2)

	again, err := h.scheduler.RunNow(ctx, core.JobAccrual, march)
	require.NoError(t, err)
	assert.Equal(t, run.ID, again.ID)
	assert.Len(t, h.mem.AllAccruals(), 2)

	_, err = h.scheduler.Execute(ctx, run.ID)
	assert.ErrorIs(t, err, core.ErrStaleTransition)
}

func TestAccrualRun_NoLeaveTypesFailsRun(t *testing.T) {
	h := newHarness(t)
	h.mem.SetRules(nil, payCodes, nil)
	h.employee(t, "a")

	run, err := h.scheduler.RunNow(context.Background(), core.JobAccrual, march)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, run.State)
	assert.Contains(t, run.Error, core.ErrNoActiveLeaveTypes.Error())
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestNotificationRun(t *testing.T) {
	// GIVEN: Seven employees without entries and one with entries and balance
	// THEN: Seven missing-time alerts, one digest, one balance reminder

	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		h.employee(t, fmt.Sprintf("idle-%d", i))
	}
	h.employee(t, "busy")
	h.entry(t, "busy", "busy-1", 3, 8)
	require.NoError(t, core.NewAccrualLedger(h.mem).Post(ctx, core.AccrualTransaction{
		ID: "tx-1", EmployeeID: "busy", LeaveTypeID: "VAC", Year: 2025, Delta: dec("3"), IdempotencyKey: "seed",
	}))

	run, err := h.scheduler.RunNow(ctx, core.JobNotification, march)
	require.NoError(t, err)
	require.Equal(t, core.RunSucceeded, run.State)

	counts := map[core.NotificationKind]int{}
	for _, n := range h.mem.Notifications() {
		counts[n.Kind]++
	}
	assert.Equal(t, 7, counts[core.NotifyMissingTime])
	assert.Equal(t, 1, counts[core.NotifyMissingDigest])
	assert.Equal(t, 1, counts[core.NotifyLeaveBalance])
}

// =============================================================================
// EXECUTION MECHANICS
// =============================================================================

// blockingJob hands out employees to a worker that waits on release.
type blockingJob struct {
	started chan core.EmployeeID
	release chan struct{}
	panicOn core.EmployeeID
}

func (j *blockingJob) Type() core.JobType                 { return core.JobNotification }
func (j *blockingJob) ValidatePeriod(p core.Period) error { return nil }
func (j *blockingJob) Prepare(ctx context.Context, run core.JobRun) (automation.Worker, error) {
	return j, nil
}

func (j *blockingJob) Process(ctx context.Context, emp core.Employee) (string, error) {
	if emp.ID == j.panicOn {
		panic("boom")
	}
	if j.started != nil {
		j.started <- emp.ID
		<-j.release
	}
	return "ok", nil
}

func TestExecute_CancellationBetweenEmployees(t *testing.T) {
	// GIVEN: One worker, five employees, the first one in flight
	// WHEN: The context is cancelled
	// THEN: The in-flight employee finishes, the other four are cancelled

	mem := store.NewMemory()
	for i := 0; i < 5; i++ {
		require.NoError(t, mem.SaveEmployee(context.Background(), core.Employee{ID: core.EmployeeID(fmt.Sprintf("e%d", i))}))
	}
	job := &blockingJob{started: make(chan core.EmployeeID), release: make(chan struct{})}
	s := automation.NewScheduler(mem, mem, automation.WithWorkers(1))
	s.Register(job)

	run, err := s.TriggerRun(context.Background(), core.JobNotification, march)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan core.JobRun)
	go func() {
		r, err := s.Execute(ctx, run.ID)
		assert.NoError(t, err)
		done <- r
	}()

	first := <-job.started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(job.release)
	final := <-done

	assert.Equal(t, core.RunPartiallyFailed, final.State)
	assert.True(t, final.Cancelled)
	assert.Equal(t, core.OutcomeSucceeded, outcomeOf(final, first).Status)
	_, failed, cancelled := final.Counts()
	assert.Zero(t, failed)
	assert.Equal(t, 4, cancelled)
}

func TestExecute_PanicIsIsolated(t *testing.T) {
	mem := store.NewMemory()
	for _, id := range []core.EmployeeID{"a", "b"} {
		require.NoError(t, mem.SaveEmployee(context.Background(), core.Employee{ID: id}))
	}
	s := automation.NewScheduler(mem, mem)
	s.Register(&blockingJob{panicOn: "a"})

	run, err := s.RunNow(context.Background(), core.JobNotification, march)
	require.NoError(t, err)
	assert.Equal(t, core.RunPartiallyFailed, run.State)
	assert.Equal(t, core.KindInternal, outcomeOf(run, "a").Kind)
	assert.Equal(t, core.OutcomeSucceeded, outcomeOf(run, "b").Status)
}

func TestExecute_OnlyOnce(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.SaveEmployee(context.Background(), core.Employee{ID: "a"}))
	s := automation.NewScheduler(mem, mem)
	s.Register(&blockingJob{})

	run, err := s.TriggerRun(context.Background(), core.JobNotification, march)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	stale := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Execute(context.Background(), run.ID)
			if errors.Is(err, core.ErrStaleTransition) {
				mu.Lock()
				stale++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, stale)

	final, err := s.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunSucceeded, final.State)
}

// =============================================================================
// STALE RUNS
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRecoverStale_FreesAbandonedSlots(t *testing.T) {
	// GIVEN: A payroll run left running by a dead process and a fresh accrual run
	// WHEN: Stale runs older than an hour are recovered
	// THEN: Only the payroll run fails, and the next trigger creates attempt 2

	ctx := context.Background()
	h := newHarness(t, baseRule())
	h.employee(t, "emp-1")
	h.entry(t, "emp-1", "e1", 3, 8)
	clock := &testClock{now: time.Date(2025, 4, 1, 6, 0, 0, 0, time.UTC)}
	h.scheduler.Now = clock.Now

	stuck, err := h.scheduler.TriggerRun(ctx, core.JobPayroll, week)
	require.NoError(t, err)
	require.NoError(t, h.mem.TransitionRun(ctx, stuck.ID, core.RunPending, core.RunTransition{To: core.RunRunning, At: clock.Now()}))
	clock.Advance(2 * time.Hour)

	fresh, err := h.scheduler.TriggerRun(ctx, core.JobAccrual, march)
	require.NoError(t, err)

	blocked, created, err := h.scheduler.Trigger(ctx, core.JobPayroll, week)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stuck.ID, blocked.ID)

	recovered, err := h.scheduler.RecoverStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, stuck.ID, recovered[0].ID)
	assert.Equal(t, core.RunFailed, recovered[0].State)
	assert.Contains(t, recovered[0].Error, "abandoned")

	pending, err := h.scheduler.GetRunStatus(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunPending, pending.State)

	retry, err := h.scheduler.RunNow(ctx, core.JobPayroll, week)
	require.NoError(t, err)
	assert.Equal(t, core.RunSucceeded, retry.State)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, stuck.ID, retry.RetryOf)
}

func TestRecoverStale_StalePendingRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, baseRule())
	clock := &testClock{now: time.Date(2025, 4, 1, 6, 0, 0, 0, time.UTC)}
	h.scheduler.Now = clock.Now

	run, err := h.scheduler.TriggerRun(ctx, core.JobPayroll, week)
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)

	recovered, err := h.scheduler.RecoverStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, run.ID, recovered[0].ID)
	assert.Contains(t, recovered[0].Error, "pending")

	_, err = h.scheduler.Execute(ctx, run.ID)
	assert.ErrorIs(t, err, core.ErrStaleTransition)
}

func TestRecoverStale_SkipsRunsExecutingHere(t *testing.T) {
	// GIVEN: A run this scheduler is executing, blocked inside a worker
	// WHEN: The clock passes the cutoff and stale runs are recovered
	// THEN: The run is left alone and still succeeds

	mem := store.NewMemory()
	require.NoError(t, mem.SaveEmployee(context.Background(), core.Employee{ID: "a"}))
	clock := &testClock{now: time.Date(2025, 4, 1, 6, 0, 0, 0, time.UTC)}
	job := &blockingJob{started: make(chan core.EmployeeID), release: make(chan struct{})}
	s := automation.NewScheduler(mem, mem, automation.WithClock(clock.Now))
	s.Register(job)

	run, err := s.TriggerRun(context.Background(), core.JobNotification, march)
	require.NoError(t, err)
	done := make(chan core.JobRun)
	go func() {
		r, err := s.Execute(context.Background(), run.ID)
		assert.NoError(t, err)
		done <- r
	}()
	<-job.started
	clock.Advance(24 * time.Hour)

	recovered, err := s.RecoverStale(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, recovered)

	close(job.release)
	assert.Equal(t, core.RunSucceeded, (<-done).State)
}
