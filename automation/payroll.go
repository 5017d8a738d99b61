package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payrules-engine/core"
	"github.com/warp/payrules-engine/metrics"
	"github.com/warp/payrules-engine/overtime"
	"github.com/warp/payrules-engine/rules"
)

// PayrollJob prices every approved hour of the period and posts one batch of
// pay lines per employee.
//
// Per employee: classify hours (overtime.Detector), price each segment
// (rules.Calculator), consolidate, post atomically. Any entry-level error
// fails the employee with every entry error listed and nothing posted.
type PayrollJob struct {
	Rules   core.RuleStore
	Entries core.TimeEntrySource
	Sink    core.PayLineSink

	Formulas      *rules.FormulaRegistry
	CurrencyScale int32
	MaxLineAmount decimal.Decimal
	Location      *time.Location
	WeekStart     time.Weekday

	Logger  *zap.Logger
	Metrics metrics.Recorder
	Now     func() time.Time
}

func NewPayrollJob(rs core.RuleStore, entries core.TimeEntrySource, sink core.PayLineSink) *PayrollJob {
	return &PayrollJob{
		Rules:         rs,
		Entries:       entries,
		Sink:          sink,
		Formulas:      rules.NewFormulaRegistry(),
		CurrencyScale: core.DefaultCurrencyScale,
		Location:      time.UTC,
		WeekStart:     time.Monday,
		Logger:        zap.NewNop(),
		Metrics:       metrics.NopRecorder{},
		Now:           time.Now,
	}
}

func (j *PayrollJob) Type() core.JobType { return core.JobPayroll }

func (j *PayrollJob) ValidatePeriod(p core.Period) error {
	if p.End.Before(p.Start) {
		return core.ErrInvalidPeriod
	}
	return nil
}

// PayrollKey is the idempotency key of one employee's batch for a period.
func PayrollKey(p core.Period, emp core.EmployeeID) string {
	return fmt.Sprintf("payroll/%s/%s", p.Key(), emp)
}

func (j *PayrollJob) Prepare(ctx context.Context, run core.JobRun) (Worker, error) {
	active, err := j.Rules.ActiveRules(ctx, run.Period)
	if err != nil {
		return nil, &core.RuleStoreError{Op: "load active rules", Err: err}
	}
	if len(active) == 0 {
		return nil, &core.RuleStoreError{Op: "load active rules", Err: core.ErrNoActiveRules}
	}
	codes, err := j.Rules.PayCodes(ctx)
	if err != nil {
		return nil, &core.RuleStoreError{Op: "load pay codes", Err: err}
	}

	calc := rules.NewCalculator(codes,
		rules.WithFormulas(j.Formulas),
		rules.WithCurrencyScale(j.CurrencyScale),
		rules.WithMaxLineAmount(j.MaxLineAmount))
	th := overtime.ThresholdsFromRules(active, run.Period.Start)

	j.Logger.Debug("payroll prepared",
		zap.String("run_id", string(run.ID)),
		zap.Int("rules", len(active)),
		zap.String("daily", th.Daily.String()),
		zap.String("weekly", th.Weekly.String()),
		zap.Int("consecutive_days", th.ConsecutiveDays),
		zap.Ints("time_of_day_cuts", th.TimeOfDayCuts))

	return &payrollWorker{
		job:      j,
		run:      run,
		active:   active,
		codes:    codes,
		calc:     calc,
		detector: overtime.NewDetector(th, j.Location, j.WeekStart),
	}, nil
}

type payrollWorker struct {
	job      *PayrollJob
	run      core.JobRun
	active   []core.PayRule
	codes    map[core.PayCodeID]core.PayCode
	calc     *rules.Calculator
	detector *overtime.Detector
}

func (w *payrollWorker) Process(ctx context.Context, emp core.Employee) (string, error) {
	entries, err := w.job.Entries.Entries(ctx, emp.ID, w.run.Period)
	if err != nil {
		return "", fmt.Errorf("load time entries: %w", err)
	}
	class, err := w.detector.Classify(emp, entries, w.run.Period)
	if err != nil {
		return "", err
	}
	if err := w.checkDailyLimits(emp, class.Segments); err != nil {
		return "", err
	}

	var lines []core.PayLine
	var failures []core.EntryError
	seen := make(map[string]bool)
	for _, seg := range class.Segments {
		out, err := w.calc.Calculate(emp, seg, w.active)
		if err != nil {
			key := string(seg.EntryID) + "|" + err.Error()
			if !seen[key] {
				seen[key] = true
				failures = append(failures, core.EntryError{EntryID: seg.EntryID, Kind: core.KindOf(err), Message: err.Error()})
			}
			continue
		}
		lines = append(lines, out...)
	}
	if len(failures) > 0 {
		return "", &core.EntryFailures{EmployeeID: emp.ID, Failures: failures}
	}
	if len(lines) == 0 {
		return fmt.Sprintf("no approved hours (%d excluded)", len(class.Excluded)), nil
	}

	lines = w.calc.Consolidate(lines)
	now := w.job.Now().UTC()
	for i := range lines {
		lines[i].ID = uuid.New().String()
		lines[i].RunID = w.run.ID
		lines[i].Period = w.run.Period
		lines[i].CreatedAt = now
	}

	batch := core.PayLineBatch{
		RunID:          w.run.ID,
		EmployeeID:     emp.ID,
		Period:         w.run.Period,
		IdempotencyKey: PayrollKey(w.run.Period, emp.ID),
		Lines:          lines,
	}
	if err := w.job.Sink.PostLines(ctx, batch); err != nil {
		if errors.Is(err, core.ErrDuplicateIdempotencyKey) {
			return "pay lines already posted for the period", nil
		}
		return "", fmt.Errorf("post pay lines: %w", err)
	}
	w.job.Metrics.PayLinesPosted(len(lines))

	summary := rules.Summarize(lines).String()
	if len(class.Excluded) > 0 {
		summary += fmt.Sprintf(" excluded=%d", len(class.Excluded))
	}
	return summary, nil
}

// checkDailyLimits rejects days where a pay code carries more hours than
// its configured maximum.
func (w *payrollWorker) checkDailyLimits(emp core.Employee, segs []core.Segment) error {
	type dayCode struct {
		day  time.Time
		code core.PayCodeID
	}
	sums := make(map[dayCode]decimal.Decimal)
	for _, s := range segs {
		k := dayCode{s.Day, s.PayCode}
		sums[k] = sums[k].Add(s.Hours)
		pc, ok := w.codes[s.PayCode]
		if !ok || !pc.MaxHoursPerDay.IsPositive() {
			continue
		}
		if sums[k].GreaterThan(pc.MaxHoursPerDay) {
			return &core.DataError{
				EmployeeID: emp.ID,
				EntryID:    s.EntryID,
				Reason: fmt.Sprintf("%s hours on %s exceed the daily limit of %s for %s",
					sums[k].String(), s.Day.Format("2006-01-02"), pc.MaxHoursPerDay.String(), pc.ID),
				Err: core.ErrDailyLimitExceeded,
			}
		}
	}
	return nil
}
