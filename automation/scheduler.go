/*
Package automation runs accrual, notification and payroll jobs over the
workforce, once per (job type, period).

PURPOSE:
  The Scheduler turns a trigger into a durable JobRun and executes it with a
  bounded worker pool over the roster. It owns the run lifecycle; the jobs
  (payroll.go, accrual_job.go, notification.go) only process employees.

EXACTLY ONCE PER PERIOD:
  TriggerRun is idempotent. While a run for (job type, period) is pending,
  running or succeeded, every trigger returns that run. The RunLedger's
  unique constraint is the only lock: two schedulers racing to create the
  same run both end up holding the one that won.

  Execute moves pending -> running with a compare-and-set, so a run is
  executed by exactly one caller even if several try.

FAILURE ISOLATION:
  Prepare or roster failures  -> run failed, no employee processed
  Employee failure            -> outcome failed, others continue
  Any failed or cancelled     -> run partially_failed
  All succeeded               -> run succeeded

RETRY:
  After a failed or partially failed run, a new trigger creates attempt n+1.
  Employees that already succeeded for the period in any attempt are
  skipped, so their lines and accruals are never posted twice.

CANCELLATION:
  Cancelling the context passed to Execute stops the feeder between
  employees. Employees already handed to a worker finish on a context
  detached from the cancellation; the rest are recorded as cancelled.

STALE RUNS:
  A process that dies mid-run leaves the run pending or running, and that
  run keeps the (job type, period) slot. RecoverStale fails every such run
  older than a cutoff that this scheduler is not executing itself; the next
  trigger then creates a fresh attempt that skips employees already done.
  cmd/server calls it at startup with engine.stale_run_after.

SEE ALSO:
  - core/run.go: state machine
  - core/store.go: RunLedger contract
*/
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/payrules-engine/core"
	"github.com/warp/payrules-engine/metrics"
)

const DefaultWorkers = 4

type Scheduler struct {
	Ledger  core.RunLedger
	Roster  core.Roster
	Workers int
	Logger  *zap.Logger
	Metrics metrics.Recorder
	Now     func() time.Time

	mu      sync.RWMutex
	jobs    map[core.JobType]Job
	cancels map[core.RunID]context.CancelFunc
}

type Option func(*Scheduler)

func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.Workers = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.Logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Scheduler) { s.Metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.Now = now }
}

func NewScheduler(ledger core.RunLedger, roster core.Roster, opts ...Option) *Scheduler {
	s := &Scheduler{
		Ledger:  ledger,
		Roster:  roster,
		Workers: DefaultWorkers,
		Logger:  zap.NewNop(),
		Metrics: metrics.NopRecorder{},
		Now:     time.Now,
		jobs:    make(map[core.JobType]Job),
		cancels: make(map[core.RunID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register makes a job available to triggers. A later registration of the
// same type replaces the earlier one.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Type()] = job
}

func (s *Scheduler) job(t core.JobType) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownJobType, t)
	}
	return job, nil
}

// =============================================================================
// TRIGGER
// =============================================================================

// TriggerRun returns the active run for (job type, period) or creates a new
// pending one.
func (s *Scheduler) TriggerRun(ctx context.Context, jobType core.JobType, p core.Period) (core.JobRun, error) {
	run, _, err := s.Trigger(ctx, jobType, p)
	return run, err
}

// Trigger is TriggerRun that also reports whether the run was created.
func (s *Scheduler) Trigger(ctx context.Context, jobType core.JobType, p core.Period) (core.JobRun, bool, error) {
	job, err := s.job(jobType)
	if err != nil {
		return core.JobRun{}, false, err
	}
	if err := job.ValidatePeriod(p); err != nil {
		return core.JobRun{}, false, err
	}

	latest, err := s.Ledger.LatestRun(ctx, jobType, p.Key())
	if err != nil {
		return core.JobRun{}, false, fmt.Errorf("load latest run: %w", err)
	}
	if latest != nil && latest.State.Active() {
		run, err := s.Ledger.GetRun(ctx, latest.ID)
		return run, false, err
	}

	run := core.JobRun{
		ID:        core.RunID(uuid.New().String()),
		JobType:   jobType,
		Period:    p,
		State:     core.RunPending,
		Attempt:   1,
		CreatedAt: s.Now().UTC(),
	}
	if latest != nil {
		run.Attempt = latest.Attempt + 1
		run.RetryOf = latest.ID
	}

	created, err := s.Ledger.CreateRun(ctx, run)
	if err != nil {
		var ce *core.ConcurrencyError
		if errors.As(err, &ce) {
			return ce.Existing, false, nil
		}
		return core.JobRun{}, false, fmt.Errorf("create run: %w", err)
	}

	s.Logger.Info("run triggered",
		zap.String("run_id", string(created.ID)),
		zap.String("job_type", string(jobType)),
		zap.String("period", p.Key()),
		zap.Int("attempt", created.Attempt))
	return created, true, nil
}

func (s *Scheduler) GetRunStatus(ctx context.Context, id core.RunID) (core.JobRun, error) {
	return s.Ledger.GetRun(ctx, id)
}

func (s *Scheduler) ListRuns(ctx context.Context, f core.RunFilter) ([]core.JobRun, error) {
	return s.Ledger.ListRuns(ctx, f)
}

// RunNow triggers a run and executes it if it is still pending.
func (s *Scheduler) RunNow(ctx context.Context, jobType core.JobType, p core.Period) (core.JobRun, error) {
	run, err := s.TriggerRun(ctx, jobType, p)
	if err != nil {
		return core.JobRun{}, err
	}
	if run.State != core.RunPending {
		return run, nil
	}
	executed, err := s.Execute(ctx, run.ID)
	if errors.Is(err, core.ErrStaleTransition) {
		return s.Ledger.GetRun(ctx, run.ID)
	}
	return executed, err
}

// Cancel stops the feeder of a run executing in this process.
func (s *Scheduler) Cancel(id core.RunID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[id]
	if ok {
		cancel()
	}
	return ok
}

// RecoverStale fails pending runs created, and running runs started, before
// now - olderThan. Runs executing in this scheduler are left alone.
func (s *Scheduler) RecoverStale(ctx context.Context, olderThan time.Duration) ([]core.JobRun, error) {
	now := s.Now().UTC()
	cutoff := now.Add(-olderThan)

	var recovered []core.JobRun
	for _, state := range []core.RunState{core.RunPending, core.RunRunning} {
		runs, err := s.Ledger.ListRuns(ctx, core.RunFilter{State: state})
		if err != nil {
			return recovered, fmt.Errorf("list %s runs: %w", state, err)
		}
		for _, run := range runs {
			since := run.CreatedAt
			if run.StartedAt != nil {
				since = *run.StartedAt
			}
			if !since.Before(cutoff) || s.executing(run.ID) {
				continue
			}
			err := s.Ledger.TransitionRun(ctx, run.ID, state, core.RunTransition{
				To:    core.RunFailed,
				At:    now,
				Error: fmt.Sprintf("abandoned: %s since %s", state, since.Format(time.RFC3339)),
			})
			if errors.Is(err, core.ErrStaleTransition) {
				continue
			}
			if err != nil {
				return recovered, fmt.Errorf("fail stale run %s: %w", run.ID, err)
			}
			s.Logger.Warn("stale run failed",
				zap.String("run_id", string(run.ID)),
				zap.String("job_type", string(run.JobType)),
				zap.String("period", run.Period.Key()),
				zap.String("was", string(state)))
			s.Metrics.RunFinished(string(run.JobType), string(core.RunFailed), now.Sub(since))
			updated, err := s.Ledger.GetRun(ctx, run.ID)
			if err != nil {
				return recovered, err
			}
			recovered = append(recovered, updated)
		}
	}
	return recovered, nil
}

func (s *Scheduler) executing(id core.RunID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cancels[id]
	return ok
}

// =============================================================================
// EXECUTE
// =============================================================================

// Execute runs a pending run to a terminal state. Run-level failures are
// recorded on the returned run, not returned as errors. It fails with
// ErrStaleTransition if the run is not pending.
func (s *Scheduler) Execute(ctx context.Context, id core.RunID) (core.JobRun, error) {
	run, err := s.Ledger.GetRun(ctx, id)
	if err != nil {
		return core.JobRun{}, err
	}
	job, err := s.job(run.JobType)
	if err != nil {
		return run, err
	}

	started := s.Now().UTC()
	err = s.Ledger.TransitionRun(ctx, id, core.RunPending, core.RunTransition{To: core.RunRunning, At: started})
	if err != nil {
		if errors.Is(err, core.ErrStaleTransition) {
			current, gerr := s.Ledger.GetRun(ctx, id)
			if gerr != nil {
				return run, gerr
			}
			return current, fmt.Errorf("run %s is %s: %w", id, current.State, err)
		}
		return run, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
		cancel()
	}()

	log := s.Logger.With(
		zap.String("run_id", string(id)),
		zap.String("job_type", string(run.JobType)),
		zap.String("period", run.Period.Key()))
	log.Info("run started", zap.Int("attempt", run.Attempt))
	s.Metrics.RunStarted(string(run.JobType))

	// The final transition must land even if ctx is cancelled.
	final := context.WithoutCancel(ctx)

	worker, err := job.Prepare(ctx, run)
	if err != nil {
		return s.fail(final, run, started, log, fmt.Errorf("prepare: %w", err))
	}
	employees, err := s.Roster.Employees(ctx, run.Period)
	if err != nil {
		return s.fail(final, run, started, log, &core.RuleStoreError{Op: "load roster", Err: err})
	}
	done, err := s.Ledger.SucceededEmployees(ctx, run.JobType, run.Period.Key())
	if err != nil {
		return s.fail(final, run, started, log, fmt.Errorf("load earlier outcomes: %w", err))
	}

	var pending []core.Employee
	for _, emp := range employees {
		if done[emp.ID] {
			s.record(final, log, core.EmployeeOutcome{
				RunID:      id,
				EmployeeID: emp.ID,
				Status:     core.OutcomeSucceeded,
				Summary:    "succeeded in an earlier attempt",
			})
			continue
		}
		pending = append(pending, emp)
	}

	tally := s.process(ctx, final, run, worker, pending, log)

	t := core.RunTransition{To: core.RunSucceeded, Cancelled: tally.cancelled > 0}
	if tally.failed > 0 || tally.cancelled > 0 {
		t.To = core.RunPartiallyFailed
		t.Error = fmt.Sprintf("%d employees failed, %d cancelled", tally.failed, tally.cancelled)
	}
	if f, ok := worker.(Finisher); ok && tally.cancelled == 0 {
		if err := f.Finish(final); err != nil {
			log.Error("finish failed", zap.Error(err))
			t.To = core.RunPartiallyFailed
			t.Error = "finish: " + err.Error()
		}
	}
	t.At = s.Now().UTC()
	if err := s.Ledger.TransitionRun(final, id, core.RunRunning, t); err != nil {
		return run, fmt.Errorf("complete run: %w", err)
	}

	s.Metrics.RunFinished(string(run.JobType), string(t.To), t.At.Sub(started))
	log.Info("run finished",
		zap.String("state", string(t.To)),
		zap.Int("succeeded", tally.succeeded+len(employees)-len(pending)),
		zap.Int("failed", tally.failed),
		zap.Int("cancelled", tally.cancelled))
	return s.Ledger.GetRun(final, id)
}

func (s *Scheduler) fail(ctx context.Context, run core.JobRun, started time.Time, log *zap.Logger, cause error) (core.JobRun, error) {
	log.Error("run failed", zap.Error(cause), zap.String("kind", string(core.KindOf(cause))))
	at := s.Now().UTC()
	err := s.Ledger.TransitionRun(ctx, run.ID, core.RunRunning, core.RunTransition{
		To:    core.RunFailed,
		At:    at,
		Error: cause.Error(),
	})
	if err != nil {
		return run, fmt.Errorf("mark run failed: %w", err)
	}
	s.Metrics.RunFinished(string(run.JobType), string(core.RunFailed), at.Sub(started))
	return s.Ledger.GetRun(ctx, run.ID)
}

func (s *Scheduler) record(ctx context.Context, log *zap.Logger, o core.EmployeeOutcome) {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = s.Now().UTC()
	}
	if err := s.Ledger.RecordOutcome(ctx, o); err != nil {
		log.Error("record outcome failed", zap.String("employee_id", string(o.EmployeeID)), zap.Error(err))
	}
}
