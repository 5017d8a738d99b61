/*
timer.go - Cron-driven job triggering

PURPOSE:

	Fires configured job types on cron expressions. Each firing resolves a
	relative period (previous_month, previous_week, ...) against the clock
	and hands it to the automation scheduler, which deduplicates by
	(job type, period) so overlapping firings never double-post.

CONFIGURATION:

	schedules:
	  - name: monthly-accrual
	    job_type: accrual
	    cron: "0 2 1 * *"
	    period: previous_month

USAGE:

	t, err := NewTimer(scheduler, cfg.Schedules, TimerOptions{Location: loc})
	t.Start()
	// ... later
	<-t.Stop().Done()

SEE ALSO:
  - automation/scheduler.go: RunNow
  - config/config.go: Schedule
*/
package api

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/payrules-engine/automation"
	"github.com/warp/payrules-engine/config"
	"github.com/warp/payrules-engine/core"
)

type TimerOptions struct {
	Location  *time.Location
	WeekStart time.Weekday
	Logger    *zap.Logger
	Now       func() time.Time
}

// Timer owns a cron instance whose entries trigger scheduler runs.
type Timer struct {
	scheduler *automation.Scheduler
	opts      TimerOptions
	cron      *cron.Cron
	specs     []config.Schedule

	mu      sync.Mutex
	entries map[string]cron.EntryID
	last    map[string]core.RunID
}

// ScheduleStatus describes a registered schedule.
type ScheduleStatus struct {
	Name    string       `json:"name"`
	JobType core.JobType `json:"job_type"`
	Cron    string       `json:"cron"`
	Period  string       `json:"period"`
	Next    time.Time    `json:"next"`
	LastRun core.RunID   `json:"last_run,omitempty"`
}

// NewTimer registers every schedule. An invalid job type, cron expression
// or period name is reported before anything is started.
func NewTimer(s *automation.Scheduler, schedules []config.Schedule, opts TimerOptions) (*Timer, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	t := &Timer{
		scheduler: s,
		opts:      opts,
		cron:      cron.New(cron.WithLocation(opts.Location)),
		entries:   make(map[string]cron.EntryID),
		last:      make(map[string]core.RunID),
	}
	for _, sc := range schedules {
		if err := t.add(sc); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Timer) add(sc config.Schedule) error {
	jobType, err := core.ParseJobType(sc.JobType)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", sc.Name, err)
	}
	if _, err := core.ResolvePeriod(sc.Period, t.opts.Now(), t.opts.WeekStart); err != nil {
		return fmt.Errorf("schedule %s: %w", sc.Name, err)
	}
	if _, dup := t.entries[sc.Name]; dup {
		return fmt.Errorf("schedule %s declared twice", sc.Name)
	}
	id, err := t.cron.AddFunc(sc.Cron, func() { t.Fire(context.Background(), sc.Name, jobType, sc.Period) })
	if err != nil {
		return fmt.Errorf("schedule %s: invalid cron %q: %w", sc.Name, sc.Cron, err)
	}
	t.entries[sc.Name] = id
	t.specs = append(t.specs, sc)
	return nil
}

// Fire resolves the period and runs the job synchronously.
func (t *Timer) Fire(ctx context.Context, name string, jobType core.JobType, periodName string) (core.JobRun, error) {
	log := t.opts.Logger.With(zap.String("schedule", name), zap.String("job_type", string(jobType)))

	p, err := core.ResolvePeriod(periodName, t.opts.Now().In(t.opts.Location), t.opts.WeekStart)
	if err != nil {
		log.Error("resolve period", zap.Error(err))
		return core.JobRun{}, err
	}
	run, err := t.scheduler.RunNow(ctx, jobType, p)
	if err != nil {
		log.Error("scheduled run failed", zap.String("period", p.Key()), zap.Error(err))
		return run, err
	}

	t.mu.Lock()
	t.last[name] = run.ID
	t.mu.Unlock()
	log.Info("scheduled run finished",
		zap.String("run_id", string(run.ID)),
		zap.String("period", p.Key()),
		zap.String("state", string(run.State)))
	return run, nil
}

func (t *Timer) Start() {
	t.cron.Start()
	t.opts.Logger.Info("timer started", zap.Int("schedules", len(t.entries)))
}

// Stop halts future firings. The returned context is done once running
// jobs have returned.
func (t *Timer) Stop() context.Context {
	t.opts.Logger.Info("timer stopping")
	return t.cron.Stop()
}

// Schedules reports the registered schedules sorted by name.
func (t *Timer) Schedules() []ScheduleStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ScheduleStatus, 0, len(t.specs))
	for _, sc := range t.specs {
		id := t.entries[sc.Name]
		out = append(out, ScheduleStatus{
			Name:    sc.Name,
			JobType: core.JobType(sc.JobType),
			Cron:    sc.Cron,
			Period:  sc.Period,
			Next:    t.cron.Entry(id).Next,
			LastRun: t.last[sc.Name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
