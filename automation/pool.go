package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/warp/payrules-engine/core"
)

type tally struct {
	succeeded int
	failed    int
	cancelled int
}

// process fans employees out to the worker pool. The feeder checks ctx
// before handing out each employee; workers run on detached, which is
// never cancelled.
func (s *Scheduler) process(ctx, detached context.Context, run core.JobRun, w Worker, emps []core.Employee, log *zap.Logger) tally {
	var (
		mu  sync.Mutex
		res tally
		wg  sync.WaitGroup
	)
	n := s.Workers
	if n < 1 {
		n = 1
	}
	if n > len(emps) {
		n = len(emps)
	}

	work := make(chan core.Employee)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for emp := range work {
				ok := s.processOne(detached, run, w, emp, log)
				mu.Lock()
				if ok {
					res.succeeded++
				} else {
					res.failed++
				}
				mu.Unlock()
			}
		}()
	}

	var remaining []core.Employee
feed:
	for i, emp := range emps {
		if ctx.Err() != nil {
			remaining = emps[i:]
			break
		}
		select {
		case <-ctx.Done():
			remaining = emps[i:]
			break feed
		case work <- emp:
		}
	}
	close(work)
	wg.Wait()

	if len(remaining) > 0 {
		log.Warn("run cancelled", zap.Int("remaining", len(remaining)))
	}
	for _, emp := range remaining {
		s.record(detached, log, core.EmployeeOutcome{
			RunID:      run.ID,
			EmployeeID: emp.ID,
			Status:     core.OutcomeCancelled,
			Kind:       core.KindCancelled,
			Message:    "run cancelled before the employee was processed",
		})
		s.Metrics.EmployeeProcessed(string(run.JobType), string(core.OutcomeCancelled))
	}
	res.cancelled = len(remaining)
	return res
}

// processOne runs one employee and records its outcome.
func (s *Scheduler) processOne(ctx context.Context, run core.JobRun, w Worker, emp core.Employee, log *zap.Logger) bool {
	summary, err := safeProcess(ctx, w, emp)

	o := core.EmployeeOutcome{
		RunID:      run.ID,
		EmployeeID: emp.ID,
		Status:     core.OutcomeSucceeded,
		Summary:    summary,
	}
	if err != nil {
		o.Status = core.OutcomeFailed
		o.Kind = core.KindOf(err)
		o.Message = err.Error()
		var ef *core.EntryFailures
		if errors.As(err, &ef) {
			o.EntryErrors = ef.Failures
		}
		log.Warn("employee failed",
			zap.String("employee_id", string(emp.ID)),
			zap.String("kind", string(o.Kind)),
			zap.Error(err))
	}
	s.record(ctx, log, o)
	s.Metrics.EmployeeProcessed(string(run.JobType), string(o.Status))
	return err == nil
}

func safeProcess(ctx context.Context, w Worker, emp core.Employee) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing employee %s: %v", emp.ID, r)
		}
	}()
	return w.Process(ctx, emp)
}
