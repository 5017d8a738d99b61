package automation

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/warp/payrules-engine/accrual"
	"github.com/warp/payrules-engine/core"
	"github.com/warp/payrules-engine/metrics"
)

// AccrualJob posts one month of accrual for every active leave type to
// every employee on the roster. Errors of several leave types of one
// employee are reported together.
type AccrualJob struct {
	Rules     core.RuleStore
	Processor *accrual.Processor
	Logger    *zap.Logger
	Metrics   metrics.Recorder
}

func NewAccrualJob(rs core.RuleStore, proc *accrual.Processor) *AccrualJob {
	return &AccrualJob{Rules: rs, Processor: proc, Logger: zap.NewNop(), Metrics: metrics.NopRecorder{}}
}

func (j *AccrualJob) Type() core.JobType { return core.JobAccrual }

func (j *AccrualJob) ValidatePeriod(p core.Period) error {
	if !p.IsCalendarMonth() {
		return fmt.Errorf("%w: accrual runs need a calendar month, got %s", core.ErrInvalidPeriod, p)
	}
	return nil
}

func (j *AccrualJob) Prepare(ctx context.Context, run core.JobRun) (Worker, error) {
	all, err := j.Rules.LeaveTypes(ctx)
	if err != nil {
		return nil, &core.RuleStoreError{Op: "load leave types", Err: err}
	}
	var active []core.LeaveType
	for _, lt := range all {
		if lt.Active {
			active = append(active, lt)
		}
	}
	if len(active) == 0 {
		return nil, &core.RuleStoreError{Op: "load leave types", Err: core.ErrNoActiveLeaveTypes}
	}
	return &accrualWorker{job: j, run: run, leaveTypes: active}, nil
}

type accrualWorker struct {
	job        *AccrualJob
	run        core.JobRun
	leaveTypes []core.LeaveType
}

func (w *accrualWorker) Process(ctx context.Context, emp core.Employee) (string, error) {
	var result *multierror.Error
	var parts []string
	for _, lt := range w.leaveTypes {
		d, err := w.job.Processor.Accrue(ctx, emp, lt, w.run.Period, w.run.ID)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("leave type %s: %w", lt.ID, err))
			continue
		}
		if d.Posted {
			w.job.Metrics.AccrualPosted(string(lt.ID), d.Delta.InexactFloat64())
		}
		parts = append(parts, d.String())
	}
	return strings.Join(parts, ", "), result.ErrorOrNil()
}
