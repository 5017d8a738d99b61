package automation

import (
	"context"

	"github.com/warp/payrules-engine/core"
)

// Job is one kind of automation run. The scheduler owns the run lifecycle;
// a job only validates its period, loads run-level prerequisites and
// processes employees.
type Job interface {
	Type() core.JobType

	// ValidatePeriod rejects periods the job cannot run for.
	ValidatePeriod(p core.Period) error

	// Prepare loads what every employee of the run needs. An error fails the
	// whole run.
	Prepare(ctx context.Context, run core.JobRun) (Worker, error)
}

// Worker processes the employees of one prepared run. Process is called
// concurrently from several goroutines.
type Worker interface {
	// Process handles one employee and returns a short human summary.
	Process(ctx context.Context, emp core.Employee) (string, error)
}

// Finisher is implemented by workers that act once all employees are done.
type Finisher interface {
	Finish(ctx context.Context) error
}
