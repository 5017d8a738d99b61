package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/payrules-engine/core"
)

const DefaultDigestThreshold = 5

// BalanceReader returns the combined leave balance of an employee.
// *accrual.Processor implements it.
type BalanceReader interface {
	Balance(ctx context.Context, emp core.EmployeeID, lt core.LeaveTypeID, year int) (core.LeaveBalance, error)
}

// NotificationJob queues reminders for the period:
//   - a leave balance reminder per leave type with remaining balance
//   - a missing time alert for each employee without any time entry
//   - one admin digest when more than DigestThreshold employees are missing
//
// Every notification has an idempotency key, so re-running a period never
// sends twice.
type NotificationJob struct {
	Rules           core.RuleStore
	Entries         core.TimeEntrySource
	Balances        BalanceReader
	Sink            core.NotificationSink
	DigestThreshold int
	Logger          *zap.Logger
	Now             func() time.Time
}

func NewNotificationJob(rs core.RuleStore, entries core.TimeEntrySource, balances BalanceReader, sink core.NotificationSink) *NotificationJob {
	return &NotificationJob{
		Rules:           rs,
		Entries:         entries,
		Balances:        balances,
		Sink:            sink,
		DigestThreshold: DefaultDigestThreshold,
		Logger:          zap.NewNop(),
		Now:             time.Now,
	}
}

func (j *NotificationJob) Type() core.JobType { return core.JobNotification }

func (j *NotificationJob) ValidatePeriod(p core.Period) error {
	if p.End.Before(p.Start) {
		return core.ErrInvalidPeriod
	}
	return nil
}

func (j *NotificationJob) Prepare(ctx context.Context, run core.JobRun) (Worker, error) {
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
	return &notificationWorker{job: j, run: run, leaveTypes: active}, nil
}

type notificationWorker struct {
	job        *NotificationJob
	run        core.JobRun
	leaveTypes []core.LeaveType

	mu      sync.Mutex
	missing []core.EmployeeID
}

func (w *notificationWorker) Process(ctx context.Context, emp core.Employee) (string, error) {
	sent := 0
	p := w.run.Period

	entries, err := w.job.Entries.Entries(ctx, emp.ID, p)
	if err != nil {
		return "", fmt.Errorf("load time entries: %w", err)
	}
	if len(entries) == 0 {
		w.mu.Lock()
		w.missing = append(w.missing, emp.ID)
		w.mu.Unlock()

		ok, err := w.send(ctx, core.Notification{
			EmployeeID:     emp.ID,
			Kind:           core.NotifyMissingTime,
			Message:        fmt.Sprintf("No time entries recorded for %s. Please submit your hours.", p),
			IdempotencyKey: fmt.Sprintf("notify/missing/%s/%s", p.Key(), emp.ID),
		})
		if err != nil {
			return "", err
		}
		if ok {
			sent++
		}
	}

	for _, lt := range w.leaveTypes {
		b, err := w.job.Balances.Balance(ctx, emp.ID, lt.ID, p.Year())
		if err != nil {
			return "", fmt.Errorf("load %s balance: %w", lt.ID, err)
		}
		remaining := b.Accrued.Sub(b.Used)
		if !remaining.IsPositive() {
			continue
		}
		ok, err := w.send(ctx, core.Notification{
			EmployeeID:     emp.ID,
			Kind:           core.NotifyLeaveBalance,
			Message:        fmt.Sprintf("You have %s of %s remaining for %d.", remaining.StringFixed(2), lt.Name, p.Year()),
			IdempotencyKey: fmt.Sprintf("notify/balance/%s/%s/%s", p.Key(), emp.ID, lt.ID),
		})
		if err != nil {
			return "", err
		}
		if ok {
			sent++
		}
	}
	return fmt.Sprintf("%d notifications queued", sent), nil
}

// Finish sends the admin digest of employees without time entries.
func (w *notificationWorker) Finish(ctx context.Context) error {
	w.mu.Lock()
	missing := append([]core.EmployeeID(nil), w.missing...)
	w.mu.Unlock()

	if len(missing) <= w.job.DigestThreshold {
		return nil
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	ids := make([]string, len(missing))
	for i, id := range missing {
		ids[i] = string(id)
	}
	_, err := w.send(ctx, core.Notification{
		Kind:           core.NotifyMissingDigest,
		Message:        fmt.Sprintf("%d employees have no time entries for %s: %s", len(ids), w.run.Period, strings.Join(ids, ", ")),
		IdempotencyKey: "notify/digest/" + w.run.Period.Key(),
	})
	return err
}

// send enqueues n and reports false when it was already queued.
func (w *notificationWorker) send(ctx context.Context, n core.Notification) (bool, error) {
	n.ID = uuid.New().String()
	n.Period = w.run.Period
	n.RunID = w.run.ID
	n.CreatedAt = w.job.Now().UTC()
	if err := w.job.Sink.Enqueue(ctx, n); err != nil {
		if errors.Is(err, core.ErrDuplicateIdempotencyKey) {
			return false, nil
		}
		return false, fmt.Errorf("enqueue %s: %w", n.Kind, err)
	}
	w.job.Logger.Debug("notification queued",
		zap.String("kind", string(n.Kind)),
		zap.String("employee_id", string(n.EmployeeID)))
	return true, nil
}
