package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/warp/payrules-engine/core"
)

// =============================================================================
// RUN LEDGER (core.RunLedger interface)
// =============================================================================

// CreateRun inserts a pending run holding the slot's active_slot value. A
// second active run for the slot violates the unique index; the existing run
// is returned with a *core.ConcurrencyError.
func (s *Store) CreateRun(ctx context.Context, run core.JobRun) (core.JobRun, error) {
	run.State = core.RunPending
	run.Outcomes = nil
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	m := jobRunModel{
		ID:          string(run.ID),
		JobType:     string(run.JobType),
		PeriodKey:   run.Period.Key(),
		ActiveSlot:  activeSlot(run.JobType, run.Period),
		PeriodStart: date(run.Period.Start),
		PeriodEnd:   date(run.Period.End),
		State:       string(run.State),
		Attempt:     run.Attempt,
		RetryOf:     string(run.RetryOf),
		CreatedAt:   run.CreatedAt,
	}
	err := s.db.WithContext(ctx).Create(&m).Error
	if err == nil {
		return run, nil
	}
	if !isDuplicate(err) {
		return core.JobRun{}, fmt.Errorf("failed to create run: %w", err)
	}

	var existing jobRunModel
	if err := s.db.WithContext(ctx).Where("active_slot = ?", *m.ActiveSlot).Take(&existing).Error; err != nil {
		return core.JobRun{}, fmt.Errorf("failed to load active run: %w", err)
	}
	found := existing.toCore()
	if found.Outcomes, err = s.outcomes(ctx, found.ID); err != nil {
		return core.JobRun{}, err
	}
	return found, &core.ConcurrencyError{JobType: run.JobType, Period: run.Period, Existing: found}
}

func (s *Store) GetRun(ctx context.Context, id core.RunID) (core.JobRun, error) {
	var m jobRunModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.JobRun{}, core.ErrRunNotFound
	}
	if err != nil {
		return core.JobRun{}, fmt.Errorf("failed to query run: %w", err)
	}
	run := m.toCore()
	if run.Outcomes, err = s.outcomes(ctx, id); err != nil {
		return core.JobRun{}, err
	}
	return run, nil
}

func (s *Store) LatestRun(ctx context.Context, jobType core.JobType, periodKey string) (*core.JobRun, error) {
	var m jobRunModel
	err := s.db.WithContext(ctx).
		Where("job_type = ? AND period_key = ?", string(jobType), periodKey).
		Order("seq DESC").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	run := m.toCore()
	return &run, nil
}

// TransitionRun is a compare-and-set on the run state. Leaving the active
// states releases the slot.
func (s *Store) TransitionRun(ctx context.Context, id core.RunID, from core.RunState, t core.RunTransition) error {
	if !core.ValidRunTransition(from, t.To) {
		return core.ErrInvalidTransition
	}

	at := t.At
	updates := map[string]any{"state": string(t.To)}
	if t.To == core.RunRunning {
		updates["started_at"] = at
	} else {
		updates["ended_at"] = at
	}
	if t.Error != "" {
		updates["error"] = t.Error
	}
	if t.Cancelled {
		updates["cancelled"] = true
	}
	if !t.To.Active() {
		updates["active_slot"] = gorm.Expr("NULL")
	}

	res := s.db.WithContext(ctx).Model(&jobRunModel{}).
		Where("id = ? AND state = ?", string(id), string(from)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to transition run: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&jobRunModel{}).Where("id = ?", string(id)).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}
	if count == 0 {
		return core.ErrRunNotFound
	}
	return core.ErrStaleTransition
}

// RecordOutcome upserts the outcome of one employee in one run.
func (s *Store) RecordOutcome(ctx context.Context, o core.EmployeeOutcome) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&jobRunModel{}).Where("id = ?", string(o.RunID)).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}
	if count == 0 {
		return core.ErrRunNotFound
	}

	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}
	m := runOutcomeModel{
		RunID:      string(o.RunID),
		EmployeeID: string(o.EmployeeID),
		Status:     string(o.Status),
		Kind:       string(o.Kind),
		Message:    o.Message,
		Summary:    o.Summary,
		UpdatedAt:  o.UpdatedAt,
	}
	if len(o.EntryErrors) > 0 {
		data, err := json.Marshal(o.EntryErrors)
		if err != nil {
			return fmt.Errorf("failed to encode entry errors: %w", err)
		}
		m.EntryErrors = string(data)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "employee_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "kind", "message", "entry_errors_json", "summary", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

func (s *Store) SucceededEmployees(ctx context.Context, jobType core.JobType, periodKey string) (map[core.EmployeeID]bool, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Table("run_outcomes AS o").
		Joins("JOIN job_runs r ON r.id = o.run_id").
		Where("r.job_type = ? AND r.period_key = ? AND o.status = ?", string(jobType), periodKey, string(core.OutcomeSucceeded)).
		Distinct().
		Pluck("o.employee_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	done := make(map[core.EmployeeID]bool, len(ids))
	for _, id := range ids {
		done[core.EmployeeID(id)] = true
	}
	return done, nil
}

// ListRuns returns runs newest first, without outcomes.
func (s *Store) ListRuns(ctx context.Context, f core.RunFilter) ([]core.JobRun, error) {
	q := s.db.WithContext(ctx).Model(&jobRunModel{})
	if f.JobType != "" {
		q = q.Where("job_type = ?", string(f.JobType))
	}
	if f.PeriodKey != "" {
		q = q.Where("period_key = ?", f.PeriodKey)
	}
	if f.State != "" {
		q = q.Where("state = ?", string(f.State))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var models []jobRunModel
	if err := q.Order("seq DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	var result []core.JobRun
	for _, m := range models {
		result = append(result, m.toCore())
	}
	return result, nil
}

func (s *Store) outcomes(ctx context.Context, id core.RunID) ([]core.EmployeeOutcome, error) {
	var models []runOutcomeModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", string(id)).Order("employee_id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	var result []core.EmployeeOutcome
	for _, m := range models {
		o, err := m.toCore()
		if err != nil {
			return nil, fmt.Errorf("failed to decode entry errors: %w", err)
		}
		result = append(result, o)
	}
	return result, nil
}
