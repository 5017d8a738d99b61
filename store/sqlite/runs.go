package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/payrules-engine/core"
)

// =============================================================================
// RUN LEDGER (core.RunLedger interface)
// =============================================================================

const runColumns = `id, job_type, period_start, period_end, state, attempt, retry_of,
	error, cancelled, created_at, started_at, ended_at`

// CreateRun inserts a pending run. The partial unique index rejects a second
// active run for the slot; the existing run is returned with a
// *core.ConcurrencyError.
func (s *Store) CreateRun(ctx context.Context, run core.JobRun) (core.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run.State = core.RunPending
	run.Outcomes = nil
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_type, period_key, period_start, period_end, state, attempt, retry_of, cancelled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		string(run.ID), string(run.JobType), run.Period.Key(),
		formatDate(run.Period.Start), formatDate(run.Period.End),
		string(run.State), run.Attempt, nullString(string(run.RetryOf)), formatTime(run.CreatedAt))
	if err == nil {
		return run, nil
	}
	if !isUniqueConstraintError(err) {
		return core.JobRun{}, fmt.Errorf("failed to create run: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM job_runs
		WHERE job_type = ? AND period_key = ? AND state IN ('pending', 'running', 'succeeded')
		ORDER BY rowid DESC LIMIT 1`,
		string(run.JobType), run.Period.Key())
	existing, err := scanRun(row)
	if err != nil {
		return core.JobRun{}, fmt.Errorf("failed to load active run: %w", err)
	}
	if existing.Outcomes, err = s.outcomes(ctx, existing.ID); err != nil {
		return core.JobRun{}, err
	}
	return existing, &core.ConcurrencyError{JobType: run.JobType, Period: run.Period, Existing: existing}
}

func (s *Store) GetRun(ctx context.Context, id core.RunID) (core.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id = ?`, string(id))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.JobRun{}, core.ErrRunNotFound
	}
	if err != nil {
		return core.JobRun{}, err
	}
	if run.Outcomes, err = s.outcomes(ctx, id); err != nil {
		return core.JobRun{}, err
	}
	return run, nil
}

func (s *Store) LatestRun(ctx context.Context, jobType core.JobType, periodKey string) (*core.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM job_runs
		WHERE job_type = ? AND period_key = ?
		ORDER BY rowid DESC LIMIT 1`,
		string(jobType), periodKey)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// TransitionRun is a compare-and-set on the run state.
func (s *Store) TransitionRun(ctx context.Context, id core.RunID, from core.RunState, t core.RunTransition) error {
	if !core.ValidRunTransition(from, t.To) {
		return core.ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := "ended_at"
	if t.To == core.RunRunning {
		stamp = "started_at"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET
			state = ?,
			`+stamp+` = ?,
			error = CASE WHEN ? = '' THEN error ELSE ? END,
			cancelled = cancelled OR ?
		WHERE id = ? AND state = ?`,
		string(t.To), formatTime(t.At), t.Error, t.Error, t.Cancelled, string(id), string(from))
	if err != nil {
		return fmt.Errorf("failed to transition run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to transition run: %w", err)
	}
	if n == 1 {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_runs WHERE id = ?`, string(id)).Scan(&count); err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}
	if count == 0 {
		return core.ErrRunNotFound
	}
	return core.ErrStaleTransition
}

// RecordOutcome upserts the outcome of one employee in one run.
func (s *Store) RecordOutcome(ctx context.Context, o core.EmployeeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_runs WHERE id = ?`, string(o.RunID)).Scan(&count); err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}
	if count == 0 {
		return core.ErrRunNotFound
	}

	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}
	var entryErrors sql.NullString
	if len(o.EntryErrors) > 0 {
		data, err := json.Marshal(o.EntryErrors)
		if err != nil {
			return fmt.Errorf("failed to encode entry errors: %w", err)
		}
		entryErrors = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_outcomes (run_id, employee_id, status, kind, message, entry_errors_json, summary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, employee_id) DO UPDATE SET
			status = excluded.status,
			kind = excluded.kind,
			message = excluded.message,
			entry_errors_json = excluded.entry_errors_json,
			summary = excluded.summary,
			updated_at = excluded.updated_at`,
		string(o.RunID), string(o.EmployeeID), string(o.Status), nullString(string(o.Kind)),
		nullString(o.Message), entryErrors, nullString(o.Summary), formatTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

func (s *Store) SucceededEmployees(ctx context.Context, jobType core.JobType, periodKey string) (map[core.EmployeeID]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT o.employee_id
		FROM run_outcomes o JOIN job_runs r ON r.id = o.run_id
		WHERE r.job_type = ? AND r.period_key = ? AND o.status = ?`,
		string(jobType), periodKey, string(core.OutcomeSucceeded))
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	done := make(map[core.EmployeeID]bool)
	for rows.Next() {
		var id core.EmployeeID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		done[id] = true
	}
	return done, rows.Err()
}

// ListRuns returns runs newest first, without outcomes.
func (s *Store) ListRuns(ctx context.Context, f core.RunFilter) ([]core.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.JobType != "" {
		where = append(where, "job_type = ?")
		args = append(args, string(f.JobType))
	}
	if f.PeriodKey != "" {
		where = append(where, "period_key = ?")
		args = append(args, f.PeriodKey)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	query := `SELECT ` + runColumns + ` FROM job_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var result []core.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// outcomes must be called with s.mu held.
func (s *Store) outcomes(ctx context.Context, id core.RunID) ([]core.EmployeeOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT employee_id, status, kind, message, entry_errors_json, summary, updated_at
		FROM run_outcomes WHERE run_id = ? ORDER BY employee_id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var result []core.EmployeeOutcome
	for rows.Next() {
		var (
			o                           core.EmployeeOutcome
			kind, msg, entries, summary sql.NullString
			updated                     string
		)
		if err := rows.Scan(&o.EmployeeID, &o.Status, &kind, &msg, &entries, &summary, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.RunID = id
		o.Kind = core.ErrorKind(kind.String)
		o.Message = msg.String
		o.Summary = summary.String
		o.UpdatedAt = parseTime(updated)
		if entries.Valid && entries.String != "" {
			if err := json.Unmarshal([]byte(entries.String), &o.EntryErrors); err != nil {
				return nil, fmt.Errorf("failed to decode entry errors: %w", err)
			}
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanRun(row scanner) (core.JobRun, error) {
	var (
		run                 core.JobRun
		start, end, created string
		retryOf, errMsg     sql.NullString
		startedAt, endedAt  sql.NullString
	)
	err := row.Scan(&run.ID, &run.JobType, &start, &end, &run.State, &run.Attempt, &retryOf,
		&errMsg, &run.Cancelled, &created, &startedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Period = core.Period{Start: parseDate(start), End: parseDate(end)}
	run.RetryOf = core.RunID(retryOf.String)
	run.Error = errMsg.String
	run.CreatedAt = parseTime(created)
	run.StartedAt = timePtr(startedAt, parseTime)
	run.EndedAt = timePtr(endedAt, parseTime)
	return run, nil
}
