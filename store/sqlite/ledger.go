package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/payrules-engine/core"
)

// =============================================================================
// ACCRUAL STORE (core.AccrualStore interface)
// =============================================================================

const accrualColumns = `id, employee_id, leave_type_id, year, period_start, period_end,
	delta, reason, idempotency_key, run_id, reverses_id, created_at`

// Append adds a transaction to the ledger.
func (s *Store) Append(ctx context.Context, tx core.AccrualTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accrual_transactions (`+accrualColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.EmployeeID), string(tx.LeaveTypeID), tx.Year,
		formatDate(tx.Period.Start), formatDate(tx.Period.End),
		tx.Delta.String(), tx.Reason, nullString(tx.IdempotencyKey),
		nullString(string(tx.RunID)), nullString(string(tx.ReversesID)), formatTime(createdAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// Load returns the transactions of (employee, leave type, year) in creation order.
func (s *Store) Load(ctx context.Context, employeeID core.EmployeeID, leaveTypeID core.LeaveTypeID, year int) ([]core.AccrualTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accrualColumns+`
		FROM accrual_transactions
		WHERE employee_id = ? AND leave_type_id = ? AND year = ?
		ORDER BY rowid ASC`,
		string(employeeID), string(leaveTypeID), year)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var result []core.AccrualTransaction
	for rows.Next() {
		tx, err := scanAccrual(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM accrual_transactions WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) Get(ctx context.Context, id core.TransactionID) (*core.AccrualTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+accrualColumns+` FROM accrual_transactions WHERE id = ?`, string(id))
	tx, err := scanAccrual(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// AccrualsForEmployee returns every transaction of one employee for a year,
// across leave types, in creation order.
func (s *Store) AccrualsForEmployee(ctx context.Context, employeeID core.EmployeeID, year int) ([]core.AccrualTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accrualColumns+`
		FROM accrual_transactions
		WHERE employee_id = ? AND year = ?
		ORDER BY rowid ASC`,
		string(employeeID), year)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var result []core.AccrualTransaction
	for rows.Next() {
		tx, err := scanAccrual(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func scanAccrual(row scanner) (core.AccrualTransaction, error) {
	var (
		tx                         core.AccrualTransaction
		start, end, delta, created string
		reason, key, runID, revID  sql.NullString
	)
	err := row.Scan(&tx.ID, &tx.EmployeeID, &tx.LeaveTypeID, &tx.Year, &start, &end,
		&delta, &reason, &key, &runID, &revID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.Period = core.Period{Start: parseDate(start), End: parseDate(end)}
	tx.Delta = parseDecimal(delta)
	tx.Reason = reason.String
	tx.IdempotencyKey = key.String
	tx.RunID = core.RunID(runID.String)
	tx.ReversesID = core.TransactionID(revID.String)
	tx.CreatedAt = parseTime(created)
	return tx, nil
}

// =============================================================================
// PAY LINE SINK (core.PayLineSink interface)
// =============================================================================

// PostLines writes the batch header and every line in one transaction. A
// second batch with the same idempotency key is rejected as a whole.
func (s *Store) PostLines(ctx context.Context, batch core.PayLineBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := formatTime(time.Now().UTC())
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO pay_line_batches (idempotency_key, run_id, employee_id, period_start, period_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		batch.IdempotencyKey, string(batch.RunID), string(batch.EmployeeID),
		formatDate(batch.Period.Start), formatDate(batch.Period.End), now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert pay line batch: %w", err)
	}

	for _, l := range batch.Lines {
		if err := insertLine(ctx, sqlTx, batch.IdempotencyKey, l); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

func insertLine(ctx context.Context, db execer, batchKey string, l core.PayLine) error {
	entries, _ := json.Marshal(l.EntryIDs)
	trail, _ := json.Marshal(l.RuleTrail)
	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO pay_lines
		(id, batch_key, run_id, employee_id, period_start, period_end, entry_ids_json,
		 pay_code, class, hours, rate, amount, rule_trail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, batchKey, string(l.RunID), string(l.EmployeeID),
		formatDate(l.Period.Start), formatDate(l.Period.End), string(entries),
		string(l.PayCode), string(l.Class), l.Hours.String(), l.Rate.String(), l.Amount.String(),
		string(trail), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to insert pay line: %w", err)
	}
	return nil
}

const lineColumns = `id, run_id, employee_id, period_start, period_end, entry_ids_json,
	pay_code, class, hours, rate, amount, rule_trail_json, created_at`

func (s *Store) LinesForRun(ctx context.Context, runID core.RunID) ([]core.PayLine, error) {
	return s.queryLines(ctx, `SELECT `+lineColumns+` FROM pay_lines WHERE run_id = ? ORDER BY employee_id, rowid`, string(runID))
}

// LinesForEmployee returns every posted line of one employee whose period
// starts within p.
func (s *Store) LinesForEmployee(ctx context.Context, employeeID core.EmployeeID, p core.Period) ([]core.PayLine, error) {
	return s.queryLines(ctx, `
		SELECT `+lineColumns+` FROM pay_lines
		WHERE employee_id = ? AND period_start >= ? AND period_start <= ?
		ORDER BY period_start, rowid`,
		string(employeeID), formatDate(p.Start), formatDate(p.End))
}

func (s *Store) queryLines(ctx context.Context, query string, args ...any) ([]core.PayLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pay lines: %w", err)
	}
	defer rows.Close()

	var result []core.PayLine
	for rows.Next() {
		var (
			l                                  core.PayLine
			start, end, entries, trail, create string
			hours, rate, amount                string
			class                              sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.RunID, &l.EmployeeID, &start, &end, &entries,
			&l.PayCode, &class, &hours, &rate, &amount, &trail, &create); err != nil {
			return nil, fmt.Errorf("failed to scan pay line: %w", err)
		}
		l.Period = core.Period{Start: parseDate(start), End: parseDate(end)}
		l.Class = core.HourClass(class.String)
		l.Hours = parseDecimal(hours)
		l.Rate = parseDecimal(rate)
		l.Amount = parseDecimal(amount)
		l.CreatedAt = parseTime(create)
		if err := json.Unmarshal([]byte(entries), &l.EntryIDs); err != nil {
			return nil, fmt.Errorf("failed to decode entry ids: %w", err)
		}
		if err := json.Unmarshal([]byte(trail), &l.RuleTrail); err != nil {
			return nil, fmt.Errorf("failed to decode rule trail: %w", err)
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// =============================================================================
// NOTIFICATION SINK (core.NotificationSink interface)
// =============================================================================

func (s *Store) Enqueue(ctx context.Context, n core.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, employee_id, kind, message, period_start, period_end, run_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, nullString(string(n.EmployeeID)), string(n.Kind), n.Message,
		formatDate(n.Period.Start), formatDate(n.Period.End),
		nullString(string(n.RunID)), nullString(n.IdempotencyKey), formatTime(createdAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// Notifications returns queued notifications of a run, oldest first. An
// empty run id returns every notification.
func (s *Store) Notifications(ctx context.Context, runID core.RunID) ([]core.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, employee_id, kind, message, period_start, period_end, run_id, idempotency_key, created_at FROM notifications`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, string(runID))
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var result []core.Notification
	for rows.Next() {
		var (
			n                   core.Notification
			emp, run, key       sql.NullString
			start, end, created string
		)
		if err := rows.Scan(&n.ID, &emp, &n.Kind, &n.Message, &start, &end, &run, &key, &created); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.EmployeeID = core.EmployeeID(emp.String)
		n.Period = core.Period{Start: parseDate(start), End: parseDate(end)}
		n.RunID = core.RunID(run.String)
		n.IdempotencyKey = key.String
		n.CreatedAt = parseTime(created)
		result = append(result, n)
	}
	return result, rows.Err()
}
