package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/warp/payrules-engine/core"
)

// =============================================================================
// RULE STORE (core.RuleStore interface)
// =============================================================================

// ReplaceRules swaps the whole rule book in one transaction.
func (s *Store) ReplaceRules(ctx context.Context, rules []core.PayRule, codes []core.PayCode, leaveTypes []core.LeaveType) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&payRuleModel{}, &payCodeModel{}, &leaveTypeModel{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return fmt.Errorf("failed to clear rule book: %w", err)
			}
		}

		for _, pc := range codes {
			cfg, err := json.Marshal(pc)
			if err != nil {
				return fmt.Errorf("failed to encode pay code %s: %w", pc.ID, err)
			}
			m := payCodeModel{ID: string(pc.ID), ConfigJSON: string(cfg), Active: pc.Active, Version: pc.Version}
			if err := tx.Create(&m).Error; err != nil {
				return fmt.Errorf("failed to save pay code %s: %w", pc.ID, err)
			}
		}
		for _, r := range rules {
			cfg, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode rule %s: %w", r.ID, err)
			}
			m := payRuleModel{
				ID:            string(r.ID),
				Name:          r.Name,
				Priority:      r.Priority,
				EffectiveFrom: date(core.DateOf(r.EffectiveFrom)),
				EffectiveTo:   datePtr(r.EffectiveTo),
				Version:       r.Version,
				ConfigJSON:    string(cfg),
			}
			if err := tx.Create(&m).Error; err != nil {
				return fmt.Errorf("failed to save rule %s: %w", r.ID, err)
			}
		}
		for _, lt := range leaveTypes {
			m := leaveTypeModel{
				ID:          string(lt.ID),
				Name:        lt.Name,
				MonthlyRate: lt.MonthlyRate.String(),
				Cap:         lt.Cap.String(),
				Active:      lt.Active,
			}
			if err := tx.Create(&m).Error; err != nil {
				return fmt.Errorf("failed to save leave type %s: %w", lt.ID, err)
			}
		}
		return nil
	})
}

// ActiveRules returns the rules in force on at least one day of p, ordered
// by (priority, id).
func (s *Store) ActiveRules(ctx context.Context, p core.Period) ([]core.PayRule, error) {
	var models []payRuleModel
	err := s.db.WithContext(ctx).
		Where("effective_from <= ?", date(p.End)).
		Where("effective_to IS NULL OR effective_to > ?", date(p.Start)).
		Order("priority ASC").Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, &core.RuleStoreError{Op: "active rules", Err: err}
	}
	return decodeRules(models)
}

// AllRules returns every stored rule regardless of its effective window.
func (s *Store) AllRules(ctx context.Context) ([]core.PayRule, error) {
	var models []payRuleModel
	if err := s.db.WithContext(ctx).Order("priority ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	return decodeRules(models)
}

func decodeRules(models []payRuleModel) ([]core.PayRule, error) {
	result := make([]core.PayRule, 0, len(models))
	for _, m := range models {
		var r core.PayRule
		if err := json.Unmarshal([]byte(m.ConfigJSON), &r); err != nil {
			return nil, fmt.Errorf("failed to decode rule %s: %w", m.ID, err)
		}
		result = append(result, r)
	}
	return result, nil
}

func (s *Store) PayCodes(ctx context.Context) (map[core.PayCodeID]core.PayCode, error) {
	var models []payCodeModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, &core.RuleStoreError{Op: "pay codes", Err: err}
	}
	result := make(map[core.PayCodeID]core.PayCode, len(models))
	for _, m := range models {
		var pc core.PayCode
		if err := json.Unmarshal([]byte(m.ConfigJSON), &pc); err != nil {
			return nil, fmt.Errorf("failed to decode pay code %s: %w", m.ID, err)
		}
		result[pc.ID] = pc
	}
	return result, nil
}

func (s *Store) LeaveTypes(ctx context.Context) ([]core.LeaveType, error) {
	var models []leaveTypeModel
	if err := s.db.WithContext(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, &core.RuleStoreError{Op: "leave types", Err: err}
	}
	result := make([]core.LeaveType, 0, len(models))
	for _, m := range models {
		result = append(result, core.LeaveType{
			ID:          core.LeaveTypeID(m.ID),
			Name:        m.Name,
			MonthlyRate: dec(m.MonthlyRate),
			Cap:         dec(m.Cap),
			Active:      m.Active,
		})
	}
	return result, nil
}

// =============================================================================
// COLLABORATOR DATA (core.Roster, core.TimeEntrySource, core.LeaveBalanceSource)
// =============================================================================

func (s *Store) SaveEmployee(ctx context.Context, e core.Employee) error {
	m := employeeModel{
		ID:              string(e.ID),
		Name:            e.Name,
		Department:      e.Department,
		Role:            e.Role,
		HourlyRate:      e.HourlyRate.String(),
		TerminationDate: datePtr(e.TerminationDate),
	}
	if !e.HireDate.IsZero() {
		m.HireDate = datePtr(&e.HireDate)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "department", "role", "hourly_rate", "hire_date", "termination_date"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

// Employees returns every employee active on at least one day of p.
func (s *Store) Employees(ctx context.Context, p core.Period) ([]core.Employee, error) {
	var models []employeeModel
	err := s.db.WithContext(ctx).
		Where("hire_date IS NULL OR hire_date <= ?", date(p.End)).
		Where("termination_date IS NULL OR termination_date >= ?", date(p.Start)).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	result := make([]core.Employee, 0, len(models))
	for _, m := range models {
		result = append(result, m.toCore())
	}
	return result, nil
}

// GetEmployee returns nil without error when the employee is unknown.
func (s *Store) GetEmployee(ctx context.Context, id core.EmployeeID) (*core.Employee, error) {
	var m employeeModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query employee: %w", err)
	}
	e := m.toCore()
	return &e, nil
}

func (s *Store) SaveTimeEntry(ctx context.Context, e core.TimeEntry) error {
	m := timeEntryModel{
		ID:           string(e.ID),
		EmployeeID:   string(e.EmployeeID),
		ClockIn:      e.ClockIn.Format(time.RFC3339Nano),
		BreakMinutes: e.BreakMinutes,
		PayCode:      string(e.PayCode),
		Department:   e.Department,
		Status:       string(e.Status),
	}
	if e.ClockOut != nil {
		out := e.ClockOut.Format(time.RFC3339Nano)
		m.ClockOut = &out
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"employee_id", "clock_in", "clock_out", "break_minutes", "pay_code", "department", "status"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save time entry: %w", err)
	}
	return nil
}

// Entries returns the employee's entries whose clock-in date falls in p.
// Offsets differ between entries, so the date filter runs in Go.
func (s *Store) Entries(ctx context.Context, employeeID core.EmployeeID, p core.Period) ([]core.TimeEntry, error) {
	var models []timeEntryModel
	if err := s.db.WithContext(ctx).Where("employee_id = ?", string(employeeID)).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query time entries: %w", err)
	}
	var result []core.TimeEntry
	for _, m := range models {
		e := m.toCore()
		if p.Contains(e.ClockIn) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClockIn.Before(result[j].ClockIn) })
	return result, nil
}

func (s *Store) SaveLeaveBalance(ctx context.Context, b core.LeaveBalance) error {
	m := leaveBalanceModel{
		EmployeeID:  string(b.EmployeeID),
		LeaveTypeID: string(b.LeaveTypeID),
		Year:        b.Year,
		Accrued:     b.Accrued.String(),
		Used:        b.Used.String(),
		Cap:         b.Cap.String(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "employee_id"}, {Name: "leave_type_id"}, {Name: "year"}},
		DoUpdates: clause.AssignmentColumns([]string{"accrued", "used", "cap"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save leave balance: %w", err)
	}
	return nil
}

// Balance returns nil without error when no row exists.
func (s *Store) Balance(ctx context.Context, employeeID core.EmployeeID, leaveTypeID core.LeaveTypeID, year int) (*core.LeaveBalance, error) {
	var m leaveBalanceModel
	err := s.db.WithContext(ctx).
		Where("employee_id = ? AND leave_type_id = ? AND year = ?", string(employeeID), string(leaveTypeID), year).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query leave balance: %w", err)
	}
	return &core.LeaveBalance{
		EmployeeID:  employeeID,
		LeaveTypeID: leaveTypeID,
		Year:        year,
		Accrued:     dec(m.Accrued),
		Used:        dec(m.Used),
		Cap:         dec(m.Cap),
	}, nil
}

// =============================================================================
// ACCRUAL STORE (core.AccrualStore interface)
// =============================================================================

// Append adds a transaction to the ledger.
func (s *Store) Append(ctx context.Context, tx core.AccrualTransaction) error {
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	m := accrualModel{
		ID:             string(tx.ID),
		EmployeeID:     string(tx.EmployeeID),
		LeaveTypeID:    string(tx.LeaveTypeID),
		Year:           tx.Year,
		PeriodStart:    date(tx.Period.Start),
		PeriodEnd:      date(tx.Period.End),
		Delta:          tx.Delta.String(),
		Reason:         tx.Reason,
		IdempotencyKey: strPtr(tx.IdempotencyKey),
		RunID:          string(tx.RunID),
		ReversesID:     string(tx.ReversesID),
		CreatedAt:      createdAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isDuplicate(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// Load returns the transactions of (employee, leave type, year) in creation order.
func (s *Store) Load(ctx context.Context, employeeID core.EmployeeID, leaveTypeID core.LeaveTypeID, year int) ([]core.AccrualTransaction, error) {
	return s.queryAccruals(ctx, s.db.WithContext(ctx).
		Where("employee_id = ? AND leave_type_id = ? AND year = ?", string(employeeID), string(leaveTypeID), year))
}

// AccrualsForEmployee returns every transaction of one employee in a year.
func (s *Store) AccrualsForEmployee(ctx context.Context, employeeID core.EmployeeID, year int) ([]core.AccrualTransaction, error) {
	return s.queryAccruals(ctx, s.db.WithContext(ctx).
		Where("employee_id = ? AND year = ?", string(employeeID), year))
}

func (s *Store) queryAccruals(_ context.Context, q *gorm.DB) ([]core.AccrualTransaction, error) {
	var models []accrualModel
	if err := q.Order("seq ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	result := make([]core.AccrualTransaction, 0, len(models))
	for _, m := range models {
		result = append(result, m.toCore())
	}
	return result, nil
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&accrualModel{}).
		Where("idempotency_key = ?", idempotencyKey).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return count > 0, nil
}

func (s *Store) Get(ctx context.Context, id core.TransactionID) (*core.AccrualTransaction, error) {
	var m accrualModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	tx := m.toCore()
	return &tx, nil
}

// =============================================================================
// PAY LINE SINK (core.PayLineSink interface)
// =============================================================================

// PostLines writes the batch header and every line in one transaction. A
// second batch with the same idempotency key is rejected as a whole.
func (s *Store) PostLines(ctx context.Context, batch core.PayLineBatch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		header := payLineBatchModel{
			IdempotencyKey: batch.IdempotencyKey,
			RunID:          string(batch.RunID),
			EmployeeID:     string(batch.EmployeeID),
			PeriodStart:    date(batch.Period.Start),
			PeriodEnd:      date(batch.Period.End),
		}
		if err := tx.Create(&header).Error; err != nil {
			if isDuplicate(err) {
				return core.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("failed to insert pay line batch: %w", err)
		}

		for _, l := range batch.Lines {
			entries, _ := json.Marshal(l.EntryIDs)
			trail, _ := json.Marshal(l.RuleTrail)
			createdAt := l.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			m := payLineModel{
				ID:           l.ID,
				BatchKey:     batch.IdempotencyKey,
				RunID:        string(l.RunID),
				EmployeeID:   string(l.EmployeeID),
				PeriodStart:  date(l.Period.Start),
				PeriodEnd:    date(l.Period.End),
				EntryIDsJSON: string(entries),
				PayCode:      string(l.PayCode),
				Class:        string(l.Class),
				Hours:        l.Hours.String(),
				Rate:         l.Rate.String(),
				Amount:       l.Amount.String(),
				RuleTrail:    string(trail),
				CreatedAt:    createdAt,
			}
			if err := tx.Create(&m).Error; err != nil {
				return fmt.Errorf("failed to insert pay line: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) LinesForRun(ctx context.Context, runID core.RunID) ([]core.PayLine, error) {
	return queryLines(s.db.WithContext(ctx).
		Where("run_id = ?", string(runID)).
		Order("employee_id").Order("seq"))
}

// LinesForEmployee returns every posted line of one employee whose period
// starts within p.
func (s *Store) LinesForEmployee(ctx context.Context, employeeID core.EmployeeID, p core.Period) ([]core.PayLine, error) {
	return queryLines(s.db.WithContext(ctx).
		Where("employee_id = ? AND period_start >= ? AND period_start <= ?", string(employeeID), date(p.Start), date(p.End)).
		Order("period_start").Order("seq"))
}

func queryLines(q *gorm.DB) ([]core.PayLine, error) {
	var models []payLineModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query pay lines: %w", err)
	}
	result := make([]core.PayLine, 0, len(models))
	for _, m := range models {
		l, err := m.toCore()
		if err != nil {
			return nil, fmt.Errorf("failed to decode pay line %s: %w", m.ID, err)
		}
		result = append(result, l)
	}
	return result, nil
}

// =============================================================================
// NOTIFICATION SINK (core.NotificationSink interface)
// =============================================================================

func (s *Store) Enqueue(ctx context.Context, n core.Notification) error {
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	m := notificationModel{
		ID:             n.ID,
		EmployeeID:     string(n.EmployeeID),
		Kind:           string(n.Kind),
		Message:        n.Message,
		PeriodStart:    date(n.Period.Start),
		PeriodEnd:      date(n.Period.End),
		RunID:          string(n.RunID),
		IdempotencyKey: strPtr(n.IdempotencyKey),
		CreatedAt:      createdAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isDuplicate(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// Notifications returns queued notifications of a run, oldest first. An
// empty run id returns every notification.
func (s *Store) Notifications(ctx context.Context, runID core.RunID) ([]core.Notification, error) {
	q := s.db.WithContext(ctx)
	if runID != "" {
		q = q.Where("run_id = ?", string(runID))
	}
	var models []notificationModel
	if err := q.Order("seq").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	result := make([]core.Notification, 0, len(models))
	for _, m := range models {
		result = append(result, m.toCore())
	}
	return result, nil
}
