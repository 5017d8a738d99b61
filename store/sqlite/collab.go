package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/warp/payrules-engine/core"
)

// =============================================================================
// ROSTER (core.Roster interface)
// =============================================================================

func (s *Store) SaveEmployee(ctx context.Context, e core.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hire sql.NullString
	if !e.HireDate.IsZero() {
		hire = sql.NullString{String: formatDate(e.HireDate), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (id, name, department, role, hourly_rate, hire_date, termination_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			department = excluded.department,
			role = excluded.role,
			hourly_rate = excluded.hourly_rate,
			hire_date = excluded.hire_date,
			termination_date = excluded.termination_date`,
		string(e.ID), e.Name, e.Department, e.Role, e.HourlyRate.String(), hire, nullDate(e.TerminationDate))
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

// Employees returns the employees active on at least one day of p, by ID.
func (s *Store) Employees(ctx context.Context, p core.Period) ([]core.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, department, role, hourly_rate, hire_date, termination_date
		FROM employees
		WHERE (hire_date IS NULL OR hire_date <= ?)
		  AND (termination_date IS NULL OR termination_date >= ?)
		ORDER BY id`,
		formatDate(p.End), formatDate(p.Start))
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var result []core.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// GetEmployee returns one employee or nil if unknown.
func (s *Store) GetEmployee(ctx context.Context, id core.EmployeeID) (*core.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, department, role, hourly_rate, hire_date, termination_date
		FROM employees WHERE id = ?`, string(id))
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEmployee(row scanner) (core.Employee, error) {
	var (
		e                core.Employee
		dept, role, hire sql.NullString
		term             sql.NullString
		rate             string
	)
	if err := row.Scan(&e.ID, &e.Name, &dept, &role, &rate, &hire, &term); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan employee: %w", err)
	}
	e.Department = dept.String
	e.Role = role.String
	e.HourlyRate = parseDecimal(rate)
	if hire.Valid {
		e.HireDate = parseDate(hire.String)
	}
	e.TerminationDate = timePtr(term, parseDate)
	return e, nil
}

// =============================================================================
// TIME ENTRIES (core.TimeEntrySource interface)
// =============================================================================

// SaveTimeEntry inserts or replaces an entry by ID. Clock times keep their
// UTC offset so the civil date of an entry survives the round trip.
func (s *Store) SaveTimeEntry(ctx context.Context, e core.TimeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO time_entries (id, employee_id, clock_in, clock_out, break_minutes, pay_code, department, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			employee_id = excluded.employee_id,
			clock_in = excluded.clock_in,
			clock_out = excluded.clock_out,
			break_minutes = excluded.break_minutes,
			pay_code = excluded.pay_code,
			department = excluded.department,
			status = excluded.status`,
		string(e.ID), string(e.EmployeeID), formatTime(e.ClockIn), nullTime(e.ClockOut),
		e.BreakMinutes, nullString(string(e.PayCode)), nullString(e.Department), string(e.Status))
	if err != nil {
		return fmt.Errorf("failed to save time entry: %w", err)
	}
	return nil
}

// Entries returns the employee's entries whose clock-in date falls in p.
// Offsets differ between entries, so the date filter runs in Go.
func (s *Store) Entries(ctx context.Context, employeeID core.EmployeeID, p core.Period) ([]core.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employee_id, clock_in, clock_out, break_minutes, pay_code, department, status
		FROM time_entries WHERE employee_id = ?`, string(employeeID))
	if err != nil {
		return nil, fmt.Errorf("failed to query time entries: %w", err)
	}
	defer rows.Close()

	var result []core.TimeEntry
	for rows.Next() {
		var (
			e                   core.TimeEntry
			clockIn             string
			clockOut, code, dep sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EmployeeID, &clockIn, &clockOut, &e.BreakMinutes, &code, &dep, &e.Status); err != nil {
			return nil, fmt.Errorf("failed to scan time entry: %w", err)
		}
		e.ClockIn = parseTime(clockIn)
		e.ClockOut = timePtr(clockOut, parseTime)
		e.PayCode = core.PayCodeID(code.String)
		e.Department = dep.String
		if p.Contains(e.ClockIn) {
			result = append(result, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClockIn.Before(result[j].ClockIn) })
	return result, nil
}

// =============================================================================
// LEAVE BALANCES (core.LeaveBalanceSource interface)
// =============================================================================

func (s *Store) SaveLeaveBalance(ctx context.Context, b core.LeaveBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leave_balances (employee_id, leave_type_id, year, accrued, used, cap)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(employee_id, leave_type_id, year) DO UPDATE SET
			accrued = excluded.accrued,
			used = excluded.used,
			cap = excluded.cap`,
		string(b.EmployeeID), string(b.LeaveTypeID), b.Year, b.Accrued.String(), b.Used.String(), b.Cap.String())
	if err != nil {
		return fmt.Errorf("failed to save leave balance: %w", err)
	}
	return nil
}

// Balance returns nil without error when no row exists.
func (s *Store) Balance(ctx context.Context, employeeID core.EmployeeID, leaveTypeID core.LeaveTypeID, year int) (*core.LeaveBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var accrued, used, capValue string
	err := s.db.QueryRowContext(ctx, `
		SELECT accrued, used, cap FROM leave_balances
		WHERE employee_id = ? AND leave_type_id = ? AND year = ?`,
		string(employeeID), string(leaveTypeID), year).Scan(&accrued, &used, &capValue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query leave balance: %w", err)
	}
	return &core.LeaveBalance{
		EmployeeID:  employeeID,
		LeaveTypeID: leaveTypeID,
		Year:        year,
		Accrued:     parseDecimal(accrued),
		Used:        parseDecimal(used),
		Cap:         parseDecimal(capValue),
	}, nil
}
