package gormstore

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payrules-engine/core"
)

// Decimals are stored as strings and civil dates as "2006-01-02" so both
// compare the same way on every dialect.

const dateLayout = "2006-01-02"

type payCodeModel struct {
	ID         string `gorm:"column:id;primaryKey;size:64"`
	ConfigJSON string `gorm:"column:config_json;type:text;not null"`
	Active     bool   `gorm:"column:active"`
	Version    int    `gorm:"column:version"`
	UpdatedAt  time.Time
}

func (payCodeModel) TableName() string { return "pay_codes" }

type payRuleModel struct {
	ID            string  `gorm:"column:id;primaryKey;size:64"`
	Name          string  `gorm:"column:name"`
	Priority      int     `gorm:"column:priority;index:idx_pay_rules_order,priority:1"`
	EffectiveFrom string  `gorm:"column:effective_from;size:10;index:idx_pay_rules_effective"`
	EffectiveTo   *string `gorm:"column:effective_to;size:10"`
	Version       int     `gorm:"column:version"`
	ConfigJSON    string  `gorm:"column:config_json;type:text;not null"`
	UpdatedAt     time.Time
}

func (payRuleModel) TableName() string { return "pay_rules" }

type leaveTypeModel struct {
	ID          string `gorm:"column:id;primaryKey;size:64"`
	Name        string `gorm:"column:name"`
	MonthlyRate string `gorm:"column:monthly_rate"`
	Cap         string `gorm:"column:cap"`
	Active      bool   `gorm:"column:active"`
}

func (leaveTypeModel) TableName() string { return "leave_types" }

type employeeModel struct {
	ID              string  `gorm:"column:id;primaryKey;size:64"`
	Name            string  `gorm:"column:name"`
	Department      string  `gorm:"column:department"`
	Role            string  `gorm:"column:role"`
	HourlyRate      string  `gorm:"column:hourly_rate"`
	HireDate        *string `gorm:"column:hire_date;size:10"`
	TerminationDate *string `gorm:"column:termination_date;size:10"`
}

func (employeeModel) TableName() string { return "employees" }

type timeEntryModel struct {
	ID           string  `gorm:"column:id;primaryKey;size:64"`
	EmployeeID   string  `gorm:"column:employee_id;size:64;index"`
	ClockIn      string  `gorm:"column:clock_in;size:40"`
	ClockOut     *string `gorm:"column:clock_out;size:40"`
	BreakMinutes int     `gorm:"column:break_minutes"`
	PayCode      string  `gorm:"column:pay_code"`
	Department   string  `gorm:"column:department"`
	Status       string  `gorm:"column:status"`
}

func (timeEntryModel) TableName() string { return "time_entries" }

type leaveBalanceModel struct {
	EmployeeID  string `gorm:"column:employee_id;primaryKey;size:64"`
	LeaveTypeID string `gorm:"column:leave_type_id;primaryKey;size:64"`
	Year        int    `gorm:"column:year;primaryKey;autoIncrement:false"`
	Accrued     string `gorm:"column:accrued"`
	Used        string `gorm:"column:used"`
	Cap         string `gorm:"column:cap"`
}

func (leaveBalanceModel) TableName() string { return "leave_balances" }

type accrualModel struct {
	Seq            uint    `gorm:"column:seq;primaryKey;autoIncrement"`
	ID             string  `gorm:"column:id;uniqueIndex;size:64"`
	EmployeeID     string  `gorm:"column:employee_id;size:64;index:idx_accruals_lookup,priority:1"`
	LeaveTypeID    string  `gorm:"column:leave_type_id;size:64;index:idx_accruals_lookup,priority:2"`
	Year           int     `gorm:"column:year;index:idx_accruals_lookup,priority:3"`
	PeriodStart    string  `gorm:"column:period_start;size:10"`
	PeriodEnd      string  `gorm:"column:period_end;size:10"`
	Delta          string  `gorm:"column:delta"`
	Reason         string  `gorm:"column:reason"`
	IdempotencyKey *string `gorm:"column:idempotency_key;uniqueIndex;size:191"`
	RunID          string  `gorm:"column:run_id;size:64"`
	ReversesID     string  `gorm:"column:reverses_id;size:64"`
	CreatedAt      time.Time
}

func (accrualModel) TableName() string { return "accrual_transactions" }

type payLineBatchModel struct {
	IdempotencyKey string `gorm:"column:idempotency_key;primaryKey;size:191"`
	RunID          string `gorm:"column:run_id;size:64"`
	EmployeeID     string `gorm:"column:employee_id;size:64"`
	PeriodStart    string `gorm:"column:period_start;size:10"`
	PeriodEnd      string `gorm:"column:period_end;size:10"`
	CreatedAt      time.Time
}

func (payLineBatchModel) TableName() string { return "pay_line_batches" }

type payLineModel struct {
	Seq          uint   `gorm:"column:seq;primaryKey;autoIncrement"`
	ID           string `gorm:"column:id;uniqueIndex;size:64"`
	BatchKey     string `gorm:"column:batch_key;size:191;index"`
	RunID        string `gorm:"column:run_id;size:64;index"`
	EmployeeID   string `gorm:"column:employee_id;size:64;index"`
	PeriodStart  string `gorm:"column:period_start;size:10"`
	PeriodEnd    string `gorm:"column:period_end;size:10"`
	EntryIDsJSON string `gorm:"column:entry_ids_json;type:text"`
	PayCode      string `gorm:"column:pay_code"`
	Class        string `gorm:"column:class"`
	Hours        string `gorm:"column:hours"`
	Rate         string `gorm:"column:rate"`
	Amount       string `gorm:"column:amount"`
	RuleTrail    string `gorm:"column:rule_trail_json;type:text"`
	CreatedAt    time.Time
}

func (payLineModel) TableName() string { return "pay_lines" }

type notificationModel struct {
	Seq            uint    `gorm:"column:seq;primaryKey;autoIncrement"`
	ID             string  `gorm:"column:id;uniqueIndex;size:64"`
	EmployeeID     string  `gorm:"column:employee_id;size:64"`
	Kind           string  `gorm:"column:kind"`
	Message        string  `gorm:"column:message;type:text"`
	PeriodStart    string  `gorm:"column:period_start;size:10"`
	PeriodEnd      string  `gorm:"column:period_end;size:10"`
	RunID          string  `gorm:"column:run_id;size:64;index"`
	IdempotencyKey *string `gorm:"column:idempotency_key;uniqueIndex;size:191"`
	CreatedAt      time.Time
}

func (notificationModel) TableName() string { return "notifications" }

type jobRunModel struct {
	Seq         uint    `gorm:"column:seq;primaryKey;autoIncrement"`
	ID          string  `gorm:"column:id;uniqueIndex;size:64"`
	JobType     string  `gorm:"column:job_type;size:32;index:idx_job_runs_slot,priority:1"`
	PeriodKey   string  `gorm:"column:period_key;size:32;index:idx_job_runs_slot,priority:2"`
	ActiveSlot  *string `gorm:"column:active_slot;uniqueIndex;size:80"`
	PeriodStart string  `gorm:"column:period_start;size:10"`
	PeriodEnd   string  `gorm:"column:period_end;size:10"`
	State       string  `gorm:"column:state;size:32"`
	Attempt     int     `gorm:"column:attempt"`
	RetryOf     string  `gorm:"column:retry_of;size:64"`
	Error       string  `gorm:"column:error;type:text"`
	Cancelled   bool    `gorm:"column:cancelled"`
	CreatedAt   time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
}

func (jobRunModel) TableName() string { return "job_runs" }

type runOutcomeModel struct {
	RunID       string `gorm:"column:run_id;primaryKey;size:64"`
	EmployeeID  string `gorm:"column:employee_id;primaryKey;size:64"`
	Status      string `gorm:"column:status;size:32"`
	Kind        string `gorm:"column:kind;size:32"`
	Message     string `gorm:"column:message;type:text"`
	EntryErrors string `gorm:"column:entry_errors_json;type:text"`
	Summary     string `gorm:"column:summary;type:text"`
	UpdatedAt   time.Time
}

func (runOutcomeModel) TableName() string { return "run_outcomes" }

// =============================================================================
// CONVERSIONS
// =============================================================================

func date(t time.Time) string { return t.Format(dateLayout) }

func parseDate(s string) time.Time {
	t, _ := time.Parse(dateLayout, s)
	return t
}

func datePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := date(*t)
	return &s
}

func parseDatePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseDate(*s)
	return &t
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func period(start, end string) core.Period {
	return core.Period{Start: parseDate(start), End: parseDate(end)}
}

func activeSlot(jobType core.JobType, p core.Period) *string {
	slot := core.RunKey(jobType, p)
	return &slot
}

func (m employeeModel) toCore() core.Employee {
	e := core.Employee{
		ID:              core.EmployeeID(m.ID),
		Name:            m.Name,
		Department:      m.Department,
		Role:            m.Role,
		HourlyRate:      dec(m.HourlyRate),
		TerminationDate: parseDatePtr(m.TerminationDate),
	}
	if hd := parseDatePtr(m.HireDate); hd != nil {
		e.HireDate = *hd
	}
	return e
}

func (m timeEntryModel) toCore() core.TimeEntry {
	e := core.TimeEntry{
		ID:           core.EntryID(m.ID),
		EmployeeID:   core.EmployeeID(m.EmployeeID),
		BreakMinutes: m.BreakMinutes,
		PayCode:      core.PayCodeID(m.PayCode),
		Department:   m.Department,
		Status:       core.EntryStatus(m.Status),
	}
	e.ClockIn, _ = time.Parse(time.RFC3339Nano, m.ClockIn)
	if m.ClockOut != nil {
		out, _ := time.Parse(time.RFC3339Nano, *m.ClockOut)
		e.ClockOut = &out
	}
	return e
}

func (m accrualModel) toCore() core.AccrualTransaction {
	return core.AccrualTransaction{
		ID:             core.TransactionID(m.ID),
		EmployeeID:     core.EmployeeID(m.EmployeeID),
		LeaveTypeID:    core.LeaveTypeID(m.LeaveTypeID),
		Year:           m.Year,
		Period:         period(m.PeriodStart, m.PeriodEnd),
		Delta:          dec(m.Delta),
		Reason:         m.Reason,
		IdempotencyKey: deref(m.IdempotencyKey),
		RunID:          core.RunID(m.RunID),
		ReversesID:     core.TransactionID(m.ReversesID),
		CreatedAt:      m.CreatedAt,
	}
}

func (m payLineModel) toCore() (core.PayLine, error) {
	l := core.PayLine{
		ID:         m.ID,
		RunID:      core.RunID(m.RunID),
		EmployeeID: core.EmployeeID(m.EmployeeID),
		Period:     period(m.PeriodStart, m.PeriodEnd),
		PayCode:    core.PayCodeID(m.PayCode),
		Class:      core.HourClass(m.Class),
		Hours:      dec(m.Hours),
		Rate:       dec(m.Rate),
		Amount:     dec(m.Amount),
		CreatedAt:  m.CreatedAt,
	}
	if err := json.Unmarshal([]byte(m.EntryIDsJSON), &l.EntryIDs); err != nil {
		return l, err
	}
	if err := json.Unmarshal([]byte(m.RuleTrail), &l.RuleTrail); err != nil {
		return l, err
	}
	return l, nil
}

func (m notificationModel) toCore() core.Notification {
	return core.Notification{
		ID:             m.ID,
		EmployeeID:     core.EmployeeID(m.EmployeeID),
		Kind:           core.NotificationKind(m.Kind),
		Message:        m.Message,
		Period:         period(m.PeriodStart, m.PeriodEnd),
		RunID:          core.RunID(m.RunID),
		IdempotencyKey: deref(m.IdempotencyKey),
		CreatedAt:      m.CreatedAt,
	}
}

func (m jobRunModel) toCore() core.JobRun {
	return core.JobRun{
		ID:        core.RunID(m.ID),
		JobType:   core.JobType(m.JobType),
		Period:    period(m.PeriodStart, m.PeriodEnd),
		State:     core.RunState(m.State),
		Attempt:   m.Attempt,
		RetryOf:   core.RunID(m.RetryOf),
		Error:     m.Error,
		Cancelled: m.Cancelled,
		CreatedAt: m.CreatedAt,
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
	}
}

func (m runOutcomeModel) toCore() (core.EmployeeOutcome, error) {
	o := core.EmployeeOutcome{
		RunID:      core.RunID(m.RunID),
		EmployeeID: core.EmployeeID(m.EmployeeID),
		Status:     core.OutcomeStatus(m.Status),
		Kind:       core.ErrorKind(m.Kind),
		Message:    m.Message,
		Summary:    m.Summary,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.EntryErrors != "" {
		if err := json.Unmarshal([]byte(m.EntryErrors), &o.EntryErrors); err != nil {
			return o, err
		}
	}
	return o, nil
}
