// Package store provides in-memory implementations of the core interfaces.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/payrules-engine/core"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements every read and write interface of package core behind
// one RWMutex. Reads return copies.
type Memory struct {
	mu sync.RWMutex

	rules      []core.PayRule
	payCodes   map[core.PayCodeID]core.PayCode
	leaveTypes []core.LeaveType

	employees map[core.EmployeeID]core.Employee
	entries   map[core.EmployeeID][]core.TimeEntry
	balances  map[balanceKey]core.LeaveBalance

	accruals    []core.AccrualTransaction
	idempotency map[string]bool

	lines     []core.PayLine
	lineKeys  map[string]bool
	notices   []core.Notification
	noticeIdx map[string]bool

	runs     map[core.RunID]core.JobRun
	runOrder []core.RunID
	outcomes map[core.RunID]map[core.EmployeeID]core.EmployeeOutcome
}

type balanceKey struct {
	EmployeeID  core.EmployeeID
	LeaveTypeID core.LeaveTypeID
	Year        int
}

func NewMemory() *Memory {
	return &Memory{
		payCodes:    make(map[core.PayCodeID]core.PayCode),
		employees:   make(map[core.EmployeeID]core.Employee),
		entries:     make(map[core.EmployeeID][]core.TimeEntry),
		balances:    make(map[balanceKey]core.LeaveBalance),
		idempotency: make(map[string]bool),
		lineKeys:    make(map[string]bool),
		noticeIdx:   make(map[string]bool),
		runs:        make(map[core.RunID]core.JobRun),
		outcomes:    make(map[core.RunID]map[core.EmployeeID]core.EmployeeOutcome),
	}
}

// =============================================================================
// RULE STORE
// =============================================================================

// SetRules replaces the rule book. Pay codes and leave types are keyed by ID.
func (m *Memory) SetRules(rules []core.PayRule, codes []core.PayCode, leaveTypes []core.LeaveType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = append([]core.PayRule(nil), rules...)
	m.payCodes = make(map[core.PayCodeID]core.PayCode, len(codes))
	for _, c := range codes {
		m.payCodes[c.ID] = c
	}
	m.leaveTypes = append([]core.LeaveType(nil), leaveTypes...)
}

// ReplaceRules is SetRules behind the rule book admin interface.
func (m *Memory) ReplaceRules(_ context.Context, rules []core.PayRule, codes []core.PayCode, leaveTypes []core.LeaveType) error {
	m.SetRules(rules, codes, leaveTypes)
	return nil
}

// AllRules returns every rule regardless of its effective window.
func (m *Memory) AllRules(_ context.Context) ([]core.PayRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.PayRule(nil), m.rules...), nil
}

func (m *Memory) ActiveRules(_ context.Context, p core.Period) ([]core.PayRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.PayRule
	for _, r := range m.rules {
		if r.Overlaps(p) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *Memory) PayCodes(_ context.Context) (map[core.PayCodeID]core.PayCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[core.PayCodeID]core.PayCode, len(m.payCodes))
	for id, c := range m.payCodes {
		result[id] = c
	}
	return result, nil
}

func (m *Memory) LeaveTypes(_ context.Context) ([]core.LeaveType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.LeaveType(nil), m.leaveTypes...), nil
}

// =============================================================================
// COLLABORATOR DATA
// =============================================================================

func (m *Memory) SaveEmployee(_ context.Context, e core.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[e.ID] = e
	return nil
}

func (m *Memory) Employees(_ context.Context, p core.Period) ([]core.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.Employee
	for _, e := range m.employees {
		if e.ActiveDuring(p) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// SaveTimeEntry inserts or replaces an entry by ID.
func (m *Memory) SaveTimeEntry(_ context.Context, e core.TimeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.entries[e.EmployeeID]
	for i := range list {
		if list[i].ID == e.ID {
			list[i] = e
			return nil
		}
	}
	m.entries[e.EmployeeID] = append(list, e)
	return nil
}

func (m *Memory) Entries(_ context.Context, employeeID core.EmployeeID, p core.Period) ([]core.TimeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.TimeEntry
	for _, e := range m.entries[employeeID] {
		if p.Contains(e.ClockIn) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) SaveLeaveBalance(_ context.Context, b core.LeaveBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey{b.EmployeeID, b.LeaveTypeID, b.Year}] = b
	return nil
}

func (m *Memory) Balance(_ context.Context, employeeID core.EmployeeID, leaveTypeID core.LeaveTypeID, year int) (*core.LeaveBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[balanceKey{employeeID, leaveTypeID, year}]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// =============================================================================
// ACCRUAL STORE (append-only)
// =============================================================================

func (m *Memory) Append(_ context.Context, tx core.AccrualTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return core.ErrDuplicateIdempotencyKey
	}
	m.accruals = append(m.accruals, tx)
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) Load(_ context.Context, employeeID core.EmployeeID, leaveTypeID core.LeaveTypeID, year int) ([]core.AccrualTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.AccrualTransaction
	for _, tx := range m.accruals {
		if tx.EmployeeID == employeeID && tx.LeaveTypeID == leaveTypeID && tx.Year == year {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

func (m *Memory) Get(_ context.Context, id core.TransactionID) (*core.AccrualTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.accruals {
		if tx.ID == id {
			found := tx
			return &found, nil
		}
	}
	return nil, core.ErrTransactionNotFound
}

// AccrualsForEmployee returns every transaction of one employee in a year.
func (m *Memory) AccrualsForEmployee(_ context.Context, employeeID core.EmployeeID, year int) ([]core.AccrualTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.AccrualTransaction
	for _, tx := range m.accruals {
		if tx.EmployeeID == employeeID && tx.Year == year {
			result = append(result, tx)
		}
	}
	return result, nil
}

// AllAccruals returns every posted accrual transaction in order.
func (m *Memory) AllAccruals() []core.AccrualTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.AccrualTransaction(nil), m.accruals...)
}

// =============================================================================
// PAY LINE SINK
// =============================================================================

func (m *Memory) PostLines(_ context.Context, batch core.PayLineBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if batch.IdempotencyKey != "" && m.lineKeys[batch.IdempotencyKey] {
		return core.ErrDuplicateIdempotencyKey
	}
	m.lines = append(m.lines, batch.Lines...)
	if batch.IdempotencyKey != "" {
		m.lineKeys[batch.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) LinesForRun(_ context.Context, runID core.RunID) ([]core.PayLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.PayLine
	for _, l := range m.lines {
		if l.RunID == runID {
			result = append(result, l)
		}
	}
	return result, nil
}

// LinesForEmployee returns every posted line of one employee.
func (m *Memory) LinesForEmployee(employeeID core.EmployeeID) []core.PayLine {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.PayLine
	for _, l := range m.lines {
		if l.EmployeeID == employeeID {
			result = append(result, l)
		}
	}
	return result
}

// =============================================================================
// NOTIFICATION SINK
// =============================================================================

func (m *Memory) Enqueue(_ context.Context, n core.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.IdempotencyKey != "" && m.noticeIdx[n.IdempotencyKey] {
		return core.ErrDuplicateIdempotencyKey
	}
	m.notices = append(m.notices, n)
	if n.IdempotencyKey != "" {
		m.noticeIdx[n.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Notifications() []core.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.Notification(nil), m.notices...)
}

// =============================================================================
// RUN LEDGER
// =============================================================================

func (m *Memory) CreateRun(_ context.Context, run core.JobRun) (core.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.runOrder {
		existing := m.runs[id]
		if existing.Key() == run.Key() && existing.State.Active() {
			existing.Outcomes = m.outcomesLocked(id)
			return existing, &core.ConcurrencyError{JobType: run.JobType, Period: run.Period, Existing: existing}
		}
	}

	run.State = core.RunPending
	run.Outcomes = nil
	m.runs[run.ID] = run
	m.runOrder = append(m.runOrder, run.ID)
	return run, nil
}

func (m *Memory) GetRun(_ context.Context, id core.RunID) (core.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return core.JobRun{}, core.ErrRunNotFound
	}
	run.Outcomes = m.outcomesLocked(id)
	return run, nil
}

func (m *Memory) LatestRun(_ context.Context, jobType core.JobType, periodKey string) (*core.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.runOrder) - 1; i >= 0; i-- {
		run := m.runs[m.runOrder[i]]
		if run.JobType == jobType && run.Period.Key() == periodKey {
			return &run, nil
		}
	}
	return nil, nil
}

func (m *Memory) TransitionRun(_ context.Context, id core.RunID, from core.RunState, t core.RunTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return core.ErrRunNotFound
	}
	if !core.ValidRunTransition(from, t.To) {
		return core.ErrInvalidTransition
	}
	if run.State != from {
		return core.ErrStaleTransition
	}

	run.State = t.To
	at := t.At
	if t.To == core.RunRunning {
		run.StartedAt = &at
	} else {
		run.EndedAt = &at
	}
	if t.Error != "" {
		run.Error = t.Error
	}
	run.Cancelled = run.Cancelled || t.Cancelled
	m.runs[id] = run
	return nil
}

func (m *Memory) RecordOutcome(_ context.Context, o core.EmployeeOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[o.RunID]; !ok {
		return core.ErrRunNotFound
	}
	if m.outcomes[o.RunID] == nil {
		m.outcomes[o.RunID] = make(map[core.EmployeeID]core.EmployeeOutcome)
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}
	m.outcomes[o.RunID][o.EmployeeID] = o
	return nil
}

func (m *Memory) SucceededEmployees(_ context.Context, jobType core.JobType, periodKey string) (map[core.EmployeeID]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	done := make(map[core.EmployeeID]bool)
	for id, run := range m.runs {
		if run.JobType != jobType || run.Period.Key() != periodKey {
			continue
		}
		for empID, o := range m.outcomes[id] {
			if o.Status == core.OutcomeSucceeded {
				done[empID] = true
			}
		}
	}
	return done, nil
}

func (m *Memory) ListRuns(_ context.Context, f core.RunFilter) ([]core.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.JobRun
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		run := m.runs[m.runOrder[i]]
		if f.JobType != "" && run.JobType != f.JobType {
			continue
		}
		if f.PeriodKey != "" && run.Period.Key() != f.PeriodKey {
			continue
		}
		if f.State != "" && run.State != f.State {
			continue
		}
		result = append(result, run)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) outcomesLocked(id core.RunID) []core.EmployeeOutcome {
	var result []core.EmployeeOutcome
	for _, o := range m.outcomes[id] {
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EmployeeID < result[j].EmployeeID })
	return result
}
