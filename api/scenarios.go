/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a rule book,
	a roster and collaborator data, so a run can be triggered right away.

AVAILABLE SCENARIOS:

	weekly-overtime: 45h week with weekly overtime, a daily-overtime case
	                 and an employee with an open entry (partial failure)
	monthly-accrual: Full month, mid-month hire and an employee at the cap

HOW SCENARIOS WORK:
 1. Replace the rule book from JSON via the factory
 2. Upsert employees
 3. Upsert time entries, leave balances and opening accruals

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "weekly-overtime"}
	POST /api/runs
	{"job_type": "payroll", "period": "2025-03-03..2025-03-09", "execute": true}

NOTE:

	Scenarios upsert; they do not clear ledgers. Use a fresh database for
	repeatable demos.

SEE ALSO:
  - handlers.go: Handler and Store
  - factory/rulebook.go: Rule book JSON
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payrules-engine/core"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "weekly-overtime",
		Name:        "Weekly Overtime",
		Description: "Week of 2025-03-03: 45h at 100/h (4750.00 gross), a 14h day, one open entry",
	},
	{
		ID:          "monthly-accrual",
		Name:        "Monthly Accrual",
		Description: "March 2025 vacation accrual: full month, hire on the 17th, employee at cap",
	},
}

const demoRuleBook = `{
  "pay_codes": [
    {"id": "REG", "label": "Regular", "category": "regular", "multiplier": "1"},
    {"id": "OT", "label": "Overtime", "category": "premium", "multiplier": "1.5"},
    {"id": "DT", "label": "Double time", "category": "premium", "multiplier": "2"},
    {"id": "VAC", "label": "Vacation", "category": "absence"}
  ],
  "leave_types": [
    {"id": "VAC", "name": "Vacation", "monthly_rate": "1.25", "cap": "15"},
    {"id": "SICK", "name": "Sick leave", "monthly_rate": "0.5"}
  ],
  "rules": [
    {"id": "base", "name": "Base rate", "priority": 10, "effective_from": "2024-01-01",
     "directive": {"kind": "flat", "policy": "replace"}},
    {"id": "daily-ot", "name": "Daily overtime", "priority": 20, "effective_from": "2024-01-01",
     "threshold": {"window": "day", "limit": 8},
     "directive": {"kind": "tiered", "policy": "stack", "tiers": [
       {"up_to": 12, "multiplier": "1.5", "pay_code": "OT"},
       {"multiplier": "2", "pay_code": "DT"}
     ]}},
    {"id": "weekly-ot", "name": "Weekly overtime", "priority": 30, "effective_from": "2024-01-01",
     "threshold": {"window": "week", "limit": 40},
     "directive": {"kind": "flat", "policy": "stack", "output_pay_code": "OT"}}
  ]
}`

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, null if none.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Seed(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("%q", req.ScenarioID))
			return
		}
		writeEngineError(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

var errUnknownScenario = errors.New("unknown scenario")

// Seed loads a scenario into the store. cmd/server calls it for -demo.
func (h *Handler) Seed(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "weekly-overtime":
		load = h.loadWeeklyOvertimeScenario
	case "monthly-accrual":
		load = h.loadMonthlyAccrualScenario
	default:
		return errUnknownScenario
	}

	book, err := h.Factory.Parse([]byte(demoRuleBook))
	if err != nil {
		return fmt.Errorf("demo rule book: %w", err)
	}
	if err := h.Store.ReplaceRules(ctx, book.Rules, book.PayCodeList(), book.LeaveTypes); err != nil {
		return err
	}
	if err := load(ctx); err != nil {
		return err
	}
	h.currentScenario = id
	h.Logger.Sugar().Infof("loaded scenario %s", id)
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

var demoHire = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func (h *Handler) saveEmployees(ctx context.Context, emps ...core.Employee) error {
	for _, e := range emps {
		if err := h.Store.SaveEmployee(ctx, e); err != nil {
			return fmt.Errorf("save employee %s: %w", e.ID, err)
		}
	}
	return nil
}

// shift records an approved entry starting at 08:00 UTC on the given March day.
func (h *Handler) shift(ctx context.Context, emp core.EmployeeID, day int, hours float64, status core.EntryStatus) error {
	in := time.Date(2025, time.March, day, 8, 0, 0, 0, time.UTC)
	e := core.TimeEntry{
		ID:         core.EntryID(fmt.Sprintf("%s-2025-03-%02d", emp, day)),
		EmployeeID: emp,
		ClockIn:    in,
		PayCode:    "REG",
		Status:     status,
	}
	if status != core.EntryOpen {
		out := in.Add(time.Duration(hours * float64(time.Hour)))
		e.ClockOut = &out
	}
	return h.Store.SaveTimeEntry(ctx, e)
}

func (h *Handler) loadWeeklyOvertimeScenario(ctx context.Context) error {
	err := h.saveEmployees(ctx,
		core.Employee{ID: "ada", Name: "Ada Lovelace", Department: "ops", Role: "operator", HourlyRate: decimal.NewFromInt(100), HireDate: demoHire},
		core.Employee{ID: "ben", Name: "Ben Okafor", Department: "ops", Role: "operator", HourlyRate: decimal.NewFromInt(40), HireDate: demoHire},
		core.Employee{ID: "cho", Name: "Cho Min", Department: "warehouse", Role: "picker", HourlyRate: decimal.NewFromInt(30), HireDate: demoHire},
	)
	if err != nil {
		return err
	}

	// ada: five 9h days. Daily OT takes 1h a day, weekly OT nothing.
	for d := 3; d <= 7; d++ {
		if err := h.shift(ctx, "ada", d, 9, core.EntryApproved); err != nil {
			return err
		}
	}
	// ben: 8h days and one 14h Wednesday, double time past the 12th hour.
	for d, hours := range map[int]float64{3: 8, 4: 8, 5: 14, 6: 8} {
		if err := h.shift(ctx, "ben", d, hours, core.EntryApproved); err != nil {
			return err
		}
	}
	// cho: Friday is still clocked in, so cho fails and the run is partially failed.
	if err := h.shift(ctx, "cho", 3, 8, core.EntryApproved); err != nil {
		return err
	}
	return h.shift(ctx, "cho", 7, 0, core.EntryOpen)
}

func (h *Handler) loadMonthlyAccrualScenario(ctx context.Context) error {
	err := h.saveEmployees(ctx,
		core.Employee{ID: "dee", Name: "Dee Ramos", HourlyRate: decimal.NewFromInt(35), HireDate: demoHire},
		core.Employee{ID: "eli", Name: "Eli Novak", HourlyRate: decimal.NewFromInt(35), HireDate: time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC)},
		core.Employee{ID: "fay", Name: "Fay Sato", HourlyRate: decimal.NewFromInt(35), HireDate: demoHire},
	)
	if err != nil {
		return err
	}

	// fay already holds the full vacation cap for 2025.
	opening := core.AccrualTransaction{
		ID:             "opening-fay-VAC-2025",
		EmployeeID:     "fay",
		LeaveTypeID:    "VAC",
		Year:           2025,
		Period:         core.MonthPeriod(2025, time.January),
		Delta:          decimal.NewFromInt(15),
		Reason:         "opening balance",
		IdempotencyKey: "opening/fay/VAC/2025",
	}
	if err := h.Store.Append(ctx, opening); err != nil && !errors.Is(err, core.ErrDuplicateIdempotencyKey) {
		return err
	}
	return h.Store.SaveLeaveBalance(ctx, core.LeaveBalance{
		EmployeeID: "dee", LeaveTypeID: "VAC", Year: 2025, Used: decimal.NewFromInt(2), Cap: decimal.NewFromInt(15),
	})
}
