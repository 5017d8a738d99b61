package api

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_ListAndCurrent(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, w), 2)

	w = a.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `null`, w.Body.String())

	w = a.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "weekly-overtime"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "weekly-overtime", decode[ScenarioDTO](t, w).ID)
}

func TestScenarios_UnknownIsRejected(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "year-end"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScenarios_WeeklyOvertimePayroll(t *testing.T) {
	// GIVEN: The weekly-overtime scenario
	// WHEN: The week's payroll run is executed
	// THEN: ada grosses 4750.00, ben is paid, cho fails on the open entry

	a := newTestAPI(t)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "weekly-overtime"}).Code)

	w := a.do(t, http.MethodPost, "/api/runs", TriggerRunRequest{JobType: "payroll", Period: "2025-03-03..2025-03-09", Execute: true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	run := decode[RunDTO](t, w)
	assert.Equal(t, "partially_failed", run.State)
	assert.Equal(t, 2, run.Succeeded)
	assert.Equal(t, 1, run.Failed)

	byEmp := make(map[string]OutcomeDTO)
	for _, o := range run.Outcomes {
		byEmp[o.EmployeeID] = o
	}
	assert.Equal(t, "failed", byEmp["cho"].Status)
	assert.Equal(t, "data", byEmp["cho"].Kind)

	w = a.do(t, http.MethodGet, "/api/runs/"+run.ID+"/pay-lines", nil)
	require.Equal(t, http.StatusOK, w.Code)
	lines := decode[[]PayLineDTO](t, w)
	assert.Equal(t, "4750.00", sumAmounts(t, lines, "ada").StringFixed(2))
	assert.True(t, sumAmounts(t, lines, "ben").IsPositive())
	assert.True(t, sumAmounts(t, lines, "cho").Equal(decimal.Zero))

	var dt bool
	for _, l := range lines {
		if l.EmployeeID == "ben" && l.PayCode == "DT" {
			dt = true
			assert.Equal(t, "2.00", l.Hours)
		}
	}
	assert.True(t, dt, "ben's 13th and 14th hour are double time")
}
