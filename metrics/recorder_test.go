package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payrules-engine/metrics"
)

func TestPrometheusRecorder_ExposesEngineMetrics(t *testing.T) {
	r := metrics.NewPrometheusRecorder()
	r.RunStarted("payroll")
	r.RunFinished("payroll", "succeeded", 1500*time.Millisecond)
	r.EmployeeProcessed("payroll", "succeeded")
	r.EmployeeProcessed("payroll", "failed")
	r.PayLinesPosted(3)
	r.AccrualPosted("VAC", 1.25)
	r.AccrualPosted("VAC", 0)

	count, err := testutil.GatherAndCount(r.Registry(), "payrules_employee_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "payrules_pay_lines_posted_total 3")
	assert.Contains(t, rec.Body.String(), `payrules_accrual_posted_total{leave_type="VAC"} 1.25`)
}

func TestNopRecorder(t *testing.T) {
	var r metrics.Recorder = metrics.NopRecorder{}
	assert.NotPanics(t, func() {
		r.RunStarted("accrual")
		r.RunFinished("accrual", "failed", time.Second)
		r.PayLinesPosted(1)
	})
}
