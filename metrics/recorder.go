// Package metrics records engine activity for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the scheduler and its jobs report to.
type Recorder interface {
	RunStarted(jobType string)
	RunFinished(jobType, state string, duration time.Duration)
	EmployeeProcessed(jobType, status string)
	PayLinesPosted(n int)
	AccrualPosted(leaveType string, delta float64)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RunStarted(string)                         {}
func (NopRecorder) RunFinished(string, string, time.Duration) {}
func (NopRecorder) EmployeeProcessed(string, string)          {}
func (NopRecorder) PayLinesPosted(int)                        {}
func (NopRecorder) AccrualPosted(string, float64)             {}

// PrometheusRecorder keeps its collectors on a private registry so several
// instances can coexist in one process (tests, embedded engines).
type PrometheusRecorder struct {
	registry *prometheus.Registry

	runsStarted     *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	employeeOutcome *prometheus.CounterVec
	payLines        prometheus.Counter
	accrualDelta    *prometheus.CounterVec
}

func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrules_runs_started_total",
			Help: "Job runs moved to running, by job type.",
		}, []string{"job_type"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrules_runs_finished_total",
			Help: "Job runs reaching a terminal state, by job type and state.",
		}, []string{"job_type", "state"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payrules_run_duration_seconds",
			Help:    "Wall time of job runs from start to terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_type", "state"}),
		employeeOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrules_employee_outcomes_total",
			Help: "Per-employee outcomes, by job type and status.",
		}, []string{"job_type", "status"}),
		payLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payrules_pay_lines_posted_total",
			Help: "Calculated pay lines posted to the payroll sink.",
		}),
		accrualDelta: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrules_accrual_posted_total",
			Help: "Sum of accrual deltas posted, by leave type.",
		}, []string{"leave_type"}),
	}

	registry.MustRegister(r.runsStarted)
	registry.MustRegister(r.runsFinished)
	registry.MustRegister(r.runDuration)
	registry.MustRegister(r.employeeOutcome)
	registry.MustRegister(r.payLines)
	registry.MustRegister(r.accrualDelta)
	return r
}

func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *PrometheusRecorder) RunStarted(jobType string) {
	r.runsStarted.WithLabelValues(jobType).Inc()
}

func (r *PrometheusRecorder) RunFinished(jobType, state string, duration time.Duration) {
	r.runsFinished.WithLabelValues(jobType, state).Inc()
	r.runDuration.WithLabelValues(jobType, state).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) EmployeeProcessed(jobType, status string) {
	r.employeeOutcome.WithLabelValues(jobType, status).Inc()
}

func (r *PrometheusRecorder) PayLinesPosted(n int) {
	r.payLines.Add(float64(n))
}

func (r *PrometheusRecorder) AccrualPosted(leaveType string, delta float64) {
	if delta <= 0 {
		return
	}
	r.accrualDelta.WithLabelValues(leaveType).Add(delta)
}
