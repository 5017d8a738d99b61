package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payrules-engine/config"
	"github.com/warp/payrules-engine/core"
)

func TestTimer_FireResolvesRelativePeriod(t *testing.T) {
	// GIVEN: A monthly accrual schedule and a clock on 2025-04-02
	// WHEN: The schedule fires
	// THEN: The March accrual run is executed and reported as the last run

	a := newTestAPI(t)
	a.seedWeek(t)

	timer, err := NewTimer(a.handler.Scheduler, []config.Schedule{
		{Name: "monthly-accrual", JobType: "accrual", Cron: "0 2 1 * *", Period: "previous_month"},
	}, TimerOptions{Now: a.handler.Now, WeekStart: time.Monday})
	require.NoError(t, err)

	run, err := timer.Fire(context.Background(), "monthly-accrual", core.JobAccrual, "previous_month")
	require.NoError(t, err)
	assert.Equal(t, core.RunSucceeded, run.State)
	assert.Equal(t, "2025-03", run.Period.Key())

	// Firing again for the same month returns the finished run.
	again, err := timer.Fire(context.Background(), "monthly-accrual", core.JobAccrual, "previous_month")
	require.NoError(t, err)
	assert.Equal(t, run.ID, again.ID)

	statuses := timer.Schedules()
	require.Len(t, statuses, 1)
	assert.Equal(t, run.ID, statuses[0].LastRun)
	assert.Equal(t, core.JobAccrual, statuses[0].JobType)

	a.handler.Timer = timer
	w := a.do(t, http.MethodGet, "/api/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"monthly-accrual"`)
}

func TestTimer_StartStop(t *testing.T) {
	a := newTestAPI(t)
	timer, err := NewTimer(a.handler.Scheduler, []config.Schedule{
		{Name: "weekly-payroll", JobType: "payroll", Cron: "@weekly", Period: "previous_week"},
	}, TimerOptions{})
	require.NoError(t, err)

	timer.Start()
	require.Eventually(t, func() bool { return !timer.Schedules()[0].Next.IsZero() }, time.Second, 10*time.Millisecond)

	select {
	case <-timer.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestNewTimer_RejectsInvalidSchedules(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name      string
		schedules []config.Schedule
	}{
		{"job type", []config.Schedule{{Name: "x", JobType: "billing", Cron: "@daily", Period: "yesterday"}}},
		{"cron", []config.Schedule{{Name: "x", JobType: "payroll", Cron: "every day", Period: "yesterday"}}},
		{"period", []config.Schedule{{Name: "x", JobType: "payroll", Cron: "@daily", Period: "last_decade"}}},
		{"duplicate name", []config.Schedule{
			{Name: "x", JobType: "payroll", Cron: "@daily", Period: "yesterday"},
			{Name: "x", JobType: "accrual", Cron: "@monthly", Period: "previous_month"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTimer(a.handler.Scheduler, tt.schedules, TimerOptions{})
			assert.Error(t, err)
		})
	}
}
