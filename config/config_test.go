package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 6*time.Hour, cfg.Engine.StaleRunAfter)

	wd, err := cfg.WeekStart()
	require.NoError(t, err)
	assert.Equal(t, time.Monday, wd)
	max, err := cfg.MaxLineAmount()
	require.NoError(t, err)
	assert.True(t, max.IsZero())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	// GIVEN: A YAML file, a .env file and a process variable
	// WHEN: The config is loaded
	// THEN: Each later source overrides the earlier ones, untouched fields keep defaults

	path := writeFile(t, "payrules.yaml", `
server:
  addr: ":9090"
  shutdown_timeout: 5s
database:
  driver: postgres
  dsn: "host=db dbname=pay"
engine:
  workers: 8
  timezone: Europe/Berlin
  week_start: sun
  max_line_amount: "10000"
  stale_run_after: 90m
schedules:
  - name: monthly-accrual
    job_type: accrual
    cron: "0 2 1 * *"
    period: previous_month
`)
	envFile := writeFile(t, ".env", "PAYRULES_LOG_MODE=debug\nPAYRULES_ENGINE_WORKERS=2\n")
	t.Setenv("PAYRULES_SERVER_ADDR", ":7070")
	t.Cleanup(func() {
		os.Unsetenv("PAYRULES_LOG_MODE")
		os.Unsetenv("PAYRULES_ENGINE_WORKERS")
	})

	cfg, err := Load(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "debug", cfg.Log.Mode)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, 90*time.Minute, cfg.Engine.StaleRunAfter)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "previous_month", cfg.Schedules[0].Period)

	wd, err := cfg.WeekStart()
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, wd)
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
	max, err := cfg.MaxLineAmount()
	require.NoError(t, err)
	assert.Equal(t, "10000", max.String())
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Driver = "oracle"
	cfg.Engine.Workers = 0
	cfg.Engine.Timezone = "Mars/Olympus"
	cfg.Engine.WeekStart = "someday"
	cfg.Engine.Proration = "weekly"
	cfg.Engine.MaxLineAmount = "-1"
	cfg.Engine.StaleRunAfter = -time.Minute
	cfg.Schedules = []Schedule{{Name: "bad", JobType: "billing", Cron: "every day", Period: "last_year"}}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"database.driver", "engine.workers", "engine.timezone", "engine.week_start",
		"engine.proration", "engine.max_line_amount", "engine.stale_run_after", "unknown job type", "invalid cron", "last_year",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestApplyEnv_RejectsMalformedNumbers(t *testing.T) {
	cfg := Defaults()
	lookup := func(key string) (string, bool) {
		if key == "PAYRULES_ENGINE_WORKERS" {
			return "many", true
		}
		return "", false
	}
	assert.Error(t, cfg.applyEnv(lookup))
}

func TestApplyEnv_StaleRunAfter(t *testing.T) {
	cfg := Defaults()
	env := map[string]string{"PAYRULES_ENGINE_STALE_AFTER": "0"}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Zero(t, cfg.Engine.StaleRunAfter)

	env["PAYRULES_ENGINE_STALE_AFTER"] = "soon"
	assert.Error(t, cfg.applyEnv(lookup))
}
