/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults()
  2. YAML file (gopkg.in/yaml.v3), fields absent from the file keep defaults
  3. .env file (github.com/joho/godotenv), loaded into the process env
  4. PAYRULES_* environment variables

ENVIRONMENT:
  PAYRULES_SERVER_ADDR          server.addr
  PAYRULES_DATABASE_DRIVER      database.driver (memory|sqlite|postgres|mysql)
  PAYRULES_DATABASE_DSN         database.dsn
  PAYRULES_LOG_MODE             log.mode (debug|production)
  PAYRULES_LOG_LEVEL            log.level
  PAYRULES_ENGINE_WORKERS       engine.workers
  PAYRULES_ENGINE_TIMEZONE      engine.timezone
  PAYRULES_ENGINE_WEEK_START    engine.week_start
  PAYRULES_ENGINE_PRORATION     engine.proration
  PAYRULES_ENGINE_MAX_LINE      engine.max_line_amount
  PAYRULES_ENGINE_STALE_AFTER   engine.stale_run_after (Go duration, 0 disables)
  PAYRULES_RULES_FILE           rules_file
  PAYRULES_DEMO                 demo

EXAMPLE:
  server:
    addr: ":8080"
    cors_origins: ["http://localhost:5173"]
  database:
    driver: postgres
    dsn: "host=db user=pay dbname=pay sslmode=disable"
  engine:
    workers: 8
    timezone: Europe/Berlin
    week_start: monday
  schedules:
    - name: monthly-accrual
      job_type: accrual
      cron: "0 2 1 * *"
      period: previous_month
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/payrules-engine/accrual"
	"github.com/warp/payrules-engine/core"
)

const envPrefix = "PAYRULES_"

type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Database  DatabaseConfig `yaml:"database"`
	Log       LogConfig      `yaml:"log"`
	Engine    EngineConfig   `yaml:"engine"`
	Schedules []Schedule     `yaml:"schedules"`
	RulesFile string         `yaml:"rules_file"`

	// Demo seeds a small roster and rule book into an empty store.
	Demo bool `yaml:"demo"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

type EngineConfig struct {
	Workers         int    `yaml:"workers"`
	CurrencyScale   int32  `yaml:"currency_scale"`
	AccrualScale    int32  `yaml:"accrual_scale"`
	MaxLineAmount   string `yaml:"max_line_amount"` // empty means no ceiling
	Timezone        string `yaml:"timezone"`
	WeekStart       string `yaml:"week_start"`
	Proration       string `yaml:"proration"`
	DigestThreshold int    `yaml:"digest_threshold"`

	// StaleRunAfter is how long a pending or running run may sit untouched
	// before startup marks it failed. Zero disables the sweep.
	StaleRunAfter time.Duration `yaml:"stale_run_after"`
}

// Schedule fires one job type on a cron expression for a relative period
// such as previous_month.
type Schedule struct {
	Name    string `yaml:"name"`
	JobType string `yaml:"job_type"`
	Cron    string `yaml:"cron"`
	Period  string `yaml:"period"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			CORSOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "payrules.db"},
		Log:      LogConfig{Mode: "production", Level: "info"},
		Engine: EngineConfig{
			Workers:         4,
			CurrencyScale:   core.DefaultCurrencyScale,
			AccrualScale:    core.DefaultAccrualScale,
			Timezone:        "UTC",
			WeekStart:       "monday",
			Proration:       "active_days",
			DigestThreshold: 5,
			StaleRunAfter:   6 * time.Hour,
		},
	}
}

// Load reads the YAML file at path (optional) and the .env file at envFile
// (optional, missing files are ignored), applies the environment and
// validates the result.
func Load(path, envFile string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SERVER_ADDR":       &c.Server.Addr,
		"DATABASE_DRIVER":   &c.Database.Driver,
		"DATABASE_DSN":      &c.Database.DSN,
		"LOG_MODE":          &c.Log.Mode,
		"LOG_LEVEL":         &c.Log.Level,
		"ENGINE_TIMEZONE":   &c.Engine.Timezone,
		"ENGINE_WEEK_START": &c.Engine.WeekStart,
		"ENGINE_PRORATION":  &c.Engine.Proration,
		"ENGINE_MAX_LINE":   &c.Engine.MaxLineAmount,
		"RULES_FILE":        &c.RulesFile,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(envPrefix + "ENGINE_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sENGINE_WORKERS: %w", envPrefix, err)
		}
		c.Engine.Workers = n
	}
	if v, ok := lookup(envPrefix + "ENGINE_STALE_AFTER"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sENGINE_STALE_AFTER: %w", envPrefix, err)
		}
		c.Engine.StaleRunAfter = d
	}
	if v, ok := lookup(envPrefix + "DEMO"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDEMO: %w", envPrefix, err)
		}
		c.Demo = b
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs *multierror.Error

	switch c.Database.Driver {
	case "memory", "sqlite", "postgres", "mysql":
	default:
		errs = multierror.Append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		errs = multierror.Append(errs, errors.New("database.dsn: required"))
	}
	if c.Engine.Workers < 1 {
		errs = multierror.Append(errs, fmt.Errorf("engine.workers: must be at least 1, got %d", c.Engine.Workers))
	}
	if c.Engine.StaleRunAfter < 0 {
		errs = multierror.Append(errs, fmt.Errorf("engine.stale_run_after: must not be negative, got %s", c.Engine.StaleRunAfter))
	}
	if c.Engine.CurrencyScale < 0 || c.Engine.AccrualScale < 0 {
		errs = multierror.Append(errs, errors.New("engine: scales must not be negative"))
	}
	if _, err := c.MaxLineAmount(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := c.WeekStart(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := accrual.ProrationByName(c.Engine.Proration); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("engine.proration: %w", err))
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for i, s := range c.Schedules {
		name := s.Name
		if name == "" {
			name = strconv.Itoa(i)
		}
		if _, err := core.ParseJobType(s.JobType); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("schedules[%s]: %w", name, err))
		}
		if _, err := parser.Parse(s.Cron); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("schedules[%s]: invalid cron %q: %w", name, s.Cron, err))
		}
		if _, err := core.ResolvePeriod(s.Period, time.Now(), time.Monday); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("schedules[%s]: %w", name, err))
		}
	}

	if errs == nil {
		return nil
	}
	errs.ErrorFormat = func(list []error) string {
		msgs := make([]string, len(list))
		for i, err := range list {
			msgs[i] = err.Error()
		}
		return "invalid config: " + strings.Join(msgs, "; ")
	}
	return errs
}

// Location is the time zone work days are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return nil, fmt.Errorf("engine.timezone: %w", err)
	}
	return loc, nil
}

func (c *Config) WeekStart() (time.Weekday, error) {
	name := strings.ToLower(c.Engine.WeekStart)
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return time.Monday, fmt.Errorf("engine.week_start: unknown weekday %q", c.Engine.WeekStart)
}

// MaxLineAmount returns zero when no ceiling is configured.
func (c *Config) MaxLineAmount() (decimal.Decimal, error) {
	if c.Engine.MaxLineAmount == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(c.Engine.MaxLineAmount)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("engine.max_line_amount: invalid amount %q", c.Engine.MaxLineAmount)
	}
	return d, nil
}
