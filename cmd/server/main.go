/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the pay rules engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration
  2. Build the logger
  3. Open the store (memory, sqlite, postgres or mysql)
  4. Load the rule book file when configured
  5. Wire the accrual processor, jobs and automation scheduler
  6. Fail runs a previous process left pending or running
  7. Configure the HTTP router and the cron timer
  8. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -env     dotenv file (default: .env, ignored when absent)
  -demo    Seed the demo scenarios at startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the timer and wait for scheduled runs
  2. Stop accepting new connections
  3. Wait for active requests to complete (shutdown_timeout)
  4. Close database connection

EXAMPLES:
  # In-memory store with demo data
  PAYRULES_DATABASE_DRIVER=memory ./server -demo

  # Postgres
  PAYRULES_DATABASE_DRIVER=postgres PAYRULES_DATABASE_DSN="host=db dbname=pay" ./server

SEE ALSO:
  - config/config.go: Configuration keys and environment overrides
  - api/server.go: Router configuration
  - automation/scheduler.go: Run lifecycle
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/warp/payrules-engine/accrual"
	"github.com/warp/payrules-engine/api"
	"github.com/warp/payrules-engine/automation"
	"github.com/warp/payrules-engine/config"
	"github.com/warp/payrules-engine/core"
	"github.com/warp/payrules-engine/core/store"
	"github.com/warp/payrules-engine/factory"
	"github.com/warp/payrules-engine/logger"
	"github.com/warp/payrules-engine/metrics"
	"github.com/warp/payrules-engine/store/gormstore"
	"github.com/warp/payrules-engine/store/sqlite"
)

// backend is everything the engine reads and writes. Every store
// implementation satisfies it.
type backend interface {
	api.Store
	core.Roster
	core.TimeEntrySource
	core.LeaveBalanceSource
	core.NotificationSink
	core.RunLedger
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file")
	demo := flag.Bool("demo", false, "seed the demo scenarios")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *demo {
		cfg.Demo = true
	}

	log, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func openStore(ctx context.Context, db config.DatabaseConfig) (backend, func() error, error) {
	switch db.Driver {
	case "memory":
		return store.NewMemory(), func() error { return nil }, nil
	case "sqlite":
		s, err := sqlite.New(db.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := gormstore.Open(db.Driver, db.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return s, s.Close, nil
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()

	// Validate has already accepted these, so errors are not expected.
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	weekStart, err := cfg.WeekStart()
	if err != nil {
		return err
	}
	maxLine, err := cfg.MaxLineAmount()
	if err != nil {
		return err
	}
	proration, err := accrual.ProrationByName(cfg.Engine.Proration)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer closeStore()
	log.Info("store ready", zap.String("driver", cfg.Database.Driver))

	if cfg.RulesFile != "" {
		data, err := os.ReadFile(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("read rules file: %w", err)
		}
		book, err := factory.NewRuleBookFactory().ParseFile(cfg.RulesFile, data)
		if err != nil {
			return err
		}
		if err := st.ReplaceRules(ctx, book.Rules, book.PayCodeList(), book.LeaveTypes); err != nil {
			return err
		}
		log.Info("rule book loaded", zap.String("file", cfg.RulesFile), zap.Int("rules", len(book.Rules)))
	}

	recorder := metrics.NewPrometheusRecorder()

	proc := accrual.NewProcessor(core.NewAccrualLedger(st),
		accrual.WithBalances(st),
		accrual.WithProration(proration),
		accrual.WithScale(cfg.Engine.AccrualScale),
		accrual.WithLogger(log.Named("accrual")))

	payroll := automation.NewPayrollJob(st, st, st)
	payroll.CurrencyScale = cfg.Engine.CurrencyScale
	payroll.MaxLineAmount = maxLine
	payroll.Location = loc
	payroll.WeekStart = weekStart
	payroll.Logger = log.Named("payroll")
	payroll.Metrics = recorder

	accrualJob := automation.NewAccrualJob(st, proc)
	accrualJob.Logger = log.Named("accrual")
	accrualJob.Metrics = recorder

	notify := automation.NewNotificationJob(st, st, proc, st)
	notify.DigestThreshold = cfg.Engine.DigestThreshold
	notify.Logger = log.Named("notification")

	scheduler := automation.NewScheduler(st, st,
		automation.WithWorkers(cfg.Engine.Workers),
		automation.WithLogger(log.Named("scheduler")),
		automation.WithMetrics(recorder))
	scheduler.Register(payroll)
	scheduler.Register(accrualJob)
	scheduler.Register(notify)

	if cfg.Engine.StaleRunAfter > 0 {
		stale, err := scheduler.RecoverStale(ctx, cfg.Engine.StaleRunAfter)
		if err != nil {
			return fmt.Errorf("recover stale runs: %w", err)
		}
		if len(stale) > 0 {
			log.Warn("failed stale runs", zap.Int("count", len(stale)), zap.Duration("older_than", cfg.Engine.StaleRunAfter))
		}
	}

	handler := api.NewHandler(st, scheduler, proc, log.Named("api"))
	if cfg.Demo {
		for _, id := range []string{"weekly-overtime", "monthly-accrual"} {
			if err := handler.Seed(ctx, id); err != nil {
				return fmt.Errorf("seed %s: %w", id, err)
			}
		}
	}

	timer, err := api.NewTimer(scheduler, cfg.Schedules, api.TimerOptions{
		Location:  loc,
		WeekStart: weekStart,
		Logger:    log.Named("timer"),
	})
	if err != nil {
		return err
	}
	handler.Timer = timer
	timer.Start()

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     recorder.Handler(),
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			<-timer.Stop().Done()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	select {
	case <-timer.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("scheduled runs still executing at shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
