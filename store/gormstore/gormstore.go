/*
Package gormstore implements the engine's storage interfaces on GORM.

PURPOSE:
  Production deployments keep the rule book, collaborator data, ledgers
  and the run ledger in PostgreSQL or MySQL. GORM hides the dialect; the
  same code runs on SQLite in tests.

DIALECTS:
  "postgres" gorm.io/driver/postgres
  "mysql"    gorm.io/driver/mysql
  "sqlite"   gorm.io/driver/sqlite
  Further dialects can be added with RegisterDialector.

RUN LEDGER CONCURRENCY:
  MySQL has no partial indexes, so job_runs carries an active_slot column:
  "<job type>/<period key>" while the run is pending, running or succeeded
  and NULL afterwards. A unique index on active_slot admits one active run
  per slot on every dialect (NULLs never collide).

SEE ALSO:
  - core/store.go: Interface definitions
  - store/sqlite: database/sql implementation with the same schema ideas
*/
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DialectorFactory opens a gorm.Dialector for a DSN.
type DialectorFactory func(dsn string) (gorm.Dialector, error)

var (
	dialectorRegistry = map[string]DialectorFactory{
		"postgres": func(dsn string) (gorm.Dialector, error) { return postgres.Open(dsn), nil },
		"mysql": func(dsn string) (gorm.Dialector, error) {
			if !strings.Contains(dsn, "parseTime") {
				return nil, errors.New("mysql dsn must set parseTime=true")
			}
			return mysql.Open(dsn), nil
		},
		"sqlite": func(dsn string) (gorm.Dialector, error) {
			if dsn == "" {
				return nil, errors.New("sqlite database path cannot be empty")
			}
			return sqlite.Open(dsn), nil
		},
	}
	dialectorMutex sync.RWMutex
)

// RegisterDialector registers a DialectorFactory for the given driver name.
func RegisterDialector(driver string, factory DialectorFactory) {
	dialectorMutex.Lock()
	defer dialectorMutex.Unlock()
	dialectorRegistry[driver] = factory
}

// GetDialectorFactory retrieves the DialectorFactory for the driver name.
func GetDialectorFactory(driver string) (DialectorFactory, error) {
	dialectorMutex.RLock()
	defer dialectorMutex.RUnlock()
	factory, ok := dialectorRegistry[driver]
	if !ok {
		return nil, fmt.Errorf("no dialector registered for database type: %s", driver)
	}
	return factory, nil
}

// Store implements every storage interface of package core on GORM.
type Store struct {
	db *gorm.DB
}

// Open connects to the database and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	factory, err := GetDialectorFactory(driver)
	if err != nil {
		return nil, err
	}
	dialector, err := factory(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// New wraps an open GORM handle without migrating it.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&payCodeModel{}, &payRuleModel{}, &leaveTypeModel{},
		&employeeModel{}, &timeEntryModel{}, &leaveBalanceModel{},
		&accrualModel{}, &payLineBatchModel{}, &payLineModel{},
		&notificationModel{}, &jobRunModel{}, &runOutcomeModel{},
	)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "Duplicate entry")
}
