package infrastructure

import (
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/iotserver/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

type Database struct {
	*gorm.DB
	Driver string
}

// NewDatabase opens the configured backend. A postgres connection is retried
// with exponential backoff; when it still fails and fallback is enabled the
// service continues on the local SQLite file.
func NewDatabase(cfg config.DatabaseConfig, logger *logrus.Logger) (*Database, error) {
	gormCfg := &gorm.Config{
		Logger:         newGormLogger(logger, cfg.SlowThreshold),
		TranslateError: true,
	}

	if cfg.Driver == DialectPostgres {
		db, err := openPostgres(cfg, gormCfg, logger)
		if err == nil {
			return db, nil
		}
		if !cfg.FallbackToSQLite {
			return nil, err
		}
		logger.WithError(err).WithField("sqlite_path", cfg.SQLitePath).
			Warn("Postgres unavailable, falling back to SQLite")
	}

	return openSQLite(cfg.SQLitePath, gormCfg)
}

// NewSQLiteDatabase opens a SQLite database at path. Used by the migrate
// command for local files and by tests.
func NewSQLiteDatabase(path string, logger *logrus.Logger) (*Database, error) {
	return openSQLite(path, &gorm.Config{
		Logger:         newGormLogger(logger, 0),
		TranslateError: true,
	})
}

func openPostgres(cfg config.DatabaseConfig, gormCfg *gorm.Config, logger *logrus.Logger) (*Database, error) {
	var db *gorm.DB
	connect := func() error {
		var err error
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			logger.WithError(err).Warn("Database connection attempt failed")
		}
		return err
	}

	var policy backoff.BackOff = backoff.NewExponentialBackOff()
	if cfg.ConnectRetries > 0 {
		policy = backoff.WithMaxRetries(policy, cfg.ConnectRetries)
	}
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Database{DB: db, Driver: DialectPostgres}, nil
}

func openSQLite(path string, gormCfg *gorm.Config) (*Database, error) {
	dsn := path + "?_foreign_keys=1&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	return &Database{DB: db, Driver: DialectSQLite}, nil
}

func (d *Database) Migrate(models ...interface{}) error {
	return d.AutoMigrate(models...)
}

// Ping checks that the database answers.
func (d *Database) Ping() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close gracefully terminates the database connection.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Dialect returns the name of the dialect behind db.
func Dialect(db *gorm.DB) string {
	return db.Dialector.Name()
}

// IsDuplicateError reports whether err is a unique constraint violation.
func IsDuplicateError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func newGormLogger(logger *logrus.Logger, slow time.Duration) gormlogger.Interface {
	if slow <= 0 {
		slow = 500 * time.Millisecond
	}
	return gormlogger.New(logger, gormlogger.Config{
		SlowThreshold:             slow,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}
