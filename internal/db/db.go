package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/erpbridge/migrations"
	"github.com/livinlefevreloca/erpbridge/tools/migrator"
)

// DB wraps sql.DB with additional context
type DB struct {
	*sql.DB
	driver string
}

// Tx wraps sql.Tx with additional context
type Tx struct {
	*sql.Tx
	db *DB
}

// Config holds database connection configuration
type Config struct {
	Driver          string        `toml:"driver"`
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `toml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `toml:"connect_timeout"`
	SkipMigrations  bool          `toml:"skip_migrations"`
}

// DefaultConfig returns a file-backed SQLite database in the working directory
func DefaultConfig() Config {
	return Config{
		Driver:         "sqlite3",
		DSN:            "file:erpbridge.db?_busy_timeout=5000&_journal_mode=WAL",
		MaxOpenConns:   1,
		MaxIdleConns:   1,
		ConnectTimeout: 30 * time.Second,
	}
}

// Standard errors
var (
	ErrNotFound   = errors.New("db: not found")
	ErrDuplicate  = errors.New("db: duplicate key")
	ErrForeignKey = errors.New("db: foreign key violation")
)

// Open creates a new database connection
func Open(driver, dsn string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := enableForeignKeys(db, driver); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{
		DB:     db,
		driver: driver,
	}, nil
}

// OpenWithConfig opens the configured database, retrying the initial ping
// with exponential backoff until ConnectTimeout elapses.
func OpenWithConfig(ctx context.Context, config Config, logger *slog.Logger) (*DB, error) {
	sqlDB, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", config.Driver, err)
	}

	// Apply connection pool settings
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = config.ConnectTimeout
	err = backoff.Retry(func() error {
		if err := sqlDB.PingContext(ctx); err != nil {
			logger.Info("waiting for database", "driver", config.Driver, "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := enableForeignKeys(sqlDB, config.Driver); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{
		DB:     sqlDB,
		driver: config.Driver,
	}, nil
}

func enableForeignKeys(db *sql.DB, driver string) error {
	if driver != "sqlite3" {
		return nil
	}
	_, err := db.Exec("PRAGMA foreign_keys = ON")
	return err
}

// Migrate applies the embedded schema and returns the versions it applied
func (db *DB) Migrate(ctx context.Context, logger *slog.Logger) ([]int, error) {
	return migrator.Run(ctx, db.DB, migrations.Files, logger)
}

// Driver returns the database driver name
func (db *DB) Driver() string {
	return db.driver
}

// Begin starts a new transaction
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

// WithTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error
func (db *DB) WithTransaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Error classification functions

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKey checks if error is a foreign key error
func IsForeignKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrForeignKey) {
		return true
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
