package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Sentinel errors for connection handling.
var (
	// ErrNoDatabaseConnection is returned when an operation requires a
	// connection that was never established or has been closed.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrConnectionFailed is returned when the initial connectivity check fails.
	ErrConnectionFailed = errors.New("database connection failed")
)

// healthCheckTimeout bounds the trivial round-trip used by HealthCheck.
const healthCheckTimeout = 5 * time.Second

// Connection wraps a pooled *sql.DB with the pool settings from Config.
//
// One Connection is shared by all loaders and stores; each dimension or fact
// load acquires a transaction (and with it one pooled connection) for the
// duration of its batch and releases it on every exit path.
type Connection struct {
	db *sql.DB
}

// NewConnection opens a PostgreSQL connection pool and verifies connectivity
// with a ping bounded by cfg.ConnectTimeout.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return &Connection{db: db}, nil
}

// Close releases the underlying connection pool.
func (c *Connection) Close() error {
	if c.db == nil {
		return nil
	}

	return c.db.Close()
}

// HealthCheck performs a trivial round-trip query. Returns nil iff the
// database answered.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.db == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return nil
}

// BeginTx starts a transaction bound to one pooled connection.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if c == nil || c.db == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.db.BeginTx(ctx, opts) //nolint:wrapcheck // callers wrap with operation context
}

// QueryContext runs a query outside any transaction.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...) //nolint:wrapcheck // callers wrap with operation context
}

// QueryRowContext runs a single-row query outside any transaction.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// ExecContext runs a statement outside any transaction.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...) //nolint:wrapcheck // callers wrap with operation context
}
