// Package db owns the shared Postgres pool and the transaction helpers the
// ingestion and registry components build on.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

//go:embed schema.sql
var schemaSQL string

// Config holds database connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns reasonable defaults for database connections.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Manager manages the shared connection pool.
type Manager struct {
	db     *sqlx.DB
	config Config
}

// NewManager opens and verifies the pool.
func NewManager(config Config) (*Manager, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Manager{db: db, config: config}, nil
}

// NewManagerFromDB wraps an existing pool; used by tests with sqlmock.
func NewManagerFromDB(db *sqlx.DB, config Config) *Manager {
	return &Manager{db: db, config: config}
}

// DB returns the underlying pool.
func (m *Manager) DB() *sqlx.DB { return m.db }

// QueryTimeout returns the configured per-query timeout.
func (m *Manager) QueryTimeout() time.Duration { return m.config.QueryTimeout }

// Migrate applies the embedded schema. Statements are idempotent.
func (m *Manager) Migrate(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping tests basic connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()
	return m.db.PingContext(pingCtx)
}

// Stats returns connection pool statistics for the health endpoint.
func (m *Manager) Stats() sql.DBStats {
	return m.db.Stats()
}

// Close closes the pool.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// WithSavepoint runs fn inside a named savepoint on an open transaction. A
// failing fn rolls back to the savepoint only, leaving the surrounding
// transaction usable; the fn error is returned either way.
func WithSavepoint(ctx context.Context, tx *sqlx.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to open savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint %s after %v: %w", name, err, rbErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint %s: %w", name, err)
	}
	return nil
}
