package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a unique constraint.
	ErrConflict = errors.New("conflict")
	// ErrUnknownBackend is returned by Open for an unsupported Config.Type.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Backend is the capability interface implemented by each relational engine.
// Core packages never talk to an engine directly; they go through a Handle.
type Backend interface {
	// Name returns the backend identifier ("postgres" or "sqlite").
	Name() string
	// DB returns the underlying connection pool.
	DB() *sql.DB
	// Rebind converts a query written with ? placeholders into the
	// engine's native placeholder syntax.
	Rebind(query string) string
	// IsUniqueViolation reports whether err came from a unique constraint.
	IsUniqueViolation(err error) bool
	// Migrations returns the ordered schema migrations for this engine.
	Migrations() []Migration
	Close() error
}

// Runner is the query surface shared by Handle and Tx. Queries use ?
// placeholders regardless of backend.
type Runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config for storage backend
type Config struct {
	Type string // "postgres" or "sqlite"

	// PostgreSQL config
	PostgresURL string

	// SQLite config
	SQLitePath string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:            "sqlite",
		SQLitePath:      "sqlwarden.db",
		MaxOpenConns:    20,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}
