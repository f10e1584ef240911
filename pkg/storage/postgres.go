package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

type postgresBackend struct {
	db *sql.DB
}

func openPostgres(ctx context.Context, cfg Config) (*postgresBackend, error) {
	if cfg.PostgresURL == "" {
		return nil, errors.New("postgres URL is required")
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := ping(ctx, db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &postgresBackend{db: db}, nil
}

func (b *postgresBackend) Name() string { return "postgres" }

func (b *postgresBackend) DB() *sql.DB { return b.db }

func (b *postgresBackend) Rebind(query string) string { return rebindDollar(query) }

func (b *postgresBackend) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

func (b *postgresBackend) Migrations() []Migration {
	return buildMigrations(postgresDialect)
}

func (b *postgresBackend) Close() error { return b.db.Close() }

func ping(ctx context.Context, db *sql.DB, cfg Config) error {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return db.PingContext(ctx)
}
