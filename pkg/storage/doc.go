// Package storage is the persistence adapter shared by every core component.
//
// # Overview
//
// Two relational backends are interchangeable behind one Handle: PostgreSQL
// (lib/pq) and SQLite (mattn/go-sqlite3). The backend is chosen once at
// startup from Config.Type. Core packages write queries with ? placeholders;
// the Handle rebinds them for the selected engine.
//
// # Opening a Handle
//
//	cfg := storage.DefaultConfig()
//	cfg.Type = "postgres"
//	cfg.PostgresURL = "postgres://localhost/sqlwarden?sslmode=disable"
//
//	h, err := storage.Open(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer h.Close()
//
//	applied, err := storage.Migrate(ctx, h)
//
// # Transactions
//
// InTx runs a function inside a transaction and commits when it returns nil.
// Both *Handle and *Tx satisfy Runner, so helpers such as SetSingletonFlag
// work in either:
//
//	err := h.InTx(ctx, func(tx *storage.Tx) error {
//		if _, err := tx.ExecContext(ctx, "INSERT INTO ...", args...); err != nil {
//			return err
//		}
//		return storage.SetSingletonFlag(ctx, tx, "ai_configs", "is_default", id)
//	})
//
// # Errors
//
// ErrNotFound and ErrConflict are the shared sentinels. Store packages wrap
// them in their own errors, so callers can test either with errors.Is.
// IsUniqueViolation recognises unique constraint failures on both engines.
//
// # Testing
//
// NewTestHandle returns a migrated in-memory SQLite handle. Under the
// integration build tag, SetupPostgresContainer starts a PostgreSQL container
// through testcontainers-go and returns a migrated handle against it.
package storage
