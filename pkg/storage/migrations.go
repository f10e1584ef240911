package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

type dialect struct {
	timestamp string
	json      string
	trueLit   string
}

var (
	postgresDialect = dialect{timestamp: "TIMESTAMPTZ", json: "JSONB", trueLit: "TRUE"}
	sqliteDialect   = dialect{timestamp: "TIMESTAMP", json: "TEXT", trueLit: "1"}
)

func (d dialect) render(sql string) string {
	return strings.NewReplacer(
		"{{ts}}", d.timestamp,
		"{{json}}", d.json,
		"{{true}}", d.trueLit,
	).Replace(sql)
}

func buildMigrations(d dialect) []Migration {
	migrations := schemaMigrations()
	for i := range migrations {
		migrations[i].SQL = d.render(migrations[i].SQL)
	}
	return migrations
}

func schemaMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					email TEXT NOT NULL UNIQUE,
					username TEXT NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					display_name TEXT NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT {{true}},
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					last_login_at {{ts}},
					password_changed_at {{ts}},
					metadata {{json}} NOT NULL DEFAULT '{}',
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_users_is_active ON users(is_active);
			`,
		},
		{
			Version:     2,
			Description: "Create roles and permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					priority INTEGER NOT NULL DEFAULT 0,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_single_default ON roles(is_default) WHERE is_default = {{true}};

				CREATE TABLE IF NOT EXISTS permissions (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					category TEXT NOT NULL DEFAULT '',
					created_at {{ts}} NOT NULL
				);

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id TEXT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE TABLE IF NOT EXISTS user_roles (
					user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					granted_by TEXT,
					granted_at {{ts}} NOT NULL,
					PRIMARY KEY (user_id, role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles(role_id);
			`,
		},
		{
			Version:     3,
			Description: "Create connections and AI configuration tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS connections (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					host TEXT NOT NULL,
					port INTEGER NOT NULL,
					username TEXT NOT NULL DEFAULT '',
					password_encrypted TEXT NOT NULL DEFAULT '',
					database_name TEXT NOT NULL DEFAULT '',
					secure BOOLEAN NOT NULL DEFAULT FALSE,
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					created_by TEXT,
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_single_default ON connections(is_default) WHERE is_default = {{true}};

				CREATE TABLE IF NOT EXISTS ai_providers (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					provider_type TEXT NOT NULL,
					base_url TEXT NOT NULL DEFAULT '',
					api_key_encrypted TEXT NOT NULL DEFAULT '',
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);

				CREATE TABLE IF NOT EXISTS ai_configs (
					id TEXT PRIMARY KEY,
					provider_id TEXT NOT NULL REFERENCES ai_providers(id),
					name TEXT NOT NULL UNIQUE,
					model TEXT NOT NULL,
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_ai_configs_single_default ON ai_configs(is_default) WHERE is_default = {{true}};
				CREATE INDEX IF NOT EXISTS idx_ai_configs_provider_id ON ai_configs(provider_id);
			`,
		},
		{
			Version:     4,
			Description: "Create data_access_rules table",
			SQL: `
				CREATE TABLE IF NOT EXISTS data_access_rules (
					id TEXT PRIMARY KEY,
					role_id TEXT REFERENCES roles(id) ON DELETE CASCADE,
					user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
					connection_id TEXT REFERENCES connections(id) ON DELETE CASCADE,
					database_pattern TEXT NOT NULL,
					table_pattern TEXT NOT NULL DEFAULT '*',
					access_type TEXT NOT NULL DEFAULT 'read',
					is_allowed BOOLEAN NOT NULL DEFAULT {{true}},
					priority INTEGER NOT NULL DEFAULT 0,
					description TEXT NOT NULL DEFAULT '',
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL,
					CHECK ((role_id IS NULL AND user_id IS NOT NULL) OR (role_id IS NOT NULL AND user_id IS NULL))
				);

				CREATE INDEX IF NOT EXISTS idx_data_access_rules_role_id ON data_access_rules(role_id);
				CREATE INDEX IF NOT EXISTS idx_data_access_rules_user_id ON data_access_rules(user_id);
			`,
		},
		{
			Version:     5,
			Description: "Create sessions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sessions (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					refresh_token TEXT NOT NULL UNIQUE,
					expires_at {{ts}} NOT NULL,
					revoked_at {{ts}},
					ip_address TEXT NOT NULL DEFAULT '',
					user_agent TEXT NOT NULL DEFAULT '',
					created_at {{ts}} NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
			`,
		},
		{
			Version:     6,
			Description: "Create audit_logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id TEXT PRIMARY KEY,
					action TEXT NOT NULL,
					user_id TEXT REFERENCES users(id) ON DELETE SET NULL,
					resource_type TEXT NOT NULL DEFAULT '',
					resource_id TEXT NOT NULL DEFAULT '',
					details {{json}},
					status TEXT NOT NULL,
					error_message TEXT NOT NULL DEFAULT '',
					ip_address TEXT NOT NULL DEFAULT '',
					user_agent TEXT NOT NULL DEFAULT '',
					request_id TEXT NOT NULL DEFAULT '',
					username TEXT,
					email TEXT,
					display_name TEXT,
					created_at {{ts}} NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
			`,
		},
	}
}

// Migrate applies every pending migration of the handle's backend, each in
// its own transaction, and returns the number applied.
func Migrate(ctx context.Context, h *Handle) (int, error) {
	if _, err := h.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at `+h.timestampType()+` NOT NULL
		)
	`); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, h)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, migration := range h.backend.Migrations() {
		if applied[migration.Version] {
			continue
		}

		err := h.InTx(ctx, func(tx *Tx) error {
			if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
				migration.Version, migration.Description, time.Now().UTC(),
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}

func appliedVersions(ctx context.Context, h *Handle) (map[int]bool, error) {
	rows, err := h.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (h *Handle) timestampType() string {
	if h.backend.Name() == "postgres" {
		return postgresDialect.timestamp
	}
	return sqliteDialect.timestamp
}
