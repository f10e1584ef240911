package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertRole(t *testing.T, r Runner, id, name string, isDefault bool) {
	t.Helper()
	now := time.Now().UTC()
	_, err := r.ExecContext(context.Background(),
		"INSERT INTO roles (id, name, is_default, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		id, name, isDefault, now, now)
	require.NoError(t, err)
}

func countDefaults(t *testing.T, h *Handle, table string) int {
	t.Helper()
	var n int
	err := h.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM "+table+" WHERE is_default = ?", true).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: "oracle"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestOpen_MissingLocation(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: "sqlite"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Type: "postgres"})
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	h := NewTestHandle(t)

	n, err := Migrate(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second run should apply nothing")

	var count int
	require.NoError(t, h.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, len(h.Backend().Migrations()), count)
}

func TestHandles_AreIsolated(t *testing.T) {
	a := NewTestHandle(t)
	b := NewTestHandle(t)

	insertRole(t, a, "r1", "only-in-a", false)

	var n int
	require.NoError(t, b.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM roles").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestIsUniqueViolation_SQLite(t *testing.T) {
	h := NewTestHandle(t)
	insertRole(t, h, "r1", "dup", false)

	now := time.Now().UTC()
	_, err := h.ExecContext(context.Background(),
		"INSERT INTO roles (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)", "r2", "dup", now, now)
	require.Error(t, err)
	assert.True(t, h.IsUniqueViolation(err))
	assert.False(t, h.IsUniqueViolation(errors.New("boom")))
	assert.False(t, h.IsUniqueViolation(nil))
}

func TestInTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commit", func(t *testing.T) {
		h := NewTestHandle(t)
		err := h.InTx(ctx, func(tx *Tx) error {
			insertRole(t, tx, "r1", "committed", false)
			return nil
		})
		require.NoError(t, err)

		var n int
		require.NoError(t, h.QueryRowContext(ctx, "SELECT COUNT(*) FROM roles").Scan(&n))
		assert.Equal(t, 1, n)
	})

	t.Run("rollback on error", func(t *testing.T) {
		h := NewTestHandle(t)
		sentinel := errors.New("abort")
		err := h.InTx(ctx, func(tx *Tx) error {
			insertRole(t, tx, "r1", "rolled-back", false)
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)

		var n int
		require.NoError(t, h.QueryRowContext(ctx, "SELECT COUNT(*) FROM roles").Scan(&n))
		assert.Equal(t, 0, n)
	})

	t.Run("rollback on panic", func(t *testing.T) {
		h := NewTestHandle(t)
		assert.Panics(t, func() {
			_ = h.InTx(ctx, func(tx *Tx) error {
				insertRole(t, tx, "r1", "panicked", false)
				panic("boom")
			})
		})

		var n int
		require.NoError(t, h.QueryRowContext(ctx, "SELECT COUNT(*) FROM roles").Scan(&n))
		assert.Equal(t, 0, n)
	})
}

func TestSetSingletonFlag(t *testing.T) {
	ctx := context.Background()
	h := NewTestHandle(t)

	insertRole(t, h, "a", "a", true)
	insertRole(t, h, "b", "b", false)
	insertRole(t, h, "c", "c", false)

	for _, id := range []string{"b", "c", "a", "a", "c"} {
		err := h.InTx(ctx, func(tx *Tx) error {
			return SetSingletonFlag(ctx, tx, "roles", "is_default", id)
		})
		require.NoError(t, err)
		assert.Equal(t, 1, countDefaults(t, h, "roles"))

		var current string
		require.NoError(t, h.QueryRowContext(ctx, "SELECT id FROM roles WHERE is_default = ?", true).Scan(&current))
		assert.Equal(t, id, current)
	}

	err := h.InTx(ctx, func(tx *Tx) error {
		return SetSingletonFlag(ctx, tx, "roles", "is_default", "missing")
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, countDefaults(t, h, "roles"), "failed swap must not clear the current default")
}

func TestSingleDefaultIndex(t *testing.T) {
	h := NewTestHandle(t)
	insertRole(t, h, "a", "a", true)

	now := time.Now().UTC()
	_, err := h.ExecContext(context.Background(),
		"INSERT INTO roles (id, name, is_default, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		"b", "b", true, now, now)
	require.Error(t, err)
	assert.True(t, h.IsUniqueViolation(err))
}

func TestDataAccessRuleOwnerCheck(t *testing.T) {
	h := NewTestHandle(t)
	now := time.Now().UTC()

	_, err := h.ExecContext(context.Background(), `
		INSERT INTO data_access_rules (id, database_pattern, created_at, updated_at)
		VALUES (?, ?, ?, ?)`, "rule", "*", now, now)
	assert.Error(t, err, "a rule without an owner violates the check constraint")
}

func TestRebindDollar(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rebindDollar(tt.in))
	}
}

func TestRequireOneRow(t *testing.T) {
	assert.ErrorIs(t, RequireOneRow(sqlmock.NewResult(0, 0)), ErrNotFound)
	assert.NoError(t, RequireOneRow(sqlmock.NewResult(0, 1)))
	assert.Error(t, RequireOneRow(sqlmock.NewErrorResult(errors.New("driver"))))
}

func TestInTx_CommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	h := NewHandle(&sqliteBackend{db: db})

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE roles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	err = h.InTx(context.Background(), func(tx *Tx) error {
		_, err := tx.ExecContext(context.Background(), "UPDATE roles SET is_default = ?", false)
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContainsPattern(t *testing.T) {
	assert.Equal(t, "%abc%", ContainsPattern("abc"))
	assert.Equal(t, `%a\_b\%c\\d%`, ContainsPattern(`a_b%c\d`))

	h := NewTestHandle(t)
	ctx := context.Background()
	insertRole(t, h, "r1", "a_b", false)
	insertRole(t, h, "r2", "axb", false)

	var names []string
	rows, err := h.QueryContext(ctx, "SELECT name FROM roles WHERE name LIKE ?"+LikeEscape, ContainsPattern("_"))
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"a_b"}, names)
}
