package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Handle is the explicit store handle passed into every component. Two
// handles opened against different databases are fully isolated.
type Handle struct {
	backend Backend
}

// NewHandle wraps an already opened backend.
func NewHandle(backend Backend) *Handle {
	return &Handle{backend: backend}
}

// Open connects to the backend selected by cfg.Type.
func Open(ctx context.Context, cfg Config) (*Handle, error) {
	var (
		backend Backend
		err     error
	)

	switch cfg.Type {
	case "postgres":
		backend, err = openPostgres(ctx, cfg)
	case "sqlite":
		backend, err = openSQLite(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	return NewHandle(backend), nil
}

// Backend returns the underlying engine.
func (h *Handle) Backend() Backend {
	return h.backend
}

// DB returns the underlying connection pool, used by health probes.
func (h *Handle) DB() *sql.DB {
	return h.backend.DB()
}

// IsUniqueViolation reports whether err came from a unique constraint.
func (h *Handle) IsUniqueViolation(err error) bool {
	return err != nil && h.backend.IsUniqueViolation(err)
}

// Close releases the connection pool.
func (h *Handle) Close() error {
	return h.backend.Close()
}

func (h *Handle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return h.backend.DB().ExecContext(ctx, h.backend.Rebind(query), args...)
}

func (h *Handle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return h.backend.DB().QueryContext(ctx, h.backend.Rebind(query), args...)
}

func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return h.backend.DB().QueryRowContext(ctx, h.backend.Rebind(query), args...)
}

// Tx is a transaction scope. It satisfies Runner so store code can be
// written once and run either standalone or inside InTx.
type Tx struct {
	tx      *sql.Tx
	backend Backend
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.backend.Rebind(query), args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.backend.Rebind(query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.backend.Rebind(query), args...)
}

// InTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back on error or panic. fn must only use the given Tx.
func (h *Handle) InTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := h.backend.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: sqlTx, backend: h.backend}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LikeEscape is the ESCAPE clause to pair with ContainsPattern.
const LikeEscape = ` ESCAPE '\'`

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ContainsPattern turns s into a LIKE pattern matching any value containing
// s literally. Use it with LikeEscape.
func ContainsPattern(s string) string {
	return "%" + likeReplacer.Replace(s) + "%"
}

// RequireOneRow turns a zero rows-affected result into ErrNotFound.
func RequireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSingletonFlag clears column on every row of table and then sets it on
// the row identified by id. Run it inside InTx so readers never observe zero
// or two flagged rows. table and column are trusted identifiers.
func SetSingletonFlag(ctx context.Context, r Runner, table, column, id string) error {
	var exists int
	err := r.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table), id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up %s %s: %w", table, id, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	if _, err := r.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", table, column, column), false, true); err != nil {
		return fmt.Errorf("failed to clear %s.%s: %w", table, column, err)
	}

	if _, err := r.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = ? WHERE id = ?", table, column), true, id); err != nil {
		return fmt.Errorf("failed to set %s.%s: %w", table, column, err)
	}
	return nil
}

// rebindDollar rewrites ? placeholders as $1, $2, ... Quoted literals are skipped.
func rebindDollar(query string) string {
	out := make([]byte, 0, len(query)+16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == '?' && !inQuote {
			n++
			out = append(out, '$')
			out = append(out, strconv.Itoa(n)...)
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
