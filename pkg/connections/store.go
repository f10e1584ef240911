package connections

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/sqlwarden/pkg/audit"
	"github.com/platinummonkey/sqlwarden/pkg/cipher"
	"github.com/platinummonkey/sqlwarden/pkg/contextkeys"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

// Store persists connection profiles. Passwords are encrypted at rest.
type Store struct {
	db     *storage.Handle
	cipher *cipher.Cipher
	audit  audit.Logger
	logger *observability.Logger
	now    func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithAuditLogger records every mutation.
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Store) { s.audit = l }
}

// WithLogger sets the structured logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a connection store.
func NewStore(db *storage.Handle, c *cipher.Cipher, opts ...Option) *Store {
	s := &Store{
		db:     db,
		cipher: c,
		audit:  audit.NoOpLogger{},
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) record(ctx context.Context, action audit.Action, opts audit.Options) {
	if _, err := s.audit.Record(ctx, action, contextkeys.GetActorID(ctx), opts); err != nil {
		observability.FromContext(ctx, s.logger).
			WithError(err).
			WithField("action", string(action)).
			Error("failed to write audit entry")
	}
}

func validate(name, host string, port int) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	case host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidInput)
	case port <= 0 || port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidInput, port)
	}
	return nil
}

func (s *Store) seal(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	sealed, err := s.cipher.Encrypt(password)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt connection password: %w", err)
	}
	return sealed, nil
}

// Create stores a connection. With IsDefault it becomes the only default.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Connection, error) {
	name, host := strings.TrimSpace(in.Name), strings.TrimSpace(in.Host)
	if err := validate(name, host, in.Port); err != nil {
		return nil, err
	}
	sealed, err := s.seal(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	conn := &Connection{
		ID:          uuid.NewString(),
		Name:        name,
		Host:        host,
		Port:        in.Port,
		Username:    in.Username,
		HasPassword: sealed != "",
		Database:    in.Database,
		Secure:      in.Secure,
		IsDefault:   in.IsDefault,
		CreatedBy:   contextkeys.GetActorID(ctx),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.InTx(ctx, func(tx *storage.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO connections (id, name, host, port, username, password_encrypted, database_name,
				secure, is_default, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conn.ID, conn.Name, conn.Host, conn.Port, conn.Username, sealed, conn.Database,
			conn.Secure, false, nullable(conn.CreatedBy), now, now,
		)
		if err != nil {
			if s.db.IsUniqueViolation(err) {
				return ErrExists
			}
			return fmt.Errorf("failed to create connection: %w", err)
		}
		if in.IsDefault {
			return storage.SetSingletonFlag(ctx, tx, "connections", "is_default", conn.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.ActionConnectionCreate, audit.On("connection", conn.ID, map[string]interface{}{
		"name":       conn.Name,
		"host":       conn.Host,
		"port":       conn.Port,
		"is_default": conn.IsDefault,
	}))
	return conn, nil
}

// Update applies a partial update.
func (s *Store) Update(ctx context.Context, id string, in UpdateInput) (*Connection, error) {
	current, sealed, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := make([]string, 0, 7)
	if in.Name != nil {
		current.Name = strings.TrimSpace(*in.Name)
		changed = append(changed, "name")
	}
	if in.Host != nil {
		current.Host = strings.TrimSpace(*in.Host)
		changed = append(changed, "host")
	}
	if in.Port != nil {
		current.Port = *in.Port
		changed = append(changed, "port")
	}
	if in.Username != nil {
		current.Username = *in.Username
		changed = append(changed, "username")
	}
	if in.Database != nil {
		current.Database = *in.Database
		changed = append(changed, "database")
	}
	if in.Secure != nil {
		current.Secure = *in.Secure
		changed = append(changed, "secure")
	}
	if in.Password != nil {
		if sealed, err = s.seal(*in.Password); err != nil {
			return nil, err
		}
		changed = append(changed, "password")
	}
	if err := validate(current.Name, current.Host, current.Port); err != nil {
		return nil, err
	}

	current.UpdatedAt = s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE connections
		SET name = ?, host = ?, port = ?, username = ?, password_encrypted = ?, database_name = ?,
			secure = ?, updated_at = ?
		WHERE id = ?`,
		current.Name, current.Host, current.Port, current.Username, sealed, current.Database,
		current.Secure, current.UpdatedAt, id,
	)
	if err != nil {
		if s.db.IsUniqueViolation(err) {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("failed to update connection: %w", err)
	}
	current.HasPassword = sealed != ""

	s.record(ctx, audit.ActionConnectionUpdate, audit.On("connection", id, map[string]interface{}{
		"changed": changed,
	}))
	return current, nil
}

// Delete removes a connection. Access rules scoped to it go with it.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM connections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if err := storage.RequireOneRow(result); err != nil {
		return ErrNotFound
	}

	s.record(ctx, audit.ActionConnectionDelete, audit.On("connection", id, nil))
	return nil
}

// Get returns a connection with its password decrypted. A password that
// fails to decrypt is an error.
func (s *Store) Get(ctx context.Context, id string) (*Connection, error) {
	conn, sealed, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.open(conn, sealed)
}

// GetDefault returns the default connection with its password decrypted.
func (s *Store) GetDefault(ctx context.Context) (*Connection, error) {
	conn, sealed, err := scanConnection(s.db.QueryRowContext(ctx,
		"SELECT "+connectionColumns+" FROM connections WHERE is_default = ?", true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.open(conn, sealed)
}

func (s *Store) open(conn *Connection, sealed string) (*Connection, error) {
	if sealed == "" {
		return conn, nil
	}
	plain, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt password of connection %s: %w", conn.ID, err)
	}
	conn.Password = plain
	return conn, nil
}

// List returns every connection by name. Passwords are not decrypted.
func (s *Store) List(ctx context.Context) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+connectionColumns+" FROM connections ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	conns := make([]*Connection, 0)
	for rows.Next() {
		conn, _, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// SetDefault makes id the only default connection.
func (s *Store) SetDefault(ctx context.Context, id string) error {
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		return storage.SetSingletonFlag(ctx, tx, "connections", "is_default", id)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to set default connection: %w", err)
	}

	s.record(ctx, audit.ActionConnectionSetDefault, audit.On("connection", id, nil))
	return nil
}

const connectionColumns = `id, name, host, port, username, password_encrypted, database_name,
	secure, is_default, created_by, created_at, updated_at`

func (s *Store) load(ctx context.Context, id string) (*Connection, string, error) {
	conn, sealed, err := scanConnection(s.db.QueryRowContext(ctx,
		"SELECT "+connectionColumns+" FROM connections WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	return conn, sealed, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row scanner) (*Connection, string, error) {
	var (
		conn      Connection
		sealed    string
		createdBy sql.NullString
	)
	err := row.Scan(&conn.ID, &conn.Name, &conn.Host, &conn.Port, &conn.Username, &sealed, &conn.Database,
		&conn.Secure, &conn.IsDefault, &createdBy, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("failed to scan connection: %w", err)
	}
	conn.CreatedBy = createdBy.String
	conn.HasPassword = sealed != ""
	conn.CreatedAt = conn.CreatedAt.UTC()
	conn.UpdatedAt = conn.UpdatedAt.UTC()
	return &conn, sealed, nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
