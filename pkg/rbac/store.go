package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/sqlwarden/pkg/audit"
	"github.com/platinummonkey/sqlwarden/pkg/cache"
	"github.com/platinummonkey/sqlwarden/pkg/contextkeys"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/password"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

const (
	defaultUserPageSize = 50
	maxUserPageSize     = 500
)

// Store handles identity and role persistence
type Store struct {
	db      *storage.Handle
	hasher  password.Hasher
	audit   audit.Logger
	cache   cache.AccessCache
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithAuditLogger records every mutation.
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Store) { s.audit = l }
}

// WithAccessCache caches resolved roles and permissions per user.
func WithAccessCache(c cache.AccessCache) Option {
	return func(s *Store) { s.cache = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a new identity store
func NewStore(db *storage.Handle, hasher password.Hasher, opts ...Option) *Store {
	s := &Store{
		db:     db,
		hasher: hasher,
		audit:  audit.NoOpLogger{},
		cache:  cache.Noop{},
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Normalize lower-cases and trims an email or username.
func Normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func (s *Store) record(ctx context.Context, action audit.Action, opts audit.Options) {
	if _, err := s.audit.Record(ctx, action, contextkeys.GetActorID(ctx), opts); err != nil {
		observability.FromContext(ctx, s.logger).
			WithError(err).
			WithField("action", string(action)).
			Error("failed to write audit entry")
	}
}

func (s *Store) invalidate(ctx context.Context, userIDs ...string) {
	if err := s.cache.Invalidate(ctx, userIDs...); err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).Warn("failed to invalidate access cache")
	}
}

func (s *Store) invalidateAll(ctx context.Context) {
	if err := s.cache.InvalidateAll(ctx); err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).Warn("failed to invalidate access cache")
	}
}

// CreateUser creates a user and links its roles in one transaction.
func (s *Store) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	email, username := Normalize(in.Email), Normalize(in.Username)
	if email == "" || username == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: email, username and password are required", ErrInvalidInput)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	metadata, err := marshalMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user := &User{
		ID:                uuid.NewString(),
		Email:             email,
		Username:          username,
		PasswordHash:      hash,
		DisplayName:       in.DisplayName,
		IsActive:          true,
		IsSystem:          in.isSystem,
		PasswordChangedAt: &now,
		Metadata:          in.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.db.InTx(ctx, func(tx *storage.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, email, username, password_hash, display_name, is_active, is_system,
				password_changed_at, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			user.ID, user.Email, user.Username, user.PasswordHash, user.DisplayName, true, user.IsSystem,
			now, metadata, now, now,
		)
		if err != nil {
			if s.db.IsUniqueViolation(err) {
				return ErrUserExists
			}
			return fmt.Errorf("failed to create user: %w", err)
		}

		roleIDs := in.RoleIDs
		if len(roleIDs) == 0 {
			defaultID, err := defaultRoleID(ctx, tx)
			if err != nil {
				return err
			}
			if defaultID != "" {
				roleIDs = []string{defaultID}
			}
		}

		return insertUserRoles(ctx, tx, user.ID, roleIDs, contextkeys.GetActorID(ctx), now)
	})
	if err != nil {
		return nil, err
	}

	user.Roles, err = s.GetUserRoles(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.ActionUserCreate, audit.On("user", user.ID, map[string]interface{}{
		"email":    user.Email,
		"username": user.Username,
		"roles":    user.Roles,
	}))
	return user, nil
}

func defaultRoleID(ctx context.Context, r storage.Runner) (string, error) {
	var id string
	err := r.QueryRowContext(ctx, "SELECT id FROM roles WHERE is_default = ?", true).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up default role: %w", err)
	}
	return id, nil
}

func insertUserRoles(ctx context.Context, r storage.Runner, userID string, roleIDs []string, grantedBy string, at time.Time) error {
	var granter interface{}
	if grantedBy != "" {
		granter = grantedBy
	}

	seen := make(map[string]bool, len(roleIDs))
	for _, roleID := range roleIDs {
		if seen[roleID] {
			continue
		}
		seen[roleID] = true

		var n int
		if err := r.QueryRowContext(ctx, "SELECT COUNT(*) FROM roles WHERE id = ?", roleID).Scan(&n); err != nil {
			return fmt.Errorf("failed to look up role: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
		}

		if _, err := r.ExecContext(ctx,
			"INSERT INTO user_roles (user_id, role_id, granted_by, granted_at) VALUES (?, ?, ?, ?)",
			userID, roleID, granter, at,
		); err != nil {
			return fmt.Errorf("failed to assign role: %w", err)
		}
	}
	return nil
}

// UpdateUser applies a partial update. A role set replacement happens in the
// same transaction as the field changes.
func (s *Store) UpdateUser(ctx context.Context, id string, in UpdateUserInput) (*User, error) {
	current, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.IsActive != nil && !*in.IsActive && current.IsSystem {
		return nil, ErrSystemUser
	}

	sets := []string{"updated_at = ?"}
	now := s.now().UTC()
	args := []interface{}{now}
	changed := []string{}

	if in.Email != nil {
		email := Normalize(*in.Email)
		if email == "" {
			return nil, fmt.Errorf("%w: email cannot be empty", ErrInvalidInput)
		}
		sets, args = append(sets, "email = ?"), append(args, email)
		changed = append(changed, "email")
	}
	if in.Username != nil {
		username := Normalize(*in.Username)
		if username == "" {
			return nil, fmt.Errorf("%w: username cannot be empty", ErrInvalidInput)
		}
		sets, args = append(sets, "username = ?"), append(args, username)
		changed = append(changed, "username")
	}
	if in.DisplayName != nil {
		sets, args = append(sets, "display_name = ?"), append(args, *in.DisplayName)
		changed = append(changed, "display_name")
	}
	if in.Password != nil {
		if *in.Password == "" {
			return nil, fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
		}
		hash, err := s.hasher.Hash(*in.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		sets = append(sets, "password_hash = ?", "password_changed_at = ?")
		args = append(args, hash, now)
		changed = append(changed, "password")
	}
	if in.IsActive != nil {
		sets, args = append(sets, "is_active = ?"), append(args, *in.IsActive)
		changed = append(changed, "is_active")
	}
	if in.Metadata != nil {
		metadata, err := marshalMetadata(in.Metadata)
		if err != nil {
			return nil, err
		}
		sets, args = append(sets, "metadata = ?"), append(args, metadata)
		changed = append(changed, "metadata")
	}

	err = s.db.InTx(ctx, func(tx *storage.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE users SET "+strings.Join(sets, ", ")+" WHERE id = ?", append(args, id)...)
		if err != nil {
			if s.db.IsUniqueViolation(err) {
				return ErrUserExists
			}
			return fmt.Errorf("failed to update user: %w", err)
		}

		if in.RoleIDs != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = ?", id); err != nil {
				return fmt.Errorf("failed to clear user roles: %w", err)
			}
			return insertUserRoles(ctx, tx, id, *in.RoleIDs, contextkeys.GetActorID(ctx), now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if in.RoleIDs != nil {
		changed = append(changed, "roles")
	}
	s.invalidate(ctx, id)

	updated, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	action := audit.ActionUserUpdate
	if in.Password != nil && len(changed) == 1 {
		action = audit.ActionUserPasswordChange
	}
	s.record(ctx, action, audit.On("user", id, map[string]interface{}{"changed": changed}))
	return updated, nil
}

// DeleteUser deactivates a user. Rows are never removed so audit history and
// session records stay attached.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if user.IsSystem {
		s.record(ctx, audit.ActionUserDelete, audit.Failure(ErrSystemUser, "user", id))
		return ErrSystemUser
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?", false, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	if err := storage.RequireOneRow(result); err != nil {
		return ErrUserNotFound
	}

	s.invalidate(ctx, id)
	s.record(ctx, audit.ActionUserDelete, audit.On("user", id, map[string]interface{}{"username": user.Username}))
	return nil
}

const userColumns = `id, email, username, password_hash, display_name, is_active, is_system,
	last_login_at, password_changed_at, metadata, created_at, updated_at`

// GetUser returns a user with its role names.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err != nil {
		return nil, err
	}
	if user.Roles, err = s.GetUserRoles(ctx, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByIdentifier looks a user up by email or username.
func (s *Store) GetUserByIdentifier(ctx context.Context, identifier string) (*User, error) {
	normalized := Normalize(identifier)
	if normalized == "" {
		return nil, ErrUserNotFound
	}

	user, err := scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = ? OR username = ?", normalized, normalized))
	if err != nil {
		return nil, err
	}
	if user.Roles, err = s.GetUserRoles(ctx, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// ListUsers returns one page of users matching the filter, ordered by username.
func (s *Store) ListUsers(ctx context.Context, f UserFilter) (*UserPage, error) {
	clauses := []string{"1=1"}
	var args []interface{}

	if f.Search != "" {
		like := storage.ContainsPattern(strings.ToLower(strings.TrimSpace(f.Search)))
		clauses = append(clauses, "(email LIKE ?"+storage.LikeEscape+
			" OR username LIKE ?"+storage.LikeEscape+
			" OR LOWER(display_name) LIKE ?"+storage.LikeEscape+")")
		args = append(args, like, like, like)
	}
	if f.IsActive != nil {
		clauses = append(clauses, "is_active = ?")
		args = append(args, *f.IsActive)
	}
	if f.RoleID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM user_roles ur WHERE ur.user_id = users.id AND ur.role_id = ?)")
		args = append(args, f.RoleID)
	}
	where := strings.Join(clauses, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultUserPageSize
	}
	if limit > maxUserPageSize {
		limit = maxUserPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE "+where+" ORDER BY username ASC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users := make([]*User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	rows.Close()

	for _, user := range users {
		if user.Roles, err = s.GetUserRoles(ctx, user.ID); err != nil {
			return nil, err
		}
	}

	return &UserPage{Users: users, Total: total}, nil
}

// RecordLogin stores the time of a successful login.
func (s *Store) RecordLogin(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, "UPDATE users SET last_login_at = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	if err := storage.RequireOneRow(result); err != nil {
		return ErrUserNotFound
	}
	return nil
}

// UpdatePasswordHash replaces a stored hash without touching
// password_changed_at, for transparent rehashing.
func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?", hash, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	if err := storage.RequireOneRow(result); err != nil {
		return ErrUserNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner) (*User, error) {
	var (
		user                       User
		lastLogin, passwordChanged sql.NullTime
		metadata                   []byte
	)
	err := row.Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.DisplayName,
		&user.IsActive, &user.IsSystem, &lastLogin, &passwordChanged, &metadata,
		&user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
		user.LastLoginAt = &t
	}
	if passwordChanged.Valid {
		t := passwordChanged.Time.UTC()
		user.PasswordChangedAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &user.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user metadata: %w", err)
		}
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return &user, nil
}

func marshalMetadata(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
