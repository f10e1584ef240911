package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

// SessionStore persists refresh-token sessions. Only the SHA-256 of a refresh
// token is stored; lookups match it exactly.
type SessionStore struct {
	db  *storage.Handle
	now func() time.Time
}

// NewSessionStore creates a session store.
func NewSessionStore(db *storage.Handle) *SessionStore {
	return &SessionStore{db: db, now: time.Now}
}

const sessionColumns = "id, user_id, expires_at, revoked_at, ip_address, user_agent, created_at"

func insertSession(ctx context.Context, r storage.Runner, s *Session, refreshToken string) error {
	_, err := r.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, refresh_token, expires_at, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, HashToken(refreshToken), s.ExpiresAt, s.IPAddress, s.UserAgent, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Create stores a new session for refreshToken.
func (s *SessionStore) Create(ctx context.Context, session *Session, refreshToken string) error {
	return insertSession(ctx, s.db, session, refreshToken)
}

// Get returns a session by id, revoked or not.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return session, err
}

// GetByRefreshToken returns the active session issued for refreshToken.
func (s *SessionStore) GetByRefreshToken(ctx context.Context, refreshToken string) (*Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE refresh_token = ? AND revoked_at IS NULL AND expires_at > ?",
		HashToken(refreshToken), s.now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return session, err
}

// Revoke marks one active session revoked.
func (s *SessionStore) Revoke(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL", s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if err := storage.RequireOneRow(result); err != nil {
		return ErrSessionNotFound
	}
	return nil
}

// RevokeAllForUser revokes every unrevoked session of a user and returns how
// many were revoked.
func (s *SessionStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL", s.now().UTC(), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return result.RowsAffected()
}

// Rotate revokes the session issued for oldToken and stores next in one
// transaction. The revoke is conditional on the old session still being
// active, so of two concurrent rotations only one succeeds; the loser gets
// ErrInvalidToken.
func (s *SessionStore) Rotate(ctx context.Context, oldID, oldToken string, next *Session, nextToken string) error {
	now := s.now().UTC()
	return s.db.InTx(ctx, func(tx *storage.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE sessions SET revoked_at = ?
			WHERE id = ? AND refresh_token = ? AND revoked_at IS NULL AND expires_at > ?`,
			now, oldID, HashToken(oldToken), now,
		)
		if err != nil {
			return fmt.Errorf("failed to revoke rotated session: %w", err)
		}
		if err := storage.RequireOneRow(result); err != nil {
			return ErrInvalidToken
		}
		return insertSession(ctx, tx, next, nextToken)
	})
}

// ListActive returns a user's unrevoked, unexpired sessions, newest first.
func (s *SessionStore) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ? ORDER BY created_at DESC",
		userID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// RevokeInactiveUsers revokes every open session whose user is deactivated.
func (s *SessionStore) RevokeInactiveUsers(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = ?
		WHERE revoked_at IS NULL AND user_id IN (SELECT id FROM users WHERE is_active = ?)`,
		s.now().UTC(), false)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions of inactive users: %w", err)
	}
	return result.RowsAffected()
}

// PurgeExpired deletes sessions that expired or were revoked before cutoff.
func (s *SessionStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)",
		cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s         Session
		revokedAt sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.ExpiresAt, &revokedAt, &s.IPAddress, &s.UserAgent, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		s.RevokedAt = &t
	}
	return &s, nil
}
