package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

var (
	// ErrInvalidCredentials is returned for every failed login, whatever the cause.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidTokenType   = errors.New("Invalid token type")
	ErrTokenExpired       = fmt.Errorf("token expired: %w", ErrInvalidToken)
	ErrSessionNotFound    = fmt.Errorf("session %w", storage.ErrNotFound)
	ErrMissingSecret      = errors.New("token secret is required")
	// ErrTooManyAttempts is returned while an identifier is throttled.
	ErrTooManyAttempts    = fmt.Errorf("too many failed login attempts: %w", ErrInvalidCredentials)
)

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Session is one refresh-token lineage entry. The refresh token itself is
// only ever held by the client.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	IPAddress string     `json:"ip_address,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Active reports whether the session can still be refreshed at now.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// ClientInfo describes the caller of a login or refresh.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// TokenPair is what a successful login or refresh hands back to the client.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

// Principal is the identity baked into an access token.
type Principal struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// LoginResult is returned by Authenticate and RefreshAccessToken.
type LoginResult struct {
	Principal Principal `json:"user"`
	Tokens    TokenPair `json:"tokens"`
}
