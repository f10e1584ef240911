package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultIssuer     = "sqlwarden"
	DefaultAudience   = "sqlwarden-api"
)

// TokenConfig configures token signing.
type TokenConfig struct {
	Secret     string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Email       string    `json:"email,omitempty"`
	Username    string    `json:"username,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	SessionID   string    `json:"sid,omitempty"`
	Type        TokenType `json:"type"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token.
type RefreshClaims struct {
	SessionID string    `json:"sid"`
	Type      TokenType `json:"type"`
	jwt.RegisteredClaims
}

// Inspection is the result of looking inside a token without requiring it to
// be currently valid.
type Inspection struct {
	Valid   bool
	Expired bool
	Claims  *AccessClaims
}

// TokenService mints and verifies HS256 access and refresh tokens. It does
// no I/O.
type TokenService struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService validates cfg and fills defaults.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	s := &TokenService{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
	if s.issuer == "" {
		s.issuer = DefaultIssuer
	}
	if s.audience == "" {
		s.audience = DefaultAudience
	}
	if s.accessTTL <= 0 {
		s.accessTTL = DefaultAccessTTL
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = DefaultRefreshTTL
	}
	return s, nil
}

// RefreshTTL is how long a refresh token, and its session, stays valid.
func (s *TokenService) RefreshTTL() time.Duration {
	return s.refreshTTL
}

func (s *TokenService) registered(subject string, issuedAt time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		ID:        uuid.NewString(),
	}
}

func (s *TokenService) sign(claims jwt.Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// IssueAccessToken mints an access token for p bound to a session.
func (s *TokenService) IssueAccessToken(p Principal, sessionID string) (string, time.Time, error) {
	claims := AccessClaims{
		Email:            p.Email,
		Username:         p.Username,
		Roles:            p.Roles,
		Permissions:      p.Permissions,
		SessionID:        sessionID,
		Type:             TokenAccess,
		RegisteredClaims: s.registered(p.UserID, s.now(), s.accessTTL),
	}
	token, err := s.sign(claims)
	return token, claims.ExpiresAt.Time, err
}

// IssueRefreshToken mints a refresh token for a session.
func (s *TokenService) IssueRefreshToken(userID, sessionID string) (string, time.Time, error) {
	claims := RefreshClaims{
		SessionID:        sessionID,
		Type:             TokenRefresh,
		RegisteredClaims: s.registered(userID, s.now(), s.refreshTTL),
	}
	token, err := s.sign(claims)
	return token, claims.ExpiresAt.Time, err
}

func (s *TokenService) parse(token string, claims jwt.Claims, at time.Time) error {
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return at }),
	)
	return err
}

func mapParseError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrTokenExpired
	}
	return ErrInvalidToken
}

// VerifyAccessToken checks signature, algorithm, issuer, audience, expiry and
// that the token is an access token.
func (s *TokenService) VerifyAccessToken(token string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := s.parse(token, &claims, s.now()); err != nil {
		return nil, mapParseError(err)
	}
	if claims.Type != TokenAccess {
		return nil, ErrInvalidTokenType
	}
	return &claims, nil
}

// VerifyRefreshToken is VerifyAccessToken for refresh tokens.
func (s *TokenService) VerifyRefreshToken(token string) (*RefreshClaims, error) {
	var claims RefreshClaims
	if err := s.parse(token, &claims, s.now()); err != nil {
		return nil, mapParseError(err)
	}
	if claims.Type != TokenRefresh {
		return nil, ErrInvalidTokenType
	}
	if claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Inspect reports whether a token is valid or merely expired. An expired
// token that is otherwise sound comes back with Expired set and its claims;
// anything else is ErrInvalidToken.
func (s *TokenService) Inspect(token string) (*Inspection, error) {
	var claims AccessClaims
	err := s.parse(token, &claims, s.now())
	if err == nil {
		return &Inspection{Valid: true, Claims: &claims}, nil
	}
	if !errors.Is(err, jwt.ErrTokenExpired) || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}

	var recheck AccessClaims
	if err := s.parse(token, &recheck, claims.ExpiresAt.Add(-time.Second)); err != nil {
		return nil, ErrInvalidToken
	}
	return &Inspection{Expired: true, Claims: &claims}, nil
}

// HashToken returns the SHA-256 of a token in hex. Refresh tokens are stored
// and looked up by this value.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
