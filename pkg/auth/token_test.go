package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokens(t *testing.T) *TokenService {
	t.Helper()
	s, err := NewTokenService(TokenConfig{Secret: "test-secret"})
	require.NoError(t, err)
	return s
}

var alice = Principal{
	UserID:      "user-1",
	Email:       "alice@example.com",
	Username:    "alice",
	Roles:       []string{"viewer"},
	Permissions: []string{"connections:read"},
}

func TestNewTokenService(t *testing.T) {
	_, err := NewTokenService(TokenConfig{})
	assert.ErrorIs(t, err, ErrMissingSecret)

	s := newTestTokens(t)
	assert.Equal(t, DefaultIssuer, s.issuer)
	assert.Equal(t, DefaultAudience, s.audience)
	assert.Equal(t, DefaultAccessTTL, s.accessTTL)
	assert.Equal(t, DefaultRefreshTTL, s.RefreshTTL())
}

func TestAccessToken_RoundTrip(t *testing.T) {
	s := newTestTokens(t)

	token, exp, err := s.IssueAccessToken(alice, "session-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultAccessTTL), exp, 2*time.Second)

	claims, err := s.VerifyAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, []string{"viewer"}, claims.Roles)
	assert.Equal(t, []string{"connections:read"}, claims.Permissions)
	assert.Equal(t, "session-1", claims.SessionID)
	assert.Equal(t, TokenAccess, claims.Type)
	assert.NotEmpty(t, claims.ID)
}

func TestRefreshToken_RoundTrip(t *testing.T) {
	s := newTestTokens(t)

	token, exp, err := s.IssueRefreshToken("user-1", "session-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultRefreshTTL), exp, 2*time.Second)

	claims, err := s.VerifyRefreshToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "session-1", claims.SessionID)
	assert.Equal(t, TokenRefresh, claims.Type)
}

func TestTokenTypeIsolation(t *testing.T) {
	s := newTestTokens(t)

	access, _, err := s.IssueAccessToken(alice, "session-1")
	require.NoError(t, err)
	refresh, _, err := s.IssueRefreshToken("user-1", "session-1")
	require.NoError(t, err)

	_, err = s.VerifyRefreshToken(access)
	assert.ErrorIs(t, err, ErrInvalidTokenType)
	assert.EqualError(t, err, "Invalid token type")

	_, err = s.VerifyAccessToken(refresh)
	assert.ErrorIs(t, err, ErrInvalidTokenType)
}

func TestVerify_Rejects(t *testing.T) {
	s := newTestTokens(t)
	token, _, err := s.IssueAccessToken(alice, "session-1")
	require.NoError(t, err)

	otherSecret, err := NewTokenService(TokenConfig{Secret: "another-secret"})
	require.NoError(t, err)
	otherIssuer, err := NewTokenService(TokenConfig{Secret: "test-secret", Issuer: "someone-else"})
	require.NoError(t, err)
	otherAudience, err := NewTokenService(TokenConfig{Secret: "test-secret", Audience: "other-api"})
	require.NoError(t, err)

	for name, verifier := range map[string]*TokenService{
		"secret":   otherSecret,
		"issuer":   otherIssuer,
		"audience": otherAudience,
	} {
		_, err := verifier.VerifyAccessToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	_, err = s.VerifyAccessToken(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.VerifyAccessToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	s := newTestTokens(t)
	claims := AccessClaims{Type: TokenAccess, RegisteredClaims: s.registered("user-1", time.Now(), time.Hour)}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.VerifyAccessToken(none)
	assert.ErrorIs(t, err, ErrInvalidToken)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = s.VerifyAccessToken(hs512)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	s := newTestTokens(t)
	issued := time.Now().Add(-time.Hour)
	s.now = func() time.Time { return issued }

	token, _, err := s.IssueAccessToken(alice, "session-1")
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.VerifyAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestInspect(t *testing.T) {
	s := newTestTokens(t)

	live, _, err := s.IssueAccessToken(alice, "session-1")
	require.NoError(t, err)
	got, err := s.Inspect(live)
	require.NoError(t, err)
	assert.True(t, got.Valid)
	assert.False(t, got.Expired)

	s.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, _, err := s.IssueAccessToken(alice, "session-1")
	require.NoError(t, err)
	s.now = time.Now

	got, err = s.Inspect(stale)
	require.NoError(t, err)
	assert.False(t, got.Valid)
	assert.True(t, got.Expired)
	assert.Equal(t, "user-1", got.Claims.Subject)
	assert.Equal(t, "alice", got.Claims.Username)

	otherSecret, err := NewTokenService(TokenConfig{Secret: "another-secret"})
	require.NoError(t, err)
	_, err = otherSecret.Inspect(stale)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired tokens with a bad signature are not inspected")

	_, err = s.Inspect("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHashToken(t *testing.T) {
	a := HashToken("token-a")
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashToken("token-a"))
	assert.NotEqual(t, a, HashToken("token-b"))
}
