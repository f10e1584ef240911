package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/sqlwarden/pkg/audit"
	"github.com/platinummonkey/sqlwarden/pkg/contextkeys"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/password"
	"github.com/platinummonkey/sqlwarden/pkg/rbac"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

// IdentityStore is the part of the identity store authentication needs.
type IdentityStore interface {
	GetUser(ctx context.Context, id string) (*rbac.User, error)
	GetUserByIdentifier(ctx context.Context, identifier string) (*rbac.User, error)
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
	GetUserPermissions(ctx context.Context, userID string) ([]string, error)
	RecordLogin(ctx context.Context, id string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

// Manager runs login, refresh and logout.
type Manager struct {
	users    IdentityStore
	hasher   password.Hasher
	tokens   *TokenService
	sessions *SessionStore
	limiter  LoginLimiter
	audit    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	decoyOnce sync.Once
	decoyHash string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithAuditLogger records logins, refreshes and logouts.
func WithAuditLogger(l audit.Logger) Option {
	return func(m *Manager) { m.audit = l }
}

// WithLogger sets the structured logger.
func WithLogger(l *observability.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLoginLimiter throttles repeated failed logins per identifier.
func WithLoginLimiter(l LoginLimiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// NewManager wires a manager.
func NewManager(users IdentityStore, hasher password.Hasher, tokens *TokenService, sessions *SessionStore, opts ...Option) *Manager {
	m := &Manager{
		users:    users,
		hasher:   hasher,
		tokens:   tokens,
		sessions: sessions,
		audit:    audit.NoOpLogger{},
		logger:   observability.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func withClient(ctx context.Context, client ClientInfo) context.Context {
	if client.IPAddress == "" && client.UserAgent == "" {
		return ctx
	}
	return contextkeys.WithClient(ctx, client.IPAddress, client.UserAgent)
}

func (m *Manager) record(ctx context.Context, action audit.Action, userID string, opts audit.Options) {
	if _, err := m.audit.Record(ctx, action, userID, opts); err != nil {
		observability.FromContext(ctx, m.logger).
			WithError(err).
			WithField("action", string(action)).
			Error("failed to write audit entry")
	}
}

// verifyDecoy spends one password verification so a rejected login costs the
// same whether or not the identifier names a usable account.
func (m *Manager) verifyDecoy(pass string) {
	m.decoyOnce.Do(func() {
		hash, err := m.hasher.Hash(uuid.NewString())
		if err != nil {
			m.logger.WithError(err).Warn("failed to prepare decoy password hash")
			return
		}
		m.decoyHash = hash
	})
	m.hasher.Verify(pass, m.decoyHash)
}

func (m *Manager) loginFailed(ctx context.Context, identifier, userID, reason string) error {
	m.metrics.ObserveLogin(false)
	if m.limiter != nil {
		if err := m.limiter.Fail(ctx, rbac.Normalize(identifier)); err != nil {
			observability.FromContext(ctx, m.logger).WithError(err).Warn("failed to count login failure")
		}
	}
	m.record(ctx, audit.ActionLoginFailed, userID, audit.Options{
		Status:       audit.StatusFailure,
		ResourceType: "user",
		ResourceID:   userID,
		Error:        ErrInvalidCredentials,
		Details: map[string]interface{}{
			"identifier": identifier,
			"reason":     reason,
		},
	})
	return ErrInvalidCredentials
}

// principal resolves roles and permissions concurrently.
func (m *Manager) principal(ctx context.Context, user *rbac.User) (Principal, error) {
	p := Principal{UserID: user.ID, Email: user.Email, Username: user.Username}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		roles, err := m.users.GetUserRoles(gctx, user.ID)
		p.Roles = roles
		return err
	})
	g.Go(func() error {
		perms, err := m.users.GetUserPermissions(gctx, user.ID)
		p.Permissions = perms
		return err
	})
	if err := g.Wait(); err != nil {
		return Principal{}, fmt.Errorf("failed to resolve user access: %w", err)
	}
	return p, nil
}

// mint issues a token pair for a fresh session. The session is returned but
// not stored.
func (m *Manager) mint(p Principal, client ClientInfo) (*Session, TokenPair, error) {
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		CreatedAt: m.now().UTC(),
	}

	access, accessExp, err := m.tokens.IssueAccessToken(p, session.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	refresh, refreshExp, err := m.tokens.IssueRefreshToken(p.UserID, session.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	session.ExpiresAt = refreshExp.UTC()

	return session, TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		SessionID:        session.ID,
	}, nil
}

// Authenticate verifies a password login and opens a session. Unknown users,
// inactive users and wrong passwords all yield ErrInvalidCredentials.
func (m *Manager) Authenticate(ctx context.Context, identifier, pass string, client ClientInfo) (*LoginResult, error) {
	ctx = withClient(ctx, client)
	ctx, span := observability.Tracer().Start(ctx, "auth.Authenticate")
	defer span.End()

	if m.throttled(ctx, identifier) {
		m.metrics.ObserveLogin(false)
		m.record(ctx, audit.ActionLoginFailed, "", audit.Options{
			Status: audit.StatusFailure,
			Error:  ErrTooManyAttempts,
			Details: map[string]interface{}{
				"identifier": identifier,
				"reason":     "throttled",
			},
		})
		return nil, ErrTooManyAttempts
	}

	user, err := m.users.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.verifyDecoy(pass)
			return nil, m.loginFailed(ctx, identifier, "", "unknown user")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "user lookup failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	if !user.IsActive {
		m.verifyDecoy(pass)
		return nil, m.loginFailed(ctx, identifier, user.ID, "inactive user")
	}
	if !m.hasher.Verify(pass, user.PasswordHash) {
		return nil, m.loginFailed(ctx, identifier, user.ID, "wrong password")
	}

	if m.hasher.NeedsRehash(user.PasswordHash) {
		m.rehash(ctx, user.ID, pass)
	}
	if err := m.users.RecordLogin(ctx, user.ID, m.now().UTC()); err != nil {
		observability.FromContext(ctx, m.logger).WithError(err).Warn("failed to record last login")
	}

	p, err := m.principal(ctx, user)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	session, pair, err := m.mint(p, client)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.Create(ctx, session, pair.RefreshToken); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session create failed")
		return nil, err
	}

	if m.limiter != nil {
		if err := m.limiter.Reset(ctx, rbac.Normalize(identifier)); err != nil {
			observability.FromContext(ctx, m.logger).WithError(err).Warn("failed to reset login failures")
		}
	}

	m.metrics.ObserveLogin(true)
	m.record(ctx, audit.ActionLogin, user.ID, audit.On("session", session.ID, map[string]interface{}{
		"identifier": identifier,
	}))
	return &LoginResult{Principal: p, Tokens: pair}, nil
}

// throttled fails open: a limiter outage never blocks logins.
func (m *Manager) throttled(ctx context.Context, identifier string) bool {
	if m.limiter == nil {
		return false
	}
	allowed, err := m.limiter.Allow(ctx, rbac.Normalize(identifier))
	if err != nil {
		observability.FromContext(ctx, m.logger).WithError(err).Warn("login limiter unavailable")
		return false
	}
	return !allowed
}

func (m *Manager) rehash(ctx context.Context, userID, pass string) {
	hash, err := m.hasher.Hash(pass)
	if err == nil {
		err = m.users.UpdatePasswordHash(ctx, userID, hash)
	}
	if err != nil {
		observability.FromContext(ctx, m.logger).WithError(err).Warn("failed to upgrade password hash")
	}
}

// RefreshAccessToken exchanges a refresh token for a new token pair. The old
// refresh token is revoked, so presenting it again fails.
func (m *Manager) RefreshAccessToken(ctx context.Context, refreshToken string, client ClientInfo) (*LoginResult, error) {
	ctx = withClient(ctx, client)
	ctx, span := observability.Tracer().Start(ctx, "auth.RefreshAccessToken")
	defer span.End()

	result, err := m.refresh(ctx, refreshToken, client)
	m.metrics.ObserveRefresh(err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("user.id", result.Principal.UserID))
	m.record(ctx, audit.ActionTokenRefresh, result.Principal.UserID,
		audit.On("session", result.Tokens.SessionID, nil))
	return result, nil
}

func (m *Manager) refresh(ctx context.Context, refreshToken string, client ClientInfo) (*LoginResult, error) {
	claims, err := m.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}

	old, err := m.sessions.GetByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if old.ID != claims.SessionID || old.UserID != claims.Subject {
		return nil, ErrInvalidToken
	}

	user, err := m.users.GetUser(ctx, old.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !user.IsActive {
		if err := m.sessions.Revoke(ctx, old.ID); err == nil {
			m.metrics.ObserveRevocation("inactive_user", 1)
		}
		return nil, ErrInvalidToken
	}

	p, err := m.principal(ctx, user)
	if err != nil {
		return nil, err
	}
	if client.IPAddress == "" && client.UserAgent == "" {
		client = ClientInfo{IPAddress: old.IPAddress, UserAgent: old.UserAgent}
	}
	session, pair, err := m.mint(p, client)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.Rotate(ctx, old.ID, refreshToken, session, pair.RefreshToken); err != nil {
		return nil, err
	}
	m.metrics.ObserveRevocation("rotation", 1)
	return &LoginResult{Principal: p, Tokens: pair}, nil
}

// Logout revokes one session.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.sessions.Revoke(ctx, sessionID); err != nil {
		return err
	}

	m.metrics.ObserveRevocation("logout", 1)
	m.record(ctx, audit.ActionLogout, session.UserID, audit.On("session", sessionID, nil))
	return nil
}

// LogoutAll revokes every session of a user and returns how many were open.
func (m *Manager) LogoutAll(ctx context.Context, userID string) (int64, error) {
	n, err := m.sessions.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	m.metrics.ObserveRevocation("logout_all", n)
	m.record(ctx, audit.ActionLogoutAll, userID, audit.On("user", userID, map[string]interface{}{
		"revoked": n,
	}))
	return n, nil
}

// VerifyAccessToken validates an access token for a caller.
func (m *Manager) VerifyAccessToken(token string) (*AccessClaims, error) {
	return m.tokens.VerifyAccessToken(token)
}

// Sessions exposes the session store for maintenance jobs.
func (m *Manager) Sessions() *SessionStore {
	return m.sessions
}
