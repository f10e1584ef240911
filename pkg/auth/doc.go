// Package auth authenticates users and manages their sessions.
//
// # Tokens
//
// TokenService signs HS256 JWTs. Access tokens are short lived and carry the
// user's roles and permissions; refresh tokens carry only the subject and the
// session id. Each verifier rejects the other kind with ErrInvalidTokenType,
// and both enforce algorithm, issuer, audience and expiry.
//
//	tokens, err := auth.NewTokenService(auth.TokenConfig{
//		Secret:   cfg.Auth.TokenSecret,
//		Issuer:   "sqlwarden",
//		Audience: "sqlwarden-api",
//	})
//
// # Sessions
//
// Every login creates a session row keyed by the SHA-256 of its refresh
// token. Refreshing rotates: the old row is revoked and a new one inserted in
// a single transaction, conditional on the old row still being active, so a
// replayed refresh token fails.
//
// # Login
//
//	manager := auth.NewManager(identities, hasher, tokens, auth.NewSessionStore(db),
//		auth.WithAuditLogger(recorder))
//
//	result, err := manager.Authenticate(ctx, "alice@example.com", "secret", auth.ClientInfo{
//		IPAddress: "10.0.0.7",
//		UserAgent: "psql",
//	})
//	if errors.Is(err, auth.ErrInvalidCredentials) {
//		// unknown user, inactive user or wrong password
//	}
//
// Logins, failed logins, refreshes and logouts are written to the audit log.
//
// # Throttling
//
// WithLoginLimiter counts failures per normalized identifier. Once the limit
// is reached Authenticate returns ErrTooManyAttempts until the window ends,
// without looking at the password. Use a RedisLimiter when several processes
// share one user base:
//
//	limiter := auth.NewRedisLimiter(redisClient, auth.DefaultLimitConfig(), "")
//	manager := auth.NewManager(identities, hasher, tokens, sessions, auth.WithLoginLimiter(limiter))
package auth
