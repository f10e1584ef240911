// Package contextkeys provides centralized context key definitions
//
// All request-scoped values read by the core (acting principal, client
// metadata for audit rows, request-scoped logger) are defined here.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/sqlwarden/pkg/contextkeys"
//	ctx = contextkeys.WithActor(ctx, contextkeys.Actor{UserID: id, Roles: roles})
//	actor, ok := contextkeys.GetActor(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ActorKey contains Actor
	// Set by: the API layer after access token verification
	// Used by: role deletion override, audit trail, grant attribution
	// Type: Actor
	ActorKey Key = "actor"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware, observability layer
	// Used by: Logger, audit trail, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// ClientIPKey contains the caller's IP address
	// Set by: HTTP middleware
	// Used by: audit trail, session rows
	// Type: string
	ClientIPKey Key = "client_ip"

	// UserAgentKey contains the caller's User-Agent header
	// Set by: HTTP middleware
	// Used by: audit trail, session rows
	// Type: string
	UserAgentKey Key = "user_agent"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// Actor is the authenticated principal performing an operation.
type Actor struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WithActor adds the acting principal to the context
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithClient adds caller IP address and user agent to the context
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ClientIPKey, ip)
	return context.WithValue(ctx, UserAgentKey, userAgent)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetActor retrieves the acting principal from context
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ActorKey).(Actor)
	return actor, ok
}

// GetActorID retrieves the acting user's id, or "" when unauthenticated
func GetActorID(ctx context.Context) string {
	actor, _ := GetActor(ctx)
	return actor.UserID
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetClientIP retrieves the caller IP address from context
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ClientIPKey).(string); ok {
		return ip
	}
	return ""
}

// GetUserAgent retrieves the caller user agent from context
func GetUserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(UserAgentKey).(string); ok {
		return ua
	}
	return ""
}
