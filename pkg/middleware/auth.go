package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/sqlwarden/pkg/auth"
	"github.com/platinummonkey/sqlwarden/pkg/contextkeys"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// TokenVerifier verifies access tokens. Satisfied by *auth.Manager and
// *auth.TokenService.
type TokenVerifier interface {
	VerifyAccessToken(token string) (*auth.AccessClaims, error)
}

// PermissionChecker answers permission questions. Satisfied by *rbac.Store.
type PermissionChecker interface {
	UserHasAnyPermission(ctx context.Context, userID string, permissions ...string) (bool, error)
}

// RequestContext attaches a request id, the caller's address and user agent,
// and a request-scoped logger to every request. Audit entries and sessions
// written further down read these from the context.
func RequestContext(logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := contextkeys.WithRequestID(r.Context(), requestID)
			ctx = contextkeys.WithClient(ctx, getClientIP(r), r.UserAgent())
			ctx = observability.WithLogger(ctx, logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthMiddleware provides authentication middleware
type AuthMiddleware struct {
	verifier TokenVerifier
	optional bool // If true, allow requests without auth
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier TokenVerifier, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			errorResponse(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Format: "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			errorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		claims, err := m.verifier.VerifyAccessToken(parts[1])
		if err != nil {
			observability.FromContext(r.Context(), nil).WithError(err).Debug("rejected access token")
			errorResponse(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := contextkeys.WithActor(r.Context(), contextkeys.Actor{
			UserID: claims.Subject,
			Roles:  claims.Roles,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission admits requests whose actor holds at least one of
// permissions. Permissions are looked up live, so a revoked grant takes
// effect before the access token expires.
func RequirePermission(checker PermissionChecker, permissions ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := contextkeys.GetActorID(r.Context())
			if userID == "" {
				errorResponse(w, http.StatusUnauthorized, "authentication required")
				return
			}

			ok, err := checker.UserHasAnyPermission(r.Context(), userID, permissions...)
			if err != nil {
				observability.FromContext(r.Context(), nil).WithError(err).Error("permission check failed")
				errorResponse(w, http.StatusInternalServerError, "permission check failed")
				return
			}
			if !ok {
				errorResponse(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole admits requests whose token carries role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := contextkeys.GetActor(r.Context())
			if !ok {
				errorResponse(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !actor.HasRole(role) {
				errorResponse(w, http.StatusForbidden, "insufficient role permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the client IP from request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For may hold a chain; the first hop is the client
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
