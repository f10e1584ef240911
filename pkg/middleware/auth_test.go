package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/platinummonkey/sqlwarden/pkg/auth"
	"github.com/platinummonkey/sqlwarden/pkg/contextkeys"
)

func newTokens(t *testing.T) *auth.TokenService {
	t.Helper()
	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: "middleware-secret"})
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}
	return tokens
}

func issue(t *testing.T, tokens *auth.TokenService, userID string, roles ...string) string {
	t.Helper()
	token, _, err := tokens.IssueAccessToken(auth.Principal{UserID: userID, Roles: roles}, "session-1")
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	return token
}

type stubChecker struct {
	granted map[string][]string
	err     error
}

func (s stubChecker) UserHasAnyPermission(_ context.Context, userID string, permissions ...string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	for _, held := range s.granted[userID] {
		for _, p := range permissions {
			if held == p {
				return true, nil
			}
		}
	}
	return false, nil
}

func TestAuthMiddleware_Handler(t *testing.T) {
	tokens := newTokens(t)
	valid := issue(t, tokens, "user-1", "viewer")

	tests := []struct {
		name       string
		optional   bool
		header     string
		wantStatus int
		wantBody   string
		wantActor  string
	}{
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized, wantBody: "missing authorization header"},
		{name: "missing header optional", optional: true, header: "", wantStatus: http.StatusOK},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized, wantBody: "invalid authorization header format"},
		{name: "no token", header: "Bearer", wantStatus: http.StatusUnauthorized, wantBody: "invalid authorization header format"},
		{name: "garbage token", header: "Bearer not-a-jwt", wantStatus: http.StatusUnauthorized, wantBody: "invalid or expired token"},
		{name: "valid token", header: "Bearer " + valid, wantStatus: http.StatusOK, wantActor: "user-1"},
		{name: "lowercase scheme", header: "bearer " + valid, wantStatus: http.StatusOK, wantActor: "user-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotActor string
			handler := NewAuthMiddleware(tokens, tt.optional).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotActor = contextkeys.GetActorID(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want containing %q", w.Body.String(), tt.wantBody)
			}
			if gotActor != tt.wantActor {
				t.Errorf("actor = %q, want %q", gotActor, tt.wantActor)
			}
		})
	}
}

func TestAuthMiddleware_RejectsRefreshToken(t *testing.T) {
	tokens := newTokens(t)
	refresh, _, err := tokens.IssueRefreshToken("user-1", "session-1")
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}

	handler := NewAuthMiddleware(tokens, false).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+refresh)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRequirePermission(t *testing.T) {
	checker := stubChecker{granted: map[string][]string{
		"admin":  {"users:write", "users:read"},
		"viewer": {"connections:read"},
	}}

	tests := []struct {
		name       string
		checker    PermissionChecker
		actor      string
		wantStatus int
	}{
		{name: "anonymous", checker: checker, wantStatus: http.StatusUnauthorized},
		{name: "granted", checker: checker, actor: "admin", wantStatus: http.StatusOK},
		{name: "denied", checker: checker, actor: "viewer", wantStatus: http.StatusForbidden},
		{name: "checker error", checker: stubChecker{err: errors.New("db down")}, actor: "admin", wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequirePermission(tt.checker, "users:write", "users:admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/users", nil)
			if tt.actor != "" {
				req = req.WithContext(contextkeys.WithActor(req.Context(), contextkeys.Actor{UserID: tt.actor}))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := map[string]struct {
		actor *contextkeys.Actor
		want  int
	}{
		"anonymous": {nil, http.StatusUnauthorized},
		"admin":     {&contextkeys.Actor{UserID: "u1", Roles: []string{"viewer", "admin"}}, http.StatusOK},
		"viewer":    {&contextkeys.Actor{UserID: "u2", Roles: []string{"viewer"}}, http.StatusForbidden},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.actor != nil {
				req = req.WithContext(contextkeys.WithActor(req.Context(), *tc.actor))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestRequestContext(t *testing.T) {
	var gotID, gotIP, gotUA string
	handler := RequestContext(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = contextkeys.GetRequestID(r.Context())
		gotIP = contextkeys.GetClientIP(r.Context())
		gotUA = contextkeys.GetUserAgent(r.Context())
	}))

	t.Run("propagates incoming request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		req.Header.Set("User-Agent", "psql-ui/1.0")
		req.RemoteAddr = "198.51.100.4:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if gotID != "req-42" || w.Header().Get(RequestIDHeader) != "req-42" {
			t.Errorf("request id = %q, header = %q", gotID, w.Header().Get(RequestIDHeader))
		}
		if gotIP != "198.51.100.4" {
			t.Errorf("client ip = %q", gotIP)
		}
		if gotUA != "psql-ui/1.0" {
			t.Errorf("user agent = %q", gotUA)
		}
	})

	t.Run("generates request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if gotID == "" || gotID != w.Header().Get(RequestIDHeader) {
			t.Errorf("request id = %q, header = %q", gotID, w.Header().Get(RequestIDHeader))
		}
	})
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		want       string
	}{
		{name: "forwarded chain", forwarded: "203.0.113.1, 10.0.0.1", remoteAddr: "10.0.0.2:80", want: "203.0.113.1"},
		{name: "real ip", realIP: "203.0.113.9", remoteAddr: "10.0.0.2:80", want: "203.0.113.9"},
		{name: "remote addr", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "remote addr without port", remoteAddr: "192.0.2.1", want: "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
