// Package middleware provides HTTP middleware for request context,
// authentication and authorization in front of the sqlwarden core.
//
// # Middleware Components
//
// RequestContext: request id, client address and request logger
//
//	router.Use(middleware.RequestContext(logger))
//
// AuthMiddleware: Bearer access token authentication
//
//	router.Use(middleware.NewAuthMiddleware(w.Auth, false).Handler)
//	// Verifies the token and stores the acting principal in the context
//
// RequirePermission / RequireRole: authorization gates
//
//	admin := router.PathPrefix("/users").Subrouter()
//	admin.Use(middleware.RequirePermission(w.Identity, rbac.PermUsersWrite))
//
// Errors are written as {"error": "..."} with 401 for missing or bad
// credentials and 403 for insufficient permissions.
package middleware
