// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", id).Info("login succeeded")
//
// Request-scoped logging picks up the request id and acting user from the
// context:
//
//	observability.FromContext(ctx, logger).Warn("audit snapshot unavailable")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveAccessDecision(false, "no_rules", elapsed)
//
// Every Observe helper is a no-op on a nil *Metrics.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(handle.DB(), redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// /healthz is the liveness probe. /readyz pings the database and Redis under
// a timeout and returns 503 when the database is unreachable; a Redis outage
// only degrades.
package observability
