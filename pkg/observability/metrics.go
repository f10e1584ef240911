package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. All helper methods are safe on a nil
// receiver so components can run without metrics in tests.
type Metrics struct {
	// HTTP metrics (ops endpoints)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	AccessDecisionsTotal     *prometheus.CounterVec
	AccessEvaluationDuration prometheus.Histogram
	PermissionChecksTotal    *prometheus.CounterVec

	// Session metrics
	LoginAttemptsTotal   *prometheus.CounterVec
	TokenRefreshesTotal  *prometheus.CounterVec
	SessionsRevokedTotal *prometheus.CounterVec

	// Audit metrics
	AuditWritesTotal             *prometheus.CounterVec
	AuditEnrichmentFailuresTotal prometheus.Counter
	AuditEntriesPurgedTotal      prometheus.Counter

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlwarden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlwarden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		AccessDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlwarden_access_decisions_total",
				Help: "Data access decisions by outcome and deciding source",
			},
			[]string{"decision", "source"},
		),
		AccessEvaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sqlwarden_access_evaluation_duration_seconds",
				Help:    "Time to gather rules and evaluate one data access request",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlwarden_permission_checks_total",
				Help: "Permission helper checks by outcome",
			},
			[]string{"result"},
		),

		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlwarden_login_attempts_total",
				Help: "Authentication attempts by result",
			},
			[]string{"result"},
		),
		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlwarden_token_refreshes_total",
				Help: "Refresh token rotations by result",
			},
			[]string{"result"},
		),
		SessionsRevokedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlwarden_sessions_revoked_total",
				Help: "Sessions revoked by reason",
			},
			[]string{"reason"},
		),

		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlwarden_audit_writes_total",
				Help: "Audit rows written by result",
			},
			[]string{"result"},
		),
		AuditEnrichmentFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlwarden_audit_enrichment_failures_total",
				Help: "Audit rows written without an identity snapshot",
			},
		),
		AuditEntriesPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlwarden_audit_entries_purged_total",
				Help: "Audit rows removed by retention",
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlwarden_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlwarden_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sqlwarden_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sqlwarden_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AccessDecisionsTotal,
		m.AccessEvaluationDuration,
		m.PermissionChecksTotal,
		m.LoginAttemptsTotal,
		m.TokenRefreshesTotal,
		m.SessionsRevokedTotal,
		m.AuditWritesTotal,
		m.AuditEnrichmentFailuresTotal,
		m.AuditEntriesPurgedTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// ObserveAccessDecision records one policy decision.
func (m *Metrics) ObserveAccessDecision(allowed bool, source string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.AccessDecisionsTotal.WithLabelValues(outcome(allowed, "allow", "deny"), source).Inc()
	m.AccessEvaluationDuration.Observe(elapsed.Seconds())
}

// ObservePermissionCheck records one permission helper result.
func (m *Metrics) ObservePermissionCheck(granted bool) {
	if m == nil {
		return
	}
	m.PermissionChecksTotal.WithLabelValues(outcome(granted, "granted", "denied")).Inc()
}

// ObserveLogin records one authentication attempt.
func (m *Metrics) ObserveLogin(success bool) {
	if m == nil {
		return
	}
	m.LoginAttemptsTotal.WithLabelValues(outcome(success, "success", "failure")).Inc()
}

// ObserveRefresh records one refresh token rotation attempt.
func (m *Metrics) ObserveRefresh(success bool) {
	if m == nil {
		return
	}
	m.TokenRefreshesTotal.WithLabelValues(outcome(success, "success", "failure")).Inc()
}

// ObserveRevocation records revoked sessions.
func (m *Metrics) ObserveRevocation(reason string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.SessionsRevokedTotal.WithLabelValues(reason).Add(float64(count))
}

// ObserveAuditWrite records one audit write and whether it carried a snapshot.
func (m *Metrics) ObserveAuditWrite(written, enriched bool) {
	if m == nil {
		return
	}
	m.AuditWritesTotal.WithLabelValues(outcome(written, "written", "failed")).Inc()
	if written && !enriched {
		m.AuditEnrichmentFailuresTotal.Inc()
	}
}

// ObserveAuditPurge records audit rows removed by retention.
func (m *Metrics) ObserveAuditPurge(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.AuditEntriesPurgedTotal.Add(float64(count))
}

// ObserveCache records a cache lookup.
func (m *Metrics) ObserveCache(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

// ObserveDBStats copies pool statistics into the connection gauges.
func (m *Metrics) ObserveDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
