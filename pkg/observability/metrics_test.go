package observability

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAccessDecision(true, "rule", time.Millisecond)
		m.ObservePermissionCheck(false)
		m.ObserveLogin(true)
		m.ObserveRefresh(false)
		m.ObserveRevocation("logout", 1)
		m.ObserveAuditWrite(true, false)
		m.ObserveAuditPurge(3)
		m.ObserveCache("access", true)
		m.ObserveDBStats(sql.DBStats{})
	})
}

func TestMetrics_Observe(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ObserveAccessDecision(false, "no_rules", time.Millisecond)
	m.ObserveAccessDecision(false, "no_rules", time.Millisecond)
	m.ObserveAccessDecision(true, "system", time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AccessDecisionsTotal.WithLabelValues("deny", "no_rules")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccessDecisionsTotal.WithLabelValues("allow", "system")))

	m.ObserveLogin(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoginAttemptsTotal.WithLabelValues("failure")))

	m.ObserveRevocation("logout_all", 3)
	m.ObserveRevocation("logout_all", 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsRevokedTotal.WithLabelValues("logout_all")))

	m.ObserveAuditWrite(true, false)
	m.ObserveAuditWrite(true, true)
	m.ObserveAuditWrite(false, false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuditWritesTotal.WithLabelValues("written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditWritesTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditEnrichmentFailuresTotal))

	m.ObserveDBStats(sql.DBStats{InUse: 4, Idle: 2})
	assert.Equal(t, 4.0, testutil.ToFloat64(m.DBConnectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DBConnectionsIdle))
}

func TestMetricsEndpointAndMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	RegisterMetricsEndpoint(router, registry)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/things/7", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/things/{id}", "418")))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "sqlwarden_http_requests_total"))
}
