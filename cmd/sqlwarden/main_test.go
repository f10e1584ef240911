package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sqlwarden/pkg/middleware"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

func TestOpsRouter(t *testing.T) {
	db := storage.NewTestHandle(t)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	router := newOpsRouter(observability.NewHealthChecker(db.DB(), nil, "test"), registry, metrics, observability.NopLogger())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	var status observability.HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, observability.StatusHealthy, status.Status)
	assert.Contains(t, status.Dependencies, "database")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sqlwarden_http_requests_total")
}
