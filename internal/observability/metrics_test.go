package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveDecision(true, "authorized")

	assert.Contains(t, scrape(t, metrics), "gatekeeper_authz_decisions_total")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	assert.Contains(t, body, `gatekeeper_http_requests_total{code="418",route="/test"} 1`)
	assert.Contains(t, body, `gatekeeper_http_request_duration_seconds_bucket{route="/test"`)
}

func TestObserveDecisionAndRevocation(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveDecision(false, "missing permission")
	metrics.ObserveDecision(false, "missing permission")
	metrics.ObserveDecision(true, "authorized")
	metrics.ObserveRevocation(nil)
	metrics.ObserveRevocation(errors.New("redis down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.decisionsTotal.WithLabelValues("denied", "missing permission")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.decisionsTotal.WithLabelValues("authorized", "authorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.revocations.WithLabelValues("error")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveDecision(true, "authorized")
	metrics.ObserveRevocation(nil)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, metrics.Middleware(next))

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
