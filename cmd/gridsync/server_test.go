package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/gridsync/pkg/collaboration"
	"github.com/developer-mesh/gridsync/pkg/config"
	"github.com/developer-mesh/gridsync/pkg/observability"
)

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter(t *testing.T) {
	metricsClient, registry := newMetrics(observability.MetricsConfig{
		Enabled:   true,
		Namespace: "gridsync",
		Subsystem: "test",
	}, "client-1")
	metricsClient.IncrementCounter("remote_operations_total", 1)

	ed := newFakeEditor()
	ed.grid.Set(collaboration.CellScope("A1", 0), "value", "7")
	router := newRouter(ed, registry, config.HTTPConfig{}, "error")

	t.Run("Health", func(t *testing.T) {
		w := serve(t, router, http.MethodGet, "/health")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Status", func(t *testing.T) {
		ed.stats = []collaboration.Stats{{Mid: "doc", Status: collaboration.StatusReady, SendState: "idle"}}
		w := serve(t, router, http.MethodGet, "/status")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"mid":"doc"`)
	})

	t.Run("Status reports save errors", func(t *testing.T) {
		ed.stats = []collaboration.Stats{{Status: collaboration.StatusSaveError, LastError: "boom"}}
		w := serve(t, router, http.MethodGet, "/status")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"last_error":"boom"`)
	})

	t.Run("Document", func(t *testing.T) {
		w := serve(t, router, http.MethodGet, "/document")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), `"value":"7"`)
	})

	t.Run("Resume", func(t *testing.T) {
		w := serve(t, router, http.MethodPost, "/resume")
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, ed.calls, "resume")
	})

	t.Run("Metrics", func(t *testing.T) {
		w := serve(t, router, http.MethodGet, "/metrics")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "gridsync_test_remote_operations_total")
		assert.Contains(t, w.Body.String(), `client="client-1"`)
	})
}

func TestRouter_MetricsDisabled(t *testing.T) {
	_, registry := newMetrics(observability.MetricsConfig{Enabled: false}, "client-1")
	assert.Nil(t, registry)

	w := serve(t, newRouter(newFakeEditor(), registry, config.HTTPConfig{}, "error"), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_RateLimit(t *testing.T) {
	router := newRouter(newFakeEditor(), nil, config.HTTPConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, Limit: 0.001, Burst: 2},
	}, "error")

	assert.Equal(t, http.StatusOK, serve(t, router, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusOK, serve(t, router, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(t, router, http.MethodGet, "/health").Code)
}
