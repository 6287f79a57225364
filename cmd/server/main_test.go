package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/paramtune/internal/config"
	"github.com/copyleftdev/paramtune/internal/logging"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{Environment: "test", Optimization: config.DefaultOptimization()}
	handler, srv := newRouter(cfg, logging.New(logging.DebugLevel, io.Discard), prometheus.NewRegistry())
	t.Cleanup(func() { _ = srv.Close() })
	return handler
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetricsExposeOptimizerCollectors(t *testing.T) {
	handler := testRouter(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/optimize", bytes.NewBufferString(`{"objective": {"benchmark": "nope"}}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "paramtune_runs_active")
}
