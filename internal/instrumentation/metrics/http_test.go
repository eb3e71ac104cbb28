package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMetricsCollectorLabelsRoutePattern(t *testing.T) {
	collector := NewHTTPMetricsCollector("api")

	router := chi.NewRouter()
	router.Use(collector.Middleware)
	router.Get("/devices/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Post("/devices", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	srv := httptest.NewServer(router)
	defer srv.Close()

	for _, path := range []string{"/devices/aaa", "/devices/bbb"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, err := http.Post(srv.URL+"/devices", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Both GETs collapse onto the route pattern.
	got := testutil.ToFloat64(collector.requestsCounter.WithLabelValues(http.MethodGet, "/devices/{uuid}", "200"))
	assert.Equal(t, 2.0, got)
	got = testutil.ToFloat64(collector.requestsCounter.WithLabelValues(http.MethodPost, "/devices", "201"))
	assert.Equal(t, 1.0, got)
}

func TestHTTPMetricsCollectorCountsUnroutedRequests(t *testing.T) {
	collector := NewHTTPMetricsCollector("api")

	router := chi.NewRouter()
	router.Use(collector.Middleware)
	router.Get("/known", func(w http.ResponseWriter, r *http.Request) {})

	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	got := testutil.ToFloat64(collector.requestsCounter.WithLabelValues(http.MethodGet, "unrouted", "404"))
	assert.Equal(t, 1.0, got)
}
