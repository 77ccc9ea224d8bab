package obs_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-bullion/internal/obs"
)

func TestInstrumentUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("bullion", []float64{1, 10}, reg)

	r := chi.NewRouter()
	r.Use(metrics.Instrument)
	r.Get("/checkout/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a1", "b2", "c3"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/checkout/sessions/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	require.Equal(t, 3.0, testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodGet, "/checkout/sessions/{id}", "4xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodGet, "unmatched", "4xx")))
	require.Equal(t, 2, testutil.CollectAndCount(metrics.Requests))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.InFlight))
}

func TestNewHTTPMetricsReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := obs.NewHTTPMetrics("bullion", nil, reg)
	second := obs.NewHTTPMetrics("bullion", nil, reg)
	require.Same(t, first.Requests, second.Requests)
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", obs.StatusClass(201))
	require.Equal(t, "5xx", obs.StatusClass(503))
	require.Equal(t, "unknown", obs.StatusClass(42))
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 25, 100}, obs.ParseBucketsCSV("100, 5,junk,-1,25"))
	require.Nil(t, obs.ParseBucketsCSV(""))
}

func TestRequestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := chi.NewRouter()
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/api/v1/pricing/order-totals", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/pricing/order-totals", nil))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var probe, failed map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &probe))
	require.NoError(t, json.Unmarshal(lines[1], &failed))
	require.Equal(t, "debug", probe["level"])
	require.Equal(t, "error", failed["level"])
	require.Equal(t, "/api/v1/pricing/order-totals", failed["route"])
	require.EqualValues(t, 502, failed["status"])
}
