package obs

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/backend-bullion/internal/common"
)

const unmatchedRoute = "unmatched"

var defaultBucketsMS = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500}

// HTTPMetrics holds the request collectors shared by the API and worker servers.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics registers request collectors under namespace. Route labels
// are chi patterns so checkout session ids never become label values.
func NewHTTPMetrics(namespace string, bucketsMS []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(bucketsMS) == 0 {
		bucketsMS = defaultBucketsMS
	}
	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route pattern and status class.",
		}, []string{"method", "route", "class"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   bucketsMS,
		}, []string{"method", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Requests currently being served.",
		}),
	}
	mustRegisterCollector(reg, m.Requests, func(c prometheus.Collector) {
		if v, ok := c.(*prometheus.CounterVec); ok {
			m.Requests = v
		}
	})
	mustRegisterCollector(reg, m.Duration, func(c prometheus.Collector) {
		if v, ok := c.(*prometheus.HistogramVec); ok {
			m.Duration = v
		}
	})
	mustRegisterCollector(reg, m.InFlight, func(c prometheus.Collector) {
		if v, ok := c.(prometheus.Gauge); ok {
			m.InFlight = v
		}
	})
	return m
}

// Instrument records request count, latency and in-flight gauge.
func (m *HTTPMetrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.InFlight.Inc()
		defer m.InFlight.Dec()

		rec := NewStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := Route(r)
		m.Requests.WithLabelValues(r.Method, route, StatusClass(rec.Status())).Inc()
		m.Duration.WithLabelValues(r.Method, route).Observe(float64(time.Since(start).Microseconds()) / 1000)
	})
}

// Trace wraps each request in a server span. The span is renamed once chi
// has resolved the route.
func Trace(next http.Handler) http.Handler {
	tracer := otel.Tracer("github.com/noah-isme/backend-bullion/internal/obs")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rec := NewStatusRecorder(w)
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		route := Route(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", rec.Status()),
		)
		if id := chi.URLParam(r, "id"); id != "" {
			span.SetAttributes(attribute.String("checkout.session_id", id))
		}
		if user, ok := common.UserID(r.Context()); ok {
			span.SetAttributes(attribute.String("enduser.id", user))
		}
		if rec.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.Status()))
		}
	})
}

// Route returns the matched chi pattern, or "unmatched" before routing or
// for 404s.
func Route(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return unmatchedRoute
}

// StatusClass collapses a status code into 2xx, 4xx and so on.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// ParseBucketsCSV parses "5,10,25" into ascending bucket bounds, dropping
// junk entries. Empty input yields nil so callers fall back to defaults.
func ParseBucketsCSV(raw string) []float64 {
	var out []float64
	for _, part := range strings.Split(raw, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

// StatusRecorder captures the status and byte count written by a handler.
type StatusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

// NewStatusRecorder wraps w, reusing it when it is already a recorder.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	if rec, ok := w.(*StatusRecorder); ok {
		return rec
	}
	return &StatusRecorder{ResponseWriter: w}
}

func (s *StatusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *StatusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// Status reports the response status, 200 if nothing was written.
func (s *StatusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// BytesWritten reports the body size.
func (s *StatusRecorder) BytesWritten() int64 { return s.bytes }

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *StatusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
