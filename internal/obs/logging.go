package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/backend-bullion/internal/common"
)

// NewLogger builds the process logger. format "console" or "text" gives
// human-readable output; anything else is JSON. Unknown levels mean info.
func NewLogger(format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stdout
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// RequestLogger writes one http_request line per request. Probe and scrape
// routes log at debug so they do not drown checkout traffic.
type RequestLogger struct {
	Logger zerolog.Logger
}

// Middleware is the chi middleware.
func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := NewStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := Route(r)
		status := rec.Status()
		evt := l.event(route, status)
		evt = evt.
			Str("method", r.Method).
			Str("route", route).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration_ms", time.Since(start)).
			Int64("bytes", rec.BytesWritten()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("client_ip", common.ClientIP(r))
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			evt = evt.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
		}
		if user, ok := common.UserID(r.Context()); ok {
			evt = evt.Str("user_id", user)
		}
		if ua := r.UserAgent(); ua != "" {
			evt = evt.Str("user_agent", ua)
		}
		evt.Msg("http_request")
	})
}

func (l RequestLogger) event(route string, status int) *zerolog.Event {
	switch {
	case status >= http.StatusInternalServerError:
		return l.Logger.Error()
	case route == "/metrics", strings.HasPrefix(route, "/health/"):
		return l.Logger.Debug()
	default:
		return l.Logger.Info()
	}
}
