// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/noah-isme/backend-bullion/internal/common"
	"github.com/noah-isme/backend-bullion/internal/pricing"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips readiness. The API clears it when draining for shutdown.
func SetReady(v bool) { ready.Store(v) }

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// QuoteSource exposes the spot snapshot served to pricing.
type QuoteSource interface {
	Latest() pricing.Quotes
}

// Handler exposes HTTP handlers for health endpoints. Spot freshness is
// reported but never fails readiness; sessions surface missing quotes as a
// blocker instead.
type Handler struct {
	Checker      Checker
	Quotes       QuoteSource
	MaxQuoteAge  time.Duration
	DBTimeout    time.Duration
	RedisTimeout time.Duration
	Now          func() time.Time
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	if h.Checker == nil {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "dependencies unavailable"})
		return
	}
	ctx := r.Context()
	status := map[string]string{"db": "ok", "redis": "ok"}
	if err := h.Checker.PingDB(ctx, h.dbTimeout()); err != nil {
		status["db"] = err.Error()
	}
	if err := h.Checker.PingRedis(ctx, h.redisTimeout()); err != nil {
		status["redis"] = err.Error()
	}
	if h.Quotes != nil {
		status["spot"] = h.spotStatus()
	}
	code := http.StatusOK
	if status["db"] != "ok" || status["redis"] != "ok" {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, status)
}

func (h Handler) spotStatus() string {
	quotes := h.Quotes.Latest().List()
	if len(quotes) == 0 {
		return "empty"
	}
	if h.MaxQuoteAge <= 0 {
		return "ok"
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	for _, q := range quotes {
		if now().Sub(q.AsOf) > h.MaxQuoteAge {
			return "stale"
		}
	}
	return "ok"
}

func (h Handler) dbTimeout() time.Duration {
	if h.DBTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.DBTimeout
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}
