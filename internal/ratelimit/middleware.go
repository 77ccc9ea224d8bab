package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-bullion/internal/common"
)

// Config describes how to derive a rate limit key and thresholds.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler enforces rate limits before delegating to the next handler.
// Limiter failures fail open and are reported through OnError.
type Handler struct {
	Limiter Limiter
	Config  Config
	OnError func(error)
}

// Middleware implements the http.Handler middleware interface.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := h.Config.Key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		res, err := h.Limiter.Allow(r.Context(), key, h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(max(h.Config.Max, 0)))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

		if !res.Allowed {
			retryAfter := int(time.Until(res.Reset).Round(time.Second).Seconds())
			headers.Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", map[string]any{"retryAfterSeconds": max(retryAfter, 1)})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SessionEventKey scopes limits to the caller and the checkout session in the path.
func SessionEventKey(r *http.Request) string {
	userID, _ := common.UserID(r.Context())
	sessionID := chi.URLParam(r, "id")
	if userID == "" || sessionID == "" {
		return ""
	}
	return "events:" + userID + ":" + sessionID
}

// UserKey scopes limits to the authenticated caller.
func UserKey(r *http.Request) string {
	userID, _ := common.UserID(r.Context())
	if userID == "" {
		return ""
	}
	return "user:" + userID
}
