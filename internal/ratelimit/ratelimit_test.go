package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-bullion/internal/common"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLimiterAllowSlidingWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := Limiter{Client: newRedis(t), Prefix: "test:", Now: func() time.Time { return now }}
	ctx := context.Background()
	window := 2 * time.Second

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "key", window, 2)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
		require.Equal(t, 1-i, res.Remaining)
	}

	now = now.Add(500 * time.Millisecond)
	res, err := limiter.Allow(ctx, "key", window, 2)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Zero(t, res.Remaining)
	require.True(t, res.Reset.Equal(time.Unix(1_700_000_002, 0)), res.Reset)

	// rejected attempts do not occupy a slot
	now = now.Add(1600 * time.Millisecond)
	res, err = limiter.Allow(ctx, "key", window, 2)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.Remaining)
}

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	handler := Handler{
		Limiter: Limiter{Client: newRedis(t), Prefix: "ratelimit:"},
		Config: Config{
			Key:    func(*http.Request) string { return "static" },
			Window: time.Minute,
			Max:    1,
		},
	}
	counted := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	counted.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	counted.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "1", rr.Header().Get("X-RateLimit-Limit"))
	require.NotEmpty(t, rr.Header().Get("Retry-After"))
	require.Contains(t, rr.Body.String(), "RATE_LIMITED")
}

func TestHandlerMiddlewareFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	var reported error
	handler := Handler{
		Limiter: Limiter{Client: client},
		Config:  Config{Key: func(*http.Request) string { return "err" }, Window: time.Second, Max: 1},
		OnError: func(err error) { reported = err },
	}
	rr := httptest.NewRecorder()
	handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Error(t, reported)
}

func TestSessionEventKeyScopesByCallerAndSession(t *testing.T) {
	var keys []string
	r := chi.NewRouter()
	r.Post("/sessions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, SessionEventKey(r), UserKey(r))
	})

	req := httptest.NewRequest(http.MethodPost, "/sessions/s-1/events", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)
	req = req.WithContext(common.WithUserID(context.Background(), "acct-9"))
	r.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, []string{"", "", "events:acct-9:s-1", "user:acct-9"}, keys)
}

func TestPublicLimiterPerIP(t *testing.T) {
	store, err := NewStore(nil, "public")
	require.NoError(t, err)
	mw, err := Public(store, "2-M", zerolog.Nop())
	require.NoError(t, err)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	call := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/spot", nil)
		req.RemoteAddr = ip + ":4000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	require.Equal(t, http.StatusOK, call("10.0.0.1"))
	require.Equal(t, http.StatusOK, call("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, call("10.0.0.1"))
	require.Equal(t, http.StatusOK, call("10.0.0.2"))

	_, err = Public(store, "lots", zerolog.Nop())
	require.Error(t, err)
}
