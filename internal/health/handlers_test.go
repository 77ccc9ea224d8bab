package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-bullion/internal/health"
	"github.com/noah-isme/backend-bullion/internal/pricing"
)

type stubChecker struct {
	dbErr    error
	redisErr error
}

func (s stubChecker) PingDB(context.Context, time.Duration) error    { return s.dbErr }
func (s stubChecker) PingRedis(context.Context, time.Duration) error { return s.redisErr }

type staticQuotes pricing.Quotes

func (s staticQuotes) Latest() pricing.Quotes { return pricing.Quotes(s) }

func ready(t *testing.T, h health.Handler) (int, map[string]string) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var status map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	return rr.Code, status
}

func TestLive(t *testing.T) {
	rr := httptest.NewRecorder()
	health.Handler{}.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestReadyReportsDependencies(t *testing.T) {
	code, status := ready(t, health.Handler{Checker: stubChecker{}})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, map[string]string{"db": "ok", "redis": "ok"}, status)

	code, status = ready(t, health.Handler{Checker: stubChecker{redisErr: errors.New("redis down")}})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "redis down", status["redis"])
}

func TestReadyReportsSpotFreshness(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	quotes := pricing.Quotes{pricing.Gold: {
		Metal: pricing.Gold, Bid: decimal.NewFromInt(990), Ask: decimal.NewFromInt(1000), AsOf: now.Add(-time.Minute),
	}}
	h := health.Handler{Checker: stubChecker{}, Quotes: staticQuotes(quotes), MaxQuoteAge: 2 * time.Minute, Now: func() time.Time { return now }}

	code, status := ready(t, h)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", status["spot"])

	h.MaxQuoteAge = 30 * time.Second
	code, status = ready(t, h)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "stale", status["spot"])

	h.Quotes = staticQuotes(pricing.Quotes{})
	_, status = ready(t, h)
	require.Equal(t, "empty", status["spot"])
}
