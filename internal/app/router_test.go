package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-bullion/internal/app"
	"github.com/noah-isme/backend-bullion/internal/auth"
	"github.com/noah-isme/backend-bullion/internal/checkout"
	"github.com/noah-isme/backend-bullion/internal/common"
	"github.com/noah-isme/backend-bullion/internal/health"
	"github.com/noah-isme/backend-bullion/internal/lock"
	"github.com/noah-isme/backend-bullion/internal/order"
	"github.com/noah-isme/backend-bullion/internal/pricing"
	"github.com/noah-isme/backend-bullion/internal/ratelimit"
	"github.com/noah-isme/backend-bullion/internal/security"
	"github.com/noah-isme/backend-bullion/internal/spot"
	"github.com/noah-isme/backend-bullion/internal/tax"
)

type staticFunds map[string]pricing.Money

func (f staticFunds) Balance(_ context.Context, accountID string) (pricing.Money, error) {
	return f[accountID], nil
}

type recordingSubmitter struct {
	mu   sync.Mutex
	subs []order.Submission
}

func (r *recordingSubmitter) Submit(_ context.Context, sub order.Submission) (order.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, sub)
	return order.Receipt{Reference: "ord-" + sub.SessionID}, nil
}

type okChecker struct{}

func (okChecker) PingDB(context.Context, time.Duration) error    { return nil }
func (okChecker) PingRedis(context.Context, time.Duration) error { return nil }

type harness struct {
	handler http.Handler
	auth    *auth.Service
	orders  *recordingSubmitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	authSvc, err := auth.NewService(auth.Config{Secret: "router-secret"})
	require.NoError(t, err)

	now := time.Now().UTC()
	feed := spot.NewFeed(pricing.NewQuotes([]pricing.SpotQuote{
		{Metal: pricing.Gold, Bid: decimal.NewFromInt(990), Ask: decimal.NewFromInt(1000), AsOf: now},
	}))
	funds := staticFunds{"acct-1": 150000}
	pricingSvc := pricing.NewService(pricing.NewEngine(nil), zerolog.Nop())
	orders := &recordingSubmitter{}
	checkoutSvc := &checkout.Service{
		Store:    checkout.NewStore(client, time.Hour),
		Locker:   lock.Locker{R: client, RetryBackoff: time.Millisecond, Wait: time.Second},
		Pricing:  pricingSvc,
		Quotes:   feed,
		Funds:    funds,
		Tax:      tax.FlatRateEngine{RegionBps: map[string]int64{"TX": 825}},
		Orders:   orders,
		Policy:   checkout.Policy{StrictTax: true},
		Currency: "USD",
		Logger:   zerolog.Nop(),
		Go:       func(fn func()) { fn() },
	}

	limitStore, err := ratelimit.NewStore(nil, "public")
	require.NoError(t, err)
	public, err := ratelimit.Public(limitStore, "3-M", zerolog.Nop())
	require.NoError(t, err)

	h := app.NewRouter(app.RouterConfig{
		Logger:      zerolog.Nop(),
		Auth:        authSvc,
		Pricing:     pricingSvc,
		Checkout:    checkoutSvc,
		Funds:       funds,
		Feed:        feed,
		Health:      health.Handler{Checker: okChecker{}, Quotes: feed},
		Idem:        common.Idem{R: client, TTL: time.Hour},
		PublicLimit: public,
		EventLimit: ratelimit.Handler{
			Limiter: ratelimit.Limiter{Client: client, Prefix: "ratelimit:"},
			Config:  ratelimit.Config{Key: ratelimit.SessionEventKey, Window: time.Minute, Max: 3},
		},
		BodyLimit: security.BodyLimit{Max: 4096},
		Headers:   security.Headers{Enable: true},
	})
	return &harness{handler: h, auth: authSvc, orders: orders}
}

func (h *harness) do(t *testing.T, method, path, body, account string, roles []string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		token, _, err := h.auth.SignAccessToken(account, roles, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestRouterPublicEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health/ready", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"spot":"ok"`)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = h.do(t, http.MethodGet, "/api/v1/spot", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"metal":"gold"`)

	rec = h.do(t, http.MethodPost, "/api/v1/pricing/order-totals",
		`{"items":[{"kind":"bullion","metal":"gold","contentTroyOz":"1","quantity":1}]}`, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"baseTotal":100000`)

	rec = h.do(t, http.MethodGet, "/api/v1/spot", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/v1/spot", "", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestRouterCheckoutRequiresAuth(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/api/v1/checkout/sessions", `{}`, "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/accounts/me/funds", "", "", nil).Code)

	rec := h.do(t, http.MethodGet, "/api/v1/accounts/me/funds", "", "acct-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"balanceMinor":150000`)
}

func TestRouterCheckoutFlow(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/checkout/sessions", `{"side":"buy"}`, "acct-1", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data checkout.View `json:"data"`
	}
	require.NoError(t, jsonDecode(rec, &created))
	id := created.Data.Session.ID
	base := "/api/v1/checkout/sessions/" + id

	for _, body := range []string{
		`{"type":"cartChanged","items":[{"kind":"bullion","metal":"gold","contentTroyOz":"1","quantity":1}]}`,
		`{"type":"addressChanged","address":{"line1":"1 Congress Ave","city":"Austin","region":"TX","postalCode":"78701","country":"US"}}`,
		`{"type":"fundsToggled","useFunds":true}`,
	} {
		rec = h.do(t, http.MethodPost, base+"/events", body, "acct-1", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	require.Contains(t, rec.Body.String(), `"paymentMethod":"FUNDS"`)
	require.Contains(t, rec.Body.String(), `"canSubmit":true`)

	rec = h.do(t, http.MethodPost, base+"/events", `{"type":"fundsToggled","useFunds":true}`, "acct-1", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = h.do(t, http.MethodPost, base+"/override", `{"enabled":true}`, "acct-1", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(t, http.MethodPost, base+"/override", `{"enabled":false}`, "op-1", []string{auth.RoleOperator})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, base, "", "acct-2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	first := h.do(t, http.MethodPost, base+"/submit", `{}`, "acct-1", nil, "Idempotency-Key", "submit-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	replay := h.do(t, http.MethodPost, base+"/submit", `{}`, "acct-1", nil, "Idempotency-Key", "submit-1")
	require.Equal(t, http.StatusCreated, replay.Code)
	require.JSONEq(t, first.Body.String(), replay.Body.String())
	require.Len(t, h.orders.subs, 1)
	require.Equal(t, pricing.MethodFunds, h.orders.subs[0].PaymentMethod)

	again := h.do(t, http.MethodPost, base+"/submit", `{}`, "acct-1", nil, "Idempotency-Key", "submit-2")
	require.Equal(t, http.StatusConflict, again.Code)
	require.Contains(t, again.Body.String(), checkout.BlockAlreadySubmitted)
}

func jsonDecode(rec *httptest.ResponseRecorder, v any) error {
	return json.Unmarshal(rec.Body.Bytes(), v)
}
