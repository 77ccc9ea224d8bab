package checkout_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-bullion/internal/auth"
	"github.com/noah-isme/backend-bullion/internal/checkout"
	"github.com/noah-isme/backend-bullion/internal/common"
	"github.com/noah-isme/backend-bullion/internal/lock"
	"github.com/noah-isme/backend-bullion/internal/obs"
	"github.com/noah-isme/backend-bullion/internal/order"
	"github.com/noah-isme/backend-bullion/internal/pricing"
	"github.com/noah-isme/backend-bullion/internal/spot"
	"github.com/noah-isme/backend-bullion/internal/tax"
)

func init() {
	obs.MustRegisterDomainMetrics("checkout_test", prometheus.NewRegistry())
}

type fakeFunds map[string]pricing.Money

func (f fakeFunds) Balance(_ context.Context, accountID string) (pricing.Money, error) {
	return f[accountID], nil
}

type fakeTax struct {
	mu     sync.Mutex
	amount pricing.Money
	err    error
	calls  int
}

func (f *fakeTax) Calculate(_ context.Context, _ tax.Request) (pricing.Money, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.amount, f.err
}

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []order.Submission
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, sub order.Submission) (order.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return order.Receipt{}, f.err
	}
	f.subs = append(f.subs, sub)
	return order.Receipt{Reference: "ord-" + sub.SessionID}, nil
}

type fixture struct {
	svc    *checkout.Service
	feed   *spot.Feed
	funds  fakeFunds
	tax    *fakeTax
	orders *fakeSubmitter
	clock  time.Time
	// pending holds deferred tax lookups when the fixture runs them manually.
	pending []func()
}

func newFixture(t *testing.T, strict bool) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		feed:   spot.NewFeed(pricing.NewQuotes(spotList())),
		funds:  fakeFunds{"acct-1": 40000},
		tax:    &fakeTax{amount: 8250},
		orders: &fakeSubmitter{},
		clock:  t0,
	}
	ids := 0
	f.svc = &checkout.Service{
		Store:    checkout.NewStore(client, time.Hour),
		Locker:   lock.Locker{R: client, RetryBackoff: time.Millisecond, Wait: time.Second},
		Pricing:  pricer(),
		Quotes:   f.feed,
		Funds:    f.funds,
		Tax:      f.tax,
		Orders:   f.orders,
		Policy:   checkout.Policy{StrictTax: strict},
		Currency: "USD",
		LockTTL:  time.Second,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return f.clock },
		NewID: func() string {
			ids++
			return "sess-" + string(rune('0'+ids))
		},
		Go: func(fn func()) { fn() },
	}
	return f
}

// deferTax queues lookups instead of running them inline.
func (f *fixture) deferTax() {
	f.svc.Go = func(fn func()) { f.pending = append(f.pending, fn) }
}

func customer(id string) context.Context {
	return common.WithUserID(context.Background(), id)
}

func operator() context.Context {
	return common.WithRoles(common.WithUserID(context.Background(), "op-1"), []string{auth.RoleOperator})
}

func appCode(t *testing.T, err error) string {
	t.Helper()
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	return appErr.Code
}

func (f *fixture) readySession(t *testing.T) string {
	t.Helper()
	ctx := customer("acct-1")
	view, err := f.svc.Create(ctx, pricing.Buy)
	require.NoError(t, err)
	id := view.Session.ID
	require.EqualValues(t, 40000, view.Session.Funds)

	_, err = f.svc.Apply(ctx, id, checkout.Event{Type: checkout.EventCartChanged, Items: goldBars(1)})
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, id, checkout.Event{Type: checkout.EventAddressChanged, Address: texas()})
	require.NoError(t, err)
	return id
}

func TestServiceCheckoutFlow(t *testing.T) {
	f := newFixture(t, true)
	ctx := customer("acct-1")
	id := f.readySession(t)

	view, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.TaxResolved, view.Session.Tax.Status)
	require.EqualValues(t, 8250, view.Totals.SalesTax)
	require.Equal(t, pricing.MethodCard, view.Totals.Method)

	view, err = f.svc.Apply(ctx, id, checkout.Event{Type: checkout.EventFundsToggled, UseFunds: ptr(true)})
	require.NoError(t, err)
	require.Equal(t, pricing.MethodCardAndFunds, view.Totals.Method)
	require.EqualValues(t, 60000, view.Totals.SubjectToChargesAmount)
	require.EqualValues(t, 1800, view.Totals.SurchargeAmount)
	require.EqualValues(t, 60000+1800+8250, view.Totals.PostChargesAmount)
	require.Equal(t, 1, f.tax.calls)

	_, _, err = f.svc.Submit(ctx, id, "")
	require.Equal(t, checkout.BlockInstrumentMissing, appCode(t, err))

	before := testutil.ToFloat64(obs.OrderSubmissions.WithLabelValues("accepted"))
	view, receipt, err := f.svc.Submit(ctx, id, "pm_card_1")
	require.NoError(t, err)
	require.Equal(t, "ord-"+id, receipt.Reference)
	require.True(t, view.Session.Submitted)
	require.False(t, view.CanSubmit)
	require.Equal(t, before+1, testutil.ToFloat64(obs.OrderSubmissions.WithLabelValues("accepted")))

	require.Len(t, f.orders.subs, 1)
	sub := f.orders.subs[0]
	require.Equal(t, pricing.MethodCardAndFunds, sub.PaymentMethod)
	require.Equal(t, "pm_card_1", sub.InstrumentRef)
	require.EqualValues(t, 40000, sub.AppliedFunds)
	require.EqualValues(t, 8250, sub.SalesTax)

	_, _, err = f.svc.Submit(ctx, id, "pm_card_1")
	require.Equal(t, checkout.BlockAlreadySubmitted, appCode(t, err))
	require.Len(t, f.orders.subs, 1)

	_, err = f.svc.Apply(ctx, id, checkout.Event{Type: checkout.EventCartChanged, Items: goldBars(5)})
	require.Equal(t, "SESSION_SUBMITTED", appCode(t, err))
}

func TestServiceReadsLatestQuotes(t *testing.T) {
	f := newFixture(t, true)
	ctx := customer("acct-1")
	id := f.readySession(t)

	view, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 100000, view.Totals.BaseTotal)

	quotes := spotList()
	quotes[0].Ask = dec("1010.50")
	f.feed.Replace(pricing.NewQuotes(quotes))

	view, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 101050, view.Totals.BaseTotal)

	f.feed.Replace(pricing.NewQuotes(quotes[1:]))
	_, _, err = f.svc.Submit(ctx, id, "pm")
	require.Equal(t, checkout.BlockQuoteUnavailable, appCode(t, err))
}

func TestServiceDiscardsSupersededTax(t *testing.T) {
	f := newFixture(t, true)
	f.deferTax()
	ctx := customer("acct-1")
	id := f.readySession(t)
	require.Len(t, f.pending, 1)

	_, err := f.svc.Apply(ctx, id, checkout.Event{Type: checkout.EventCartChanged, Items: goldBars(2)})
	require.NoError(t, err)
	require.Len(t, f.pending, 2)

	// Toggling funds does not start another lookup.
	_, err = f.svc.Apply(ctx, id, checkout.Event{Type: checkout.EventFundsToggled, UseFunds: ptr(false)})
	require.NoError(t, err)
	require.Len(t, f.pending, 2)

	discarded := testutil.ToFloat64(obs.TaxResponseDiscarded)
	f.tax.amount = 1111
	f.pending[0]()
	require.Equal(t, discarded+1, testutil.ToFloat64(obs.TaxResponseDiscarded))

	view, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.TaxPending, view.Session.Tax.Status)
	require.Contains(t, view.Blockers, checkout.BlockTaxPending)

	f.tax.amount = 16500
	f.pending[1]()
	view, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.TaxResolved, view.Session.Tax.Status)
	require.EqualValues(t, 16500, view.Totals.SalesTax)
}

func TestServiceRequeuesLostTaxLookup(t *testing.T) {
	f := newFixture(t, true)
	f.deferTax()
	ctx := customer("acct-1")
	id := f.readySession(t)
	require.Len(t, f.pending, 1)
	// The process running the lookup went away.
	f.pending = nil

	view, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.TaxPending, view.Session.Tax.Status)
	require.Empty(t, f.pending)

	f.clock = t0.Add(10 * time.Second)
	view, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.TaxPending, view.Session.Tax.Status)
	require.Equal(t, f.clock, view.Session.Tax.RequestedAt)
	require.Len(t, f.pending, 1)

	// The requeued lookup is in flight, so polling does not start another.
	_, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, f.pending, 1)

	f.pending[0]()
	view, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.TaxResolved, view.Session.Tax.Status)
	require.True(t, view.CanSubmit, view.Blockers)
}

func TestServiceRequeuesStalledTaxOnSameInput(t *testing.T) {
	f := newFixture(t, true)
	f.deferTax()
	ctx := customer("acct-1")
	id := f.readySession(t)
	f.pending = nil

	view, err := f.svc.Apply(ctx, id, checkout.Event{Type: checkout.EventAddressChanged, Address: texas()})
	require.NoError(t, err)
	require.Empty(t, f.pending)
	require.Contains(t, view.Blockers, checkout.BlockTaxPending)

	f.clock = t0.Add(time.Minute)
	_, err = f.svc.Apply(ctx, id, checkout.Event{Type: checkout.EventAddressChanged, Address: texas()})
	require.NoError(t, err)
	require.Len(t, f.pending, 1)

	f.pending[0]()
	view, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.TaxResolved, view.Session.Tax.Status)
	require.EqualValues(t, 8250, view.Totals.SalesTax)
}

// busyLocker reports the lock as held for the next fails calls.
type busyLocker struct {
	checkout.Locker
	mu    sync.Mutex
	fails int
}

func (b *busyLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	b.mu.Lock()
	if b.fails > 0 {
		b.fails--
		b.mu.Unlock()
		return lock.ErrNotAcquired
	}
	b.mu.Unlock()
	return b.Locker.WithLock(ctx, key, ttl, fn)
}

func TestServiceRetriesTaxSaveWhileSessionBusy(t *testing.T) {
	f := newFixture(t, true)
	f.deferTax()
	ctx := customer("acct-1")
	id := f.readySession(t)
	require.Len(t, f.pending, 1)

	busy := &busyLocker{Locker: f.svc.Locker, fails: 2}
	f.svc.Locker = busy
	f.pending[0]()
	require.Zero(t, busy.fails)

	view, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.TaxResolved, view.Session.Tax.Status)
	require.EqualValues(t, 8250, view.Totals.SalesTax)
}

func TestServiceRejectsUnknownPayoutMethod(t *testing.T) {
	f := newFixture(t, true)
	ctx := customer("acct-1")
	view, err := f.svc.Create(ctx, pricing.Sell)
	require.NoError(t, err)

	_, err = f.svc.Apply(ctx, view.Session.ID, checkout.Event{Type: checkout.EventPayoutMethodSelected, PayoutMethod: pricing.MethodCard})
	require.Equal(t, "VALIDATION_ERROR", appCode(t, err))
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, map[string]any{"allowed": pricing.PayoutMethods}, appErr.Details)
}

func TestServiceTaxUnavailablePolicy(t *testing.T) {
	strict := newFixture(t, true)
	strict.tax.err = tax.ErrUnavailable
	id := strict.readySession(t)
	_, _, err := strict.svc.Submit(customer("acct-1"), id, "pm")
	require.Equal(t, checkout.BlockTaxUnavailable, appCode(t, err))
	require.Empty(t, strict.orders.subs)

	lenient := newFixture(t, false)
	lenient.tax.err = tax.ErrUnavailable
	id = lenient.readySession(t)
	view, _, err := lenient.svc.Submit(customer("acct-1"), id, "pm")
	require.NoError(t, err)
	require.Zero(t, view.Totals.SalesTax)
	require.Len(t, lenient.orders.subs, 1)
}

func TestServiceOverride(t *testing.T) {
	f := newFixture(t, true)
	id := f.readySession(t)

	_, err := f.svc.Override(customer("acct-1"), id, true)
	require.Equal(t, "FORBIDDEN", appCode(t, err))

	rejected := testutil.ToFloat64(obs.PaymentOverrideRejected)
	view, err := f.svc.Override(operator(), id, true)
	require.NoError(t, err)
	require.NotEmpty(t, view.OverrideRejected)
	require.Equal(t, pricing.MethodCard, view.Totals.Method)
	require.Equal(t, rejected+1, testutil.ToFloat64(obs.PaymentOverrideRejected))

	_, _, err = f.svc.Submit(customer("acct-1"), id, "pm")
	require.Equal(t, checkout.BlockMethodInfeasible, appCode(t, err))

	// The balance is re-read on submit.
	f.funds["acct-1"] = 250000
	view, _, err = f.svc.Submit(customer("acct-1"), id, "")
	require.NoError(t, err)
	require.Equal(t, pricing.MethodFunds, view.Totals.Method)
	require.EqualValues(t, 100000, f.orders.subs[0].AppliedFunds)
	require.Zero(t, f.orders.subs[0].SurchargeAmount)
}

func TestServiceHidesOtherAccountsSessions(t *testing.T) {
	f := newFixture(t, true)
	id := f.readySession(t)

	_, err := f.svc.Get(customer("acct-2"), id)
	require.Equal(t, "SESSION_NOT_FOUND", appCode(t, err))
	_, err = f.svc.Apply(customer("acct-2"), id, checkout.Event{Type: checkout.EventCartChanged})
	require.Equal(t, "SESSION_NOT_FOUND", appCode(t, err))

	_, err = f.svc.Get(operator(), id)
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), id)
	require.Equal(t, "UNAUTHORIZED", appCode(t, err))
}

func TestServiceOrderServiceFailureKeepsSessionOpen(t *testing.T) {
	f := newFixture(t, true)
	id := f.readySession(t)
	f.orders.err = order.ErrUnavailable

	_, _, err := f.svc.Submit(customer("acct-1"), id, "pm")
	require.Equal(t, "ORDER_SERVICE_UNAVAILABLE", appCode(t, err))

	view, err := f.svc.Get(customer("acct-1"), id)
	require.NoError(t, err)
	require.False(t, view.Session.Submitted)
	require.True(t, view.CanSubmit)
}

func router(svc *checkout.Service, user string, roles ...string) http.Handler {
	h := &checkout.Handler{Svc: svc}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := common.WithRoles(common.WithUserID(req.Context(), user), roles)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Post("/checkout/sessions", h.Create)
	r.Get("/checkout/sessions/{id}", h.Get)
	r.Post("/checkout/sessions/{id}/events", h.Event)
	r.Post("/checkout/sessions/{id}/override", h.Override)
	r.Post("/checkout/sessions/{id}/submit", h.Submit)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlersDriveSession(t *testing.T) {
	f := newFixture(t, true)
	h := router(f.svc, "acct-1")

	rec := do(t, h, http.MethodPost, "/checkout/sessions", `{"side":"buy"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"sess-1"`)

	rec = do(t, h, http.MethodPost, "/checkout/sessions/sess-1/events",
		`{"type":"cartChanged","items":[{"kind":"bullion","metal":"gold","contentTroyOz":"1","quantity":2}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"baseTotal":200000`)

	rec = do(t, h, http.MethodPost, "/checkout/sessions/sess-1/events",
		`{"type":"taxResolved","tax":{"fingerprint":"x","amount":0}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "EVENT_NOT_ALLOWED")

	rec = do(t, h, http.MethodPost, "/checkout/sessions/sess-1/events", `{"type":"cartChanged","items":[{"kind":"bullion","metal":"tin","quantity":1}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "VALIDATION_ERROR")

	rec = do(t, h, http.MethodPost, "/checkout/sessions/sess-1/submit", `{"instrumentRef":"pm"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), checkout.BlockAddressRequired)

	rec = do(t, h, http.MethodPost, "/checkout/sessions/sess-1/override", `{"enabled":true}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/checkout/sessions/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	opRouter := router(f.svc, "op-1", auth.RoleOperator)
	rec = do(t, opRouter, http.MethodPost, "/checkout/sessions/sess-1/override", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
