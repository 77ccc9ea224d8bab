package spot_test

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
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-bullion/internal/pricing"
	"github.com/noah-isme/backend-bullion/internal/spot"
)

func quote(metal pricing.Metal, bid, ask string) pricing.SpotQuote {
	return pricing.SpotQuote{
		Metal: metal,
		Bid:   decimal.RequireFromString(bid),
		Ask:   decimal.RequireFromString(ask),
		AsOf:  time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC),
	}
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestFeedReplaceIsIsolated(t *testing.T) {
	src := pricing.NewQuotes([]pricing.SpotQuote{quote(pricing.Gold, "1990", "2000")})
	feed := spot.NewFeed(src)

	src[pricing.Silver] = quote(pricing.Silver, "24", "25")
	_, ok := feed.Lookup(pricing.Silver)
	require.False(t, ok, "mutating the source map must not leak into the feed")

	feed.Replace(pricing.NewQuotes([]pricing.SpotQuote{quote(pricing.Gold, "2010", "2020")}))
	got, ok := feed.Lookup(pricing.Gold)
	require.True(t, ok)
	require.Equal(t, "2020", got.Ask.String())

	var empty *spot.Feed
	require.Empty(t, empty.Latest())
}

func TestClientParsesUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"metal":"XAU","bid":"2301.10","ask":"2311.40","change":"-3.2"},
			{"metal":"silver","bid":27.05,"ask":27.45,"change":0.12},
			{"metal":"rhodium","bid":"4500","ask":"4700"}
		]`))
	}))
	t.Cleanup(srv.Close)

	fixed := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	client := spot.NewClient(srv.URL, time.Second)
	client.Now = func() time.Time { return fixed }

	quotes, err := client.FetchQuotes(context.Background())
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	require.Equal(t, pricing.Gold, quotes[0].Metal)
	require.Equal(t, "2311.4", quotes[0].Ask.String())
	require.Equal(t, "-3.2", quotes[0].Change.String())
	require.Equal(t, fixed, quotes[1].AsOf)
}

type fakeFetcher struct {
	quotes []pricing.SpotQuote
	err    error
}

func (f fakeFetcher) FetchQuotes(context.Context) ([]pricing.SpotQuote, error) {
	return f.quotes, f.err
}

type recordingPublisher struct {
	mu        sync.Mutex
	snapshots []pricing.Quotes
}

func (p *recordingPublisher) Publish(_ context.Context, q pricing.Quotes) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, q.Clone())
	return nil
}

func TestPollerKeepsPreviousQuoteWhenNewOneIsInverted(t *testing.T) {
	pub := &recordingPublisher{}
	p := spot.NewPoller(fakeFetcher{quotes: []pricing.SpotQuote{
		quote(pricing.Gold, "1990", "2000"),
		quote(pricing.Silver, "24", "25"),
	}}, pub, time.Minute, zerolog.Nop())
	require.NoError(t, p.Poll(context.Background()))

	p.Fetcher = fakeFetcher{quotes: []pricing.SpotQuote{
		quote(pricing.Gold, "2100", "2000"),
		quote(pricing.Silver, "24.5", "25.5"),
	}}
	require.NoError(t, p.Poll(context.Background()))

	require.Len(t, pub.snapshots, 2)
	latest := pub.snapshots[1]
	require.Equal(t, "2000", latest[pricing.Gold].Ask.String())
	require.Equal(t, "25.5", latest[pricing.Silver].Ask.String())
}

func TestPollerSurfacesFetchErrors(t *testing.T) {
	pub := &recordingPublisher{}
	p := spot.NewPoller(fakeFetcher{err: errors.New("boom")}, pub, time.Minute, zerolog.Nop())
	require.Error(t, p.Poll(context.Background()))
	require.Empty(t, pub.snapshots)
}

func TestStorePublishLoadAndSubscribe(t *testing.T) {
	client := newRedis(t)
	store := spot.NewStore(client, "", "", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, empty)

	first := pricing.NewQuotes([]pricing.SpotQuote{quote(pricing.Gold, "1990", "2000")})
	require.NoError(t, store.Publish(ctx, first))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "2000", loaded[pricing.Gold].Ask.String())

	feed := spot.NewFeed(nil)
	done := make(chan error, 1)
	go func() { done <- store.Subscribe(ctx, feed) }()

	require.Eventually(t, func() bool {
		_, ok := feed.Lookup(pricing.Gold)
		return ok
	}, time.Second, 10*time.Millisecond)

	second := pricing.NewQuotes([]pricing.SpotQuote{
		quote(pricing.Gold, "2050", "2060"),
		quote(pricing.Platinum, "980", "995"),
	})
	require.NoError(t, store.Publish(ctx, second))
	require.Eventually(t, func() bool {
		q, ok := feed.Lookup(pricing.Platinum)
		return ok && q.Ask.String() == "995"
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestHandlerListsQuotes(t *testing.T) {
	feed := spot.NewFeed(pricing.NewQuotes([]pricing.SpotQuote{
		quote(pricing.Silver, "24", "25"),
		quote(pricing.Gold, "1990", "2000"),
	}))
	h := &spot.Handler{Feed: feed}
	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/spot", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"metal":"gold"`)
	body := rec.Body.String()
	require.Less(t, strings.Index(body, "gold"), strings.Index(body, "silver"))
}

