package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-bullion/internal/pricing"
	"github.com/noah-isme/backend-bullion/internal/resilience"
)

// Fetcher returns the current upstream quotes.
type Fetcher interface {
	FetchQuotes(ctx context.Context) ([]pricing.SpotQuote, error)
}

// Client reads spot quotes from the upstream market data endpoint.
type Client struct {
	URL  string
	HTTP resilience.HTTPClient
	Now  func() time.Time
}

// NewClient builds an upstream client with retry and a circuit breaker.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		URL: strings.TrimSpace(url),
		HTTP: resilience.HTTPClient{
			Client:      resilience.NewTracedClient(timeout),
			Breaker:     resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget("spot_upstream"),
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: 3,
			Jitter:      0.2,
			Timeout:     timeout,
		},
		Now: time.Now,
	}
}

type upstreamQuote struct {
	Metal  string          `json:"metal"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Change decimal.Decimal `json:"change"`
	AsOf   *time.Time      `json:"asOf,omitempty"`
}

// FetchQuotes fetches and decodes the upstream list. Entries for unknown
// metals are skipped; quote invariants are checked by the caller.
func (c *Client) FetchQuotes(ctx context.Context) ([]pricing.SpotQuote, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("spot: upstream url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating spot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("spot upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spot upstream returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading spot response: %w", err)
	}

	var raw []upstreamQuote
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing spot response: %w", err)
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	fetchedAt := now().UTC()
	out := make([]pricing.SpotQuote, 0, len(raw))
	for _, q := range raw {
		metal, err := pricing.ParseMetal(q.Metal)
		if err != nil {
			continue
		}
		asOf := fetchedAt
		if q.AsOf != nil && !q.AsOf.IsZero() {
			asOf = q.AsOf.UTC()
		}
		out = append(out, pricing.SpotQuote{Metal: metal, Bid: q.Bid, Ask: q.Ask, Change: q.Change, AsOf: asOf})
	}
	return out, nil
}
