package tax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-bullion/internal/obs"
	"github.com/noah-isme/backend-bullion/internal/pricing"
	"github.com/noah-isme/backend-bullion/internal/resilience"
)

// HTTPEngine calls the remote tax service.
type HTTPEngine struct {
	URL    string
	APIKey string
	HTTP   resilience.HTTPClient
}

// NewHTTPEngine builds a tax client with retry and a circuit breaker.
func NewHTTPEngine(url, apiKey string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{
		URL:    strings.TrimRight(strings.TrimSpace(url), "/"),
		APIKey: apiKey,
		HTTP: resilience.HTTPClient{
			Client:      resilience.NewTracedClient(timeout),
			Breaker:     resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget("tax_engine"),
			BaseBackoff: 100 * time.Millisecond,
			MaxAttempts: 2,
			Jitter:      0.2,
			Timeout:     timeout,
		},
	}
}

type httpRequest struct {
	Address    Address             `json:"address"`
	Items      []pricing.LineItem  `json:"items"`
	SpotQuotes []pricing.SpotQuote `json:"spotQuotes"`
}

type httpResponse struct {
	SalesTax    *decimal.Decimal `json:"salesTax"`
	Unavailable bool             `json:"unavailable"`
}

// Calculate posts the request and parses {"salesTax": <major units>}.
func (e *HTTPEngine) Calculate(ctx context.Context, req Request) (pricing.Money, error) {
	start := time.Now()
	amount, err := e.calculate(ctx, req)
	if obs.TaxLookupLatency != nil {
		obs.TaxLookupLatency.Observe(float64(time.Since(start).Milliseconds()))
	}
	return amount, err
}

func (e *HTTPEngine) calculate(ctx context.Context, req Request) (pricing.Money, error) {
	body, err := json.Marshal(httpRequest{Address: req.Address, Items: req.Items, SpotQuotes: req.Quotes.List()})
	if err != nil {
		return 0, fmt.Errorf("encode tax request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL+"/tax/quote", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.HTTP.Do(ctx, httpReq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var out httpResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if out.Unavailable || out.SalesTax == nil {
		return 0, fmt.Errorf("%w: no amount returned", ErrUnavailable)
	}
	if out.SalesTax.IsNegative() || !pricing.MoneyInRange(*out.SalesTax) {
		return 0, fmt.Errorf("%w: amount %s out of range", ErrUnavailable, out.SalesTax)
	}
	return pricing.MoneyFromDecimal(*out.SalesTax), nil
}
