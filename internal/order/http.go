package order

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/backend-bullion/internal/resilience"
)

// HTTPSubmitter posts submissions to the order service. The session ID is sent
// as the Idempotency-Key so retries never create a second order.
type HTTPSubmitter struct {
	URL    string
	APIKey string
	HTTP   resilience.HTTPClient
}

// NewHTTPSubmitter builds a submitter with retry and a circuit breaker.
func NewHTTPSubmitter(url, apiKey string, timeout time.Duration) *HTTPSubmitter {
	return &HTTPSubmitter{
		URL:    strings.TrimRight(strings.TrimSpace(url), "/"),
		APIKey: apiKey,
		HTTP: resilience.HTTPClient{
			Client:      resilience.NewTracedClient(timeout),
			Breaker:     resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget("order_service"),
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: 3,
			Jitter:      0.2,
			Timeout:     timeout,
		},
	}
}

type orderResponse struct {
	OrderID   string `json:"orderId"`
	Reference string `json:"reference"`
}

// Submit delivers sub and returns the order service's reference.
func (s *HTTPSubmitter) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode submission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL+"/orders", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sub.SessionID)
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.HTTP.Do(ctx, req)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests:
		return Receipt{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return Receipt{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out orderResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return Receipt{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
		}
	}
	ref := out.OrderID
	if ref == "" {
		ref = out.Reference
	}
	if ref == "" {
		ref = sub.SessionID
	}
	return Receipt{Reference: ref}, nil
}
