package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxRetryAfter caps how long an upstream's Retry-After can stall a caller.
const maxRetryAfter = 5 * time.Second

// NewTracedClient returns an http.Client whose transport emits client spans.
func NewTracedClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPClient calls one upstream with per-attempt timeouts, retries and a
// breaker. 5xx responses and transport errors are retried and count against
// the breaker; 429 is retried but does not, since the upstream is healthy.
// Callers retrying non-idempotent requests must send an idempotency key.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
	// Fallback, when set, receives the final error instead of the caller.
	Fallback func(context.Context, *http.Request, error) (*http.Response, error)
}

// StatusError is the last retryable status seen before attempts ran out.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "resilience: upstream returned " + e.Status }

// Do sends req. The body is buffered once so each attempt replays it.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	if err := bufferBody(req); err != nil {
		return nil, fmt.Errorf("resilience: buffer body: %w", err)
	}
	attempts := max(cl.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cl.Breaker != nil && !cl.Breaker.Allow(ctx) {
			lastErr = ErrOpenCircuit
			break
		}
		resp, wait, err := cl.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts {
			break
		}
		if wait <= 0 {
			wait = Backoff(cl.BaseBackoff, attempt, cl.Jitter)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if cl.Fallback != nil {
		return cl.Fallback(ctx, req, lastErr)
	}
	return nil, lastErr
}

// attempt performs one call. A non-nil error means the call may be retried;
// wait is the upstream's Retry-After hint, if any.
func (cl HTTPClient) attempt(ctx context.Context, req *http.Request) (*http.Response, time.Duration, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if cl.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cl.Timeout)
	}

	out := req.Clone(callCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, 0, err
		}
		out.Body = body
	}

	resp, err := cl.Client.Do(out)
	switch {
	case err != nil:
		cancel()
		cl.report(ctx, false)
		return nil, 0, err
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		wait := retryAfter(resp.Header.Get("Retry-After"))
		drain(resp)
		cancel()
		cl.report(ctx, resp.StatusCode == http.StatusTooManyRequests)
		return nil, wait, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	default:
		cl.report(ctx, true)
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, 0, nil
	}
}

func (cl HTTPClient) report(ctx context.Context, ok bool) {
	if cl.Breaker != nil {
		cl.Breaker.Report(ctx, ok)
	}
}

func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return err
	}
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil }
	req.Body, _ = req.GetBody()
	return nil
}

// retryAfter reads the delay-seconds form only; HTTP dates fall back to
// backoff.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

// cancelOnClose releases the per-attempt timeout once the caller is done
// with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
