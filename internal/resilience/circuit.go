package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the breaker refuses a call.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// gauge encodes the state for the breaker_state metric.
func (s State) gauge() float64 {
	switch s {
	case Closed, Open, HalfOpen:
		return float64(s)
	default:
		return -1
	}
}

const maxBackoff = 10 * time.Second

// Breaker guards one upstream (tax engine, order service, spot feed). It
// opens once at least minRequests calls were seen and the failure ratio
// reaches the threshold. After openFor a single probe is let through; its
// outcome closes or reopens the breaker.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	probing      bool
	minRequests  int
	failureRatio float64
	openedAt     time.Time
	openFor      time.Duration
	target       string
	logger       zerolog.Logger
	now          func() time.Time
}

// NewBreaker builds a closed breaker. Non-positive arguments fall back to
// one request, a 0.5 ratio and a 30s cool-off.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		minRequests:  minRequests,
		failureRatio: min(failureRatio, 1),
		openFor:      openFor,
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
}

// WithTarget names the upstream in metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.publishState()
	return b
}

// WithLogger sets the transition logger.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// WithClock overrides time.Now.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. While half-open only the first
// caller gets through until it reports back.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.transition(ctx, HalfOpen)
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Report records the outcome of an allowed call.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.transition(ctx, Closed)
		} else {
			b.transition(ctx, Open)
		}
		return
	}

	if success {
		b.successes++
	} else {
		b.failures++
	}
	total := b.failures + b.successes
	if total < b.minRequests {
		return
	}
	if float64(b.failures)/float64(total) >= b.failureRatio {
		b.transition(ctx, Open)
		return
	}
	// Halve counts so the ratio tracks recent calls.
	if total > 2*b.minRequests {
		b.successes = (b.successes + 1) / 2
		b.failures = (b.failures + 1) / 2
	}
}

// Do runs fn when the breaker allows it and reports its error.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow(ctx) {
		return ErrOpenCircuit
	}
	err := fn(ctx)
	b.Report(ctx, err == nil)
	return err
}

func (b *Breaker) transition(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.failures, b.successes = 0, 0
	switch next {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.publishState()

	target := b.label()
	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(target, prev.String(), next.String()).Inc()
	}
	if next == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(target).Inc()
	}

	logger := b.logger
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		logger = *l
	}
	evt := logger.Warn()
	if next == Closed {
		evt = logger.Info()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Str("target", target).Str("from_state", prev.String()).Str("to_state", next.String()).Msg("breaker_transition")
}

func (b *Breaker) publishState() {
	if BreakerState != nil {
		BreakerState.WithLabelValues(b.label()).Set(b.state.gauge())
	}
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

// Backoff returns base doubled per attempt, capped at 10s, with
// ±jitterPct applied.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	attempt = max(attempt, 1)
	d := base
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	d = min(d, maxBackoff)
	if jitterPct <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * float64(d) * min(jitterPct, 1)
	return d + time.Duration(delta)
}
