package spot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-bullion/internal/pricing"
)

// Publisher distributes a validated snapshot.
type Publisher interface {
	Publish(ctx context.Context, quotes pricing.Quotes) error
}

// Poller periodically fetches upstream quotes, drops invalid ones and
// publishes the merged snapshot.
type Poller struct {
	Fetcher   Fetcher
	Publisher Publisher
	Interval  time.Duration
	Logger    zerolog.Logger

	mu   sync.Mutex
	last pricing.Quotes
}

// NewPoller creates a poller. Interval defaults to 15 seconds.
func NewPoller(fetcher Fetcher, publisher Publisher, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{Fetcher: fetcher, Publisher: publisher, Interval: interval, Logger: logger}
}

// Run polls until ctx is cancelled. It fetches once immediately.
func (p *Poller) Run(ctx context.Context) {
	p.Logger.Info().Dur("interval", p.Interval).Msg("spot_poller_started")
	if err := p.Poll(ctx); err != nil {
		p.Logger.Error().Err(err).Msg("spot_poll_failed")
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Logger.Info().Msg("spot_poller_stopped")
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.Logger.Error().Err(err).Msg("spot_poll_failed")
			}
		}
	}
}

// Poll performs one fetch-validate-publish cycle. Metals whose new quote is
// rejected keep their previous quote.
func (p *Poller) Poll(ctx context.Context) error {
	fetched, err := p.Fetcher.FetchQuotes(ctx)
	if err != nil {
		return fmt.Errorf("fetching spot quotes: %w", err)
	}

	p.mu.Lock()
	next := p.last.Clone()
	p.mu.Unlock()

	accepted := 0
	for _, q := range fetched {
		if err := q.Validate(); err != nil {
			p.Logger.Warn().Err(err).Str("metal", string(q.Metal)).Msg("spot_quote_rejected")
			continue
		}
		next[q.Metal] = q
		accepted++
		recordUpdate(q.Metal)
	}
	if accepted == 0 {
		return nil
	}

	if err := p.Publisher.Publish(ctx, next); err != nil {
		return err
	}
	p.mu.Lock()
	p.last = next
	p.mu.Unlock()
	p.Logger.Debug().Int("accepted", accepted).Int("metals", len(next)).Msg("spot_snapshot_published")
	return nil
}
