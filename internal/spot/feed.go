// Package spot maintains the latest per-metal spot quotes and distributes
// them from the polling worker to API instances.
package spot

import (
	"sync/atomic"

	"github.com/noah-isme/backend-bullion/internal/pricing"
)

// Feed holds the latest quote snapshot. Readers never block and always see a
// complete snapshot.
type Feed struct {
	current atomic.Pointer[pricing.Quotes]
}

// NewFeed creates a feed seeded with quotes.
func NewFeed(quotes pricing.Quotes) *Feed {
	f := &Feed{}
	f.Replace(quotes)
	return f
}

// Latest returns the current snapshot. The returned map must not be modified.
func (f *Feed) Latest() pricing.Quotes {
	if f == nil {
		return pricing.Quotes{}
	}
	q := f.current.Load()
	if q == nil {
		return pricing.Quotes{}
	}
	return *q
}

// Lookup returns the latest quote for metal.
func (f *Feed) Lookup(metal pricing.Metal) (pricing.SpotQuote, bool) {
	return f.Latest().Lookup(metal)
}

// List returns the latest quotes in display order.
func (f *Feed) List() []pricing.SpotQuote {
	return f.Latest().List()
}

// Replace swaps in a new snapshot.
func (f *Feed) Replace(quotes pricing.Quotes) {
	snapshot := quotes.Clone()
	f.current.Store(&snapshot)
}
