package pricing

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownMetal is returned when a metal identifier is not recognised.
	ErrUnknownMetal = errors.New("pricing: unknown metal")
	// ErrInvertedQuote is returned when a spot quote has a bid above its ask.
	ErrInvertedQuote = errors.New("pricing: spot bid exceeds ask")
	// ErrNegativeQuote is returned when a spot quote carries a negative price.
	ErrNegativeQuote = errors.New("pricing: spot price is negative")
)

// Metal identifies a precious metal traded by the storefront.
type Metal string

const (
	Gold      Metal = "gold"
	Silver    Metal = "silver"
	Platinum  Metal = "platinum"
	Palladium Metal = "palladium"
)

// Metals lists every supported metal in display order.
var Metals = []Metal{Gold, Silver, Platinum, Palladium}

// Valid reports whether m is a supported metal.
func (m Metal) Valid() bool {
	return slices.Contains(Metals, m)
}

// ParseMetal normalises a metal identifier, accepting ISO 4217 codes as aliases.
func ParseMetal(value string) (Metal, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "gold", "xau":
		return Gold, nil
	case "silver", "xag":
		return Silver, nil
	case "platinum", "xpt":
		return Platinum, nil
	case "palladium", "xpd":
		return Palladium, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMetal, value)
	}
}

// SpotQuote is an immutable per-troy-ounce market snapshot for one metal.
type SpotQuote struct {
	Metal  Metal           `json:"metal"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Change decimal.Decimal `json:"change"`
	AsOf   time.Time       `json:"asOf"`
}

// Validate checks the quote invariants.
func (q SpotQuote) Validate() error {
	if !q.Metal.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMetal, q.Metal)
	}
	if q.Bid.IsNegative() || q.Ask.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeQuote, q.Metal)
	}
	if q.Bid.GreaterThan(q.Ask) {
		return fmt.Errorf("%w: %s bid=%s ask=%s", ErrInvertedQuote, q.Metal, q.Bid, q.Ask)
	}
	return nil
}

// Quotes is a read-only snapshot of the latest quote per metal.
type Quotes map[Metal]SpotQuote

// NewQuotes indexes a quote list by metal. Later entries win.
func NewQuotes(list []SpotQuote) Quotes {
	return lo.SliceToMap(list, func(q SpotQuote) (Metal, SpotQuote) {
		return q.Metal, q
	})
}

// Lookup returns the quote for metal if one exists.
func (q Quotes) Lookup(metal Metal) (SpotQuote, bool) {
	if q == nil {
		return SpotQuote{}, false
	}
	quote, ok := q[metal]
	return quote, ok
}

// List returns the quotes in display order.
func (q Quotes) List() []SpotQuote {
	out := make([]SpotQuote, 0, len(q))
	for _, metal := range Metals {
		if quote, ok := q[metal]; ok {
			out = append(out, quote)
		}
	}
	return out
}

// Clone returns an independent copy of the snapshot.
func (q Quotes) Clone() Quotes {
	if q == nil {
		return Quotes{}
	}
	return maps.Clone(q)
}
