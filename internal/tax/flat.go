package tax

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/noah-isme/backend-bullion/internal/pricing"
)

// FlatRateEngine applies a per-region rate in basis points to the priced
// cart. It is used when no remote tax service is configured.
type FlatRateEngine struct {
	DefaultBps int64
	RegionBps  map[string]int64
	// ExemptMetals lists metals exempt from sales tax.
	ExemptMetals []pricing.Metal
}

// Calculate prices the cart at ask against the supplied quotes and applies
// the region rate to the non-exempt part.
func (e FlatRateEngine) Calculate(_ context.Context, req Request) (pricing.Money, error) {
	if req.Address.IsZero() {
		return 0, fmt.Errorf("%w: address required", ErrUnavailable)
	}
	bps := e.DefaultBps
	if v, ok := e.RegionBps[strings.ToUpper(strings.TrimSpace(req.Address.Region))]; ok {
		bps = v
	}
	if bps <= 0 {
		return 0, nil
	}

	taxable := make([]pricing.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		if !lo.Contains(e.ExemptMetals, it.Metal) {
			taxable = append(taxable, it)
		}
	}
	lines, base, err := pricing.PriceLines(taxable, pricing.Buy, req.Quotes)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if pricing.HasUnavailable(lines) {
		return 0, fmt.Errorf("%w: missing spot quote", ErrUnavailable)
	}
	return pricing.ApplyBps(base, bps), nil
}
