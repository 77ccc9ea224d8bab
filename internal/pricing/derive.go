package pricing

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// ErrInvalidSide is returned for an order side other than buy or sell.
var ErrInvalidSide = errors.New("pricing: invalid order side")

// Side is the direction of an order from the customer's point of view.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// AskPrice is the price of one bullion unit when the customer buys.
func AskPrice(item LineItem, spot SpotQuote) decimal.Decimal {
	return spot.Ask.Mul(item.ContentTroyOz).Add(item.AskPremium)
}

// BidPrice is the buyback value of one bullion unit. It goes negative when the
// premium exceeds the spot value and is reported as such.
func BidPrice(item LineItem, spot SpotQuote) decimal.Decimal {
	return spot.Bid.Mul(item.ContentTroyOz).Sub(item.BidPremium)
}

// ScrapPayout is the amount paid for a scrap lot.
func ScrapPayout(item LineItem, spot SpotQuote) (decimal.Decimal, error) {
	content, err := item.Content()
	if err != nil {
		return decimal.Zero, err
	}
	return spot.Bid.Mul(content).Mul(item.ScrapPercentage), nil
}

// UnitPrice derives the price of one unit of item on the given side.
func UnitPrice(item LineItem, side Side, spot SpotQuote) (decimal.Decimal, error) {
	if item.Kind == KindScrap {
		return ScrapPayout(item, spot)
	}
	if side == Sell {
		return BidPrice(item, spot), nil
	}
	return AskPrice(item, spot), nil
}

// LinePrice is the derived price of one cart line.
type LinePrice struct {
	Index       int             `json:"index"`
	Kind        ItemKind        `json:"kind"`
	Metal       Metal           `json:"metal"`
	SKU         string          `json:"sku,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Extended    decimal.Decimal `json:"extended"`
	Unavailable bool            `json:"unavailable"`
}

// PriceLines prices every item against quotes and returns the line breakdown
// with the base total in minor units. Items without a quote are priced at zero
// and flagged unavailable. The base total never goes below zero; a line or
// total beyond MaxMoney fails with ErrAmountOutOfRange.
func PriceLines(items []LineItem, side Side, quotes Quotes) ([]LinePrice, Money, error) {
	lines := make([]LinePrice, 0, len(items))
	for i, item := range items {
		line := LinePrice{
			Index:     i,
			Kind:      item.Kind,
			Metal:     item.Metal,
			SKU:       item.SKU,
			Quantity:  item.Units(),
			UnitPrice: decimal.Zero,
			Extended:  decimal.Zero,
		}
		spot, ok := quotes.Lookup(item.Metal)
		if !ok {
			line.Unavailable = true
			lines = append(lines, line)
			continue
		}
		unit, err := UnitPrice(item, side, spot)
		if err != nil {
			return nil, 0, err
		}
		line.UnitPrice = unit
		line.Extended = unit.Mul(decimal.NewFromInt(int64(line.Quantity)))
		if !MoneyInRange(line.Extended) {
			return nil, 0, fmt.Errorf("item %d: %w", i, ErrAmountOutOfRange)
		}
		lines = append(lines, line)
	}

	sum := lo.Reduce(lines, func(acc decimal.Decimal, l LinePrice, _ int) decimal.Decimal {
		return acc.Add(l.Extended)
	}, decimal.Zero)
	if !MoneyInRange(sum) {
		return nil, 0, ErrAmountOutOfRange
	}
	return lines, maxMoney(MoneyFromDecimal(sum), 0), nil
}

// HasUnavailable reports whether any line lacks a spot quote.
func HasUnavailable(lines []LinePrice) bool {
	return lo.SomeBy(lines, func(l LinePrice) bool { return l.Unavailable })
}
