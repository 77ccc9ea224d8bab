package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value stored in minor units.
type Money = int64

// minorUnitExp is the exponent of one minor unit (cents).
const minorUnitExp = -2

// MaxMoney is the largest amount, in minor units, that an order may carry
// in any single field: ten billion in major units.
const MaxMoney Money = 1_000_000_000_000

// ErrAmountOutOfRange is returned when a derived or supplied amount exceeds MaxMoney.
var ErrAmountOutOfRange = fmt.Errorf("%w: amount exceeds %s", ErrInvalidInput, FormatMoney(MaxMoney))

var maxMoneyDecimal = decimal.NewFromInt(MaxMoney)

// MoneyFromDecimal rounds a full-precision amount to the nearest minor unit,
// halves away from zero.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return d.Shift(-minorUnitExp).Round(0).IntPart()
}

// MoneyInRange reports whether a full-precision amount rounds to at most
// MaxMoney minor units in magnitude. Amounts outside the range must not be
// passed to MoneyFromDecimal.
func MoneyInRange(d decimal.Decimal) bool {
	return d.Shift(-minorUnitExp).Round(0).Abs().LessThanOrEqual(maxMoneyDecimal)
}

// ApplyBps returns m scaled by bps basis points, rounded to the nearest minor unit.
func ApplyBps(m Money, bps int64) Money {
	return MoneyFromDecimal(MoneyToDecimal(m).Mul(decimal.NewFromInt(bps)).Shift(-4))
}

// MoneyToDecimal converts minor units back into a major-unit decimal.
func MoneyToDecimal(m Money) decimal.Decimal {
	return decimal.New(m, minorUnitExp)
}

// FormatMoney renders minor units as a fixed two-place major-unit string, e.g. 2081 -> "20.81".
func FormatMoney(m Money) string {
	return MoneyToDecimal(m).StringFixed(-minorUnitExp)
}

// FormatDecimal rounds a full-precision amount to cents for display.
func FormatDecimal(d decimal.Decimal) string {
	return d.StringFixed(-minorUnitExp)
}

// ParseMoney parses a major-unit string such as "12.34" into minor units.
func ParseMoney(value string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, err
	}
	return MoneyFromDecimal(d), nil
}

func maxMoney(a, b Money) Money {
	if a > b {
		return a
	}
	return b
}

func minMoney(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}
