package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrUnknownWeightUnit is returned when a scrap weight uses an unsupported unit.
var ErrUnknownWeightUnit = errors.New("pricing: unknown weight unit")

// WeightUnit is the unit a scrap gross weight is recorded in.
type WeightUnit string

const (
	TroyOunce   WeightUnit = "ozt"
	Gram        WeightUnit = "g"
	Kilogram    WeightUnit = "kg"
	Ounce       WeightUnit = "oz"
	Pennyweight WeightUnit = "dwt"
	Grain       WeightUnit = "gr"
)

// GramsPerTroyOunce is the exact mass of one troy ounce.
var GramsPerTroyOunce = decimal.RequireFromString("31.1034768")

var gramsPerUnit = map[WeightUnit]decimal.Decimal{
	Gram:        decimal.NewFromInt(1),
	Kilogram:    decimal.NewFromInt(1000),
	Ounce:       decimal.RequireFromString("28.349523125"),
	Pennyweight: decimal.RequireFromString("1.55517384"),
	Grain:       decimal.RequireFromString("0.06479891"),
}

// Valid reports whether the unit can be converted to troy ounces.
func (u WeightUnit) Valid() bool {
	if u == TroyOunce {
		return true
	}
	_, ok := gramsPerUnit[u]
	return ok
}

// ConvertToTroyOz converts weight expressed in unit into troy ounces.
func ConvertToTroyOz(weight decimal.Decimal, unit WeightUnit) (decimal.Decimal, error) {
	if unit == TroyOunce {
		return weight, nil
	}
	grams, ok := gramsPerUnit[unit]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownWeightUnit, unit)
	}
	return weight.Mul(grams).Div(GramsPerTroyOunce), nil
}
