package pricing

import (
	"errors"
	"fmt"
	"reflect"

	validator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrInvalidItem is returned when a line item violates its shape constraints.
var ErrInvalidItem = errors.New("pricing: invalid line item")

// ItemKind discriminates the line item union.
type ItemKind string

const (
	KindBullion ItemKind = "bullion"
	KindScrap   ItemKind = "scrap"
)

// LineItem is either a bullion product (content, quantity, premiums) or a
// scrap lot (gross weight, purity, scrap percentage). Fields belonging to the
// other kind are ignored.
type LineItem struct {
	Kind  ItemKind `json:"kind" validate:"required,oneof=bullion scrap"`
	Metal Metal    `json:"metal" validate:"required,oneof=gold silver platinum palladium"`
	SKU   string   `json:"sku,omitempty" validate:"max=64"`

	ContentTroyOz decimal.Decimal `json:"contentTroyOz" validate:"gte=0,lte=100000"`
	Quantity      int             `json:"quantity,omitempty" validate:"omitempty,min=1,max=100000"`
	AskPremium    decimal.Decimal `json:"askPremium" validate:"gte=0,lte=1000000"`
	BidPremium    decimal.Decimal `json:"bidPremium" validate:"gte=0,lte=1000000"`

	GrossWeight     decimal.Decimal `json:"grossWeight" validate:"gte=0,lte=1000000"`
	WeightUnit      WeightUnit      `json:"weightUnit,omitempty" validate:"omitempty,oneof=ozt g kg oz dwt gr"`
	Purity          decimal.Decimal `json:"purity" validate:"gte=0,lte=1"`
	ScrapPercentage decimal.Decimal `json:"scrapPercentage" validate:"gte=0,lt=1"`
}

// Units returns the multiplier applied to the unit price. Scrap lots are a single unit.
func (it LineItem) Units() int {
	if it.Kind == KindScrap {
		return 1
	}
	return it.Quantity
}

// Content returns the fine metal content of one unit in troy ounces.
func (it LineItem) Content() (decimal.Decimal, error) {
	if it.Kind == KindScrap {
		gross, err := ConvertToTroyOz(it.GrossWeight, it.WeightUnit)
		if err != nil {
			return decimal.Zero, err
		}
		return gross.Mul(it.Purity), nil
	}
	return it.ContentTroyOz, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Validate checks the item against the constraints of its kind.
func (it LineItem) Validate() error {
	if err := validate.Struct(it); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	switch it.Kind {
	case KindBullion:
		if it.Quantity < 1 {
			return fmt.Errorf("%w: bullion quantity must be at least 1", ErrInvalidItem)
		}
		if !it.ContentTroyOz.IsPositive() {
			return fmt.Errorf("%w: bullion content must be positive", ErrInvalidItem)
		}
	case KindScrap:
		if !it.GrossWeight.IsPositive() {
			return fmt.Errorf("%w: scrap gross weight must be positive", ErrInvalidItem)
		}
		if !it.WeightUnit.Valid() {
			return fmt.Errorf("%w: %w", ErrInvalidItem, ErrUnknownWeightUnit)
		}
		if !it.ScrapPercentage.IsPositive() {
			return fmt.Errorf("%w: scrap percentage must be in (0,1)", ErrInvalidItem)
		}
	}
	return nil
}

// ValidateItems validates a cart for the given side. Scrap can only be sold.
func ValidateItems(side Side, items []LineItem) error {
	if !side.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	for i, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		if side == Buy && it.Kind == KindScrap {
			return fmt.Errorf("item %d: %w: scrap can only be sold", i, ErrInvalidItem)
		}
	}
	return nil
}
