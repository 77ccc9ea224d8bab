package pricing

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidInput is returned when an order input cannot be priced.
var ErrInvalidInput = errors.New("pricing: invalid order input")

// OrderInput is an immutable snapshot of everything the composer consumes.
// Method is resolved by the caller: Resolve for purchases, PayoutMethod for sales.
type OrderInput struct {
	Side           Side          `json:"side"`
	Items          []LineItem    `json:"items"`
	UseFunds       bool          `json:"useFunds"`
	Quotes         Quotes        `json:"-"`
	BeginningFunds Money         `json:"beginningFunds"`
	ShippingCost   Money         `json:"shippingCost"`
	Method         PaymentMethod `json:"method"`
	TaxAmount      Money         `json:"taxAmount"`
}

// OrderTotals is the auditable breakdown of one computation. All money fields
// are minor units and never negative.
type OrderTotals struct {
	Side                   Side          `json:"side"`
	Method                 PaymentMethod `json:"paymentMethod"`
	BaseTotal              Money         `json:"baseTotal"`
	BeginningFunds         Money         `json:"beginningFunds"`
	AppliedFunds           Money         `json:"appliedFunds"`
	SubjectToChargesAmount Money         `json:"subjectToChargesAmount"`
	SurchargeAmount        Money         `json:"surchargeAmount"`
	ShippingCharge         Money         `json:"shippingCharge"`
	SalesTax               Money         `json:"salesTax"`
	PostChargesAmount      Money         `json:"postChargesAmount"`
	Lines                  []LinePrice   `json:"lines"`
	Unavailable            bool          `json:"unavailable"`
}

// NetPayout is what the customer receives on a sell order after fees,
// shipping and tax are deducted. It may be negative.
func (t OrderTotals) NetPayout() Money {
	return t.SubjectToChargesAmount - t.SurchargeAmount - t.ShippingCharge - t.SalesTax
}

// Engine composes order totals. It holds configuration only and is safe for
// concurrent use.
type Engine struct {
	Rates RateTable
}

// NewEngine builds an engine with the given rates, falling back to DefaultRates.
func NewEngine(rates RateTable) Engine {
	if rates == nil {
		rates = DefaultRates()
	}
	return Engine{Rates: rates}
}

// ComputeOrderTotals prices the cart and folds in credit, surcharge, shipping
// and tax. Every call yields a complete new snapshot. The only failures are
// malformed inputs.
func (e Engine) ComputeOrderTotals(in OrderInput) (OrderTotals, error) {
	if err := e.check(in); err != nil {
		return OrderTotals{}, err
	}

	lines, base, err := PriceLines(in.Items, in.Side, in.Quotes)
	if err != nil {
		return OrderTotals{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	beginning := maxMoney(in.BeginningFunds, 0)
	useFunds := in.UseFunds && in.Side == Buy
	applied := Allocate(beginning, base, useFunds)
	subject := base - applied
	surcharge := Surcharge(subject, in.Method, e.Rates)

	return OrderTotals{
		Side:                   in.Side,
		Method:                 in.Method,
		BaseTotal:              base,
		BeginningFunds:         beginning,
		AppliedFunds:           applied,
		SubjectToChargesAmount: subject,
		SurchargeAmount:        surcharge,
		ShippingCharge:         in.ShippingCost,
		SalesTax:               in.TaxAmount,
		PostChargesAmount:      subject + surcharge + in.ShippingCost + in.TaxAmount,
		Lines:                  lines,
		Unavailable:            HasUnavailable(lines),
	}, nil
}

func (e Engine) check(in OrderInput) error {
	if err := ValidateItems(in.Side, in.Items); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if in.ShippingCost < 0 {
		return fmt.Errorf("%w: shipping cost is negative", ErrInvalidInput)
	}
	if in.TaxAmount < 0 {
		return fmt.Errorf("%w: tax amount is negative", ErrInvalidInput)
	}
	if in.ShippingCost > MaxMoney || in.TaxAmount > MaxMoney {
		return ErrAmountOutOfRange
	}
	switch in.Side {
	case Buy:
		if !slices.Contains(PurchaseMethods, in.Method) {
			return fmt.Errorf("%w: %q is not a purchase method", ErrInvalidInput, in.Method)
		}
	case Sell:
		if !in.Method.IsPayout() {
			return fmt.Errorf("%w: %q is not a payout method", ErrInvalidInput, in.Method)
		}
	}
	return nil
}
