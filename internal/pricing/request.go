package pricing

import (
	"errors"
	"fmt"
)

// TotalsRequest is a stateless order-totals query. For purchases
// PaymentMethod may only force stored funds; for sales it selects the payout.
type TotalsRequest struct {
	Side           Side          `json:"side"`
	Items          []LineItem    `json:"items"`
	UseFunds       bool          `json:"useFunds"`
	BeginningFunds Money         `json:"beginningFunds"`
	ShippingCost   Money         `json:"shippingCost"`
	TaxAmount      Money         `json:"taxAmount"`
	PaymentMethod  PaymentMethod `json:"paymentMethod"`
}

// InfeasibleOverrideError reports a stored-funds override the balance cannot cover.
type InfeasibleOverrideError struct {
	BaseTotal      Money
	BeginningFunds Money
	Fallback       PaymentMethod
	err            error
}

func (e *InfeasibleOverrideError) Error() string { return e.err.Error() }

func (e *InfeasibleOverrideError) Unwrap() error { return e.err }

// Input resolves the payment method against quotes and returns the engine input.
func (r TotalsRequest) Input(quotes Quotes) (OrderInput, error) {
	side := r.Side
	if side == "" {
		side = Buy
	}
	if !side.Valid() {
		return OrderInput{}, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	in := OrderInput{
		Side:           side,
		Items:          r.Items,
		UseFunds:       r.UseFunds,
		Quotes:         quotes,
		BeginningFunds: r.BeginningFunds,
		ShippingCost:   r.ShippingCost,
		TaxAmount:      r.TaxAmount,
	}

	if side == Sell {
		method, err := PayoutMethod(r.PaymentMethod)
		if err != nil {
			return OrderInput{}, err
		}
		in.Method = method
		in.UseFunds = false
		return in, nil
	}

	_, base, err := PriceLines(r.Items, side, quotes)
	if err != nil {
		return OrderInput{}, err
	}
	var override PaymentMethod
	if r.PaymentMethod != "" {
		if override, err = ParsePaymentMethod(string(r.PaymentMethod)); err != nil {
			return OrderInput{}, err
		}
	}
	method, err := Resolve(ResolveInput{BeginningFunds: r.BeginningFunds, BaseTotal: base, UseFunds: r.UseFunds, Override: override})
	if err != nil {
		if errors.Is(err, ErrInfeasibleOverride) {
			return OrderInput{}, &InfeasibleOverrideError{BaseTotal: base, BeginningFunds: r.BeginningFunds, Fallback: method, err: err}
		}
		return OrderInput{}, err
	}
	in.Method = method
	in.UseFunds = r.UseFunds || method == MethodFunds
	return in, nil
}
