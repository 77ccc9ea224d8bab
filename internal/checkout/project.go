package checkout

import (
	"context"
	"errors"

	"github.com/noah-isme/backend-bullion/internal/pricing"
)

// Blocker codes returned when a session cannot be submitted.
const (
	BlockEmptyCart         = "EMPTY_CART"
	BlockAddressRequired   = "ADDRESS_REQUIRED"
	BlockQuoteUnavailable  = "QUOTE_UNAVAILABLE"
	BlockMethodInfeasible  = "PAYMENT_METHOD_INFEASIBLE"
	BlockTaxPending        = "TAX_PENDING"
	BlockTaxUnavailable    = "TAX_UNAVAILABLE"
	BlockNegativeTotal     = "NEGATIVE_TOTAL"
	BlockAlreadySubmitted  = "ALREADY_SUBMITTED"
	BlockInstrumentMissing = "INSTRUMENT_REQUIRED"
)

// Pricer computes order totals. *pricing.Service satisfies it.
type Pricer interface {
	ComputeOrderTotals(ctx context.Context, in pricing.OrderInput) (pricing.OrderTotals, error)
}

// Policy controls how tax failures gate submission.
type Policy struct {
	// StrictTax blocks submission while tax is unavailable. When false the
	// order may be placed with zero tax.
	StrictTax bool
}

// View is the derived read model of a session. It is recomputed on every read
// and never stored.
type View struct {
	Session          State               `json:"session"`
	Totals           pricing.OrderTotals `json:"totals"`
	NetPayout        *pricing.Money      `json:"netPayout,omitempty"`
	Quotes           []pricing.SpotQuote `json:"quotes"`
	OverrideRejected string              `json:"overrideRejected,omitempty"`
	Blockers         []string            `json:"blockers"`
	CanSubmit        bool                `json:"canSubmit"`
}

// Project derives totals and submission gates from st using the quotes it
// carries.
func Project(ctx context.Context, pricer Pricer, st State, policy Policy) (View, error) {
	view := View{Session: st, Quotes: st.Quotes.List(), Blockers: []string{}}

	in := pricing.OrderInput{
		Side:           st.Side,
		Items:          st.Items,
		Quotes:         st.Quotes,
		BeginningFunds: st.Funds,
		TaxAmount:      displayedTax(st.Tax),
	}
	if st.Shipping != nil {
		in.ShippingCost = st.Shipping.Cost
	}

	switch st.Side {
	case pricing.Sell:
		method, err := pricing.PayoutMethod(st.PayoutMethod)
		if err != nil {
			return View{}, err
		}
		in.Method = method
	default:
		_, base, err := pricing.PriceLines(st.Items, st.Side, st.Quotes)
		if err != nil {
			return View{}, err
		}
		resolve := pricing.ResolveInput{BeginningFunds: st.Funds, BaseTotal: base, UseFunds: st.UseFunds}
		if st.OverrideFunds {
			resolve.Override = pricing.MethodFunds
		}
		method, rerr := pricing.Resolve(resolve)
		if rerr != nil {
			if !errors.Is(rerr, pricing.ErrInfeasibleOverride) {
				return View{}, rerr
			}
			view.OverrideRejected = rerr.Error()
		}
		in.Method = method
		in.UseFunds = st.UseFunds || method == pricing.MethodFunds
	}

	totals, err := pricer.ComputeOrderTotals(ctx, in)
	if err != nil {
		return View{}, err
	}
	view.Totals = totals
	if st.Side == pricing.Sell {
		net := totals.NetPayout()
		view.NetPayout = &net
	}
	view.Blockers = blockers(st, totals, view.OverrideRejected != "", policy)
	view.CanSubmit = len(view.Blockers) == 0
	return view, nil
}

func displayedTax(t TaxState) pricing.Money {
	switch t.Status {
	case TaxResolved:
		return t.Amount
	case TaxPending:
		return t.LastKnown
	default:
		return 0
	}
}

func blockers(st State, totals pricing.OrderTotals, overrideRejected bool, policy Policy) []string {
	out := []string{}
	if st.Submitted {
		out = append(out, BlockAlreadySubmitted)
	}
	if len(st.Items) == 0 {
		out = append(out, BlockEmptyCart)
	}
	if st.Address.IsZero() {
		out = append(out, BlockAddressRequired)
	}
	if totals.Unavailable {
		out = append(out, BlockQuoteUnavailable)
	}
	if overrideRejected {
		out = append(out, BlockMethodInfeasible)
	}
	switch st.Tax.Status {
	case TaxPending:
		out = append(out, BlockTaxPending)
	case TaxUnavailable:
		if policy.StrictTax {
			out = append(out, BlockTaxUnavailable)
		}
	}
	if totals.PostChargesAmount < 0 {
		out = append(out, BlockNegativeTotal)
	}
	return out
}
