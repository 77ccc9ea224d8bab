// Package checkout holds the checkout session: an immutable state advanced
// by a pure reducer, with order totals always derived by projection.
package checkout

import (
	"slices"
	"time"

	"github.com/noah-isme/backend-bullion/internal/pricing"
	"github.com/noah-isme/backend-bullion/internal/tax"
)

// TaxStatus tracks the lifecycle of the tax amount for the current inputs.
type TaxStatus string

const (
	// TaxAwaitingInputs means there is no address or no cart to tax yet.
	TaxAwaitingInputs TaxStatus = "awaiting_inputs"
	TaxPending        TaxStatus = "pending"
	TaxResolved       TaxStatus = "resolved"
	TaxUnavailable    TaxStatus = "unavailable"
	// TaxNotApplicable is used for sell orders, which carry no sales tax.
	TaxNotApplicable TaxStatus = "not_applicable"
)

// TaxState is the tax result bound to the inputs it was requested for.
type TaxState struct {
	Status      TaxStatus     `json:"status"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Amount      pricing.Money `json:"amount"`
	// LastKnown is shown while a newer lookup is pending.
	LastKnown pricing.Money `json:"lastKnown"`
	// RequestedAt is when the pending lookup was last dispatched.
	RequestedAt time.Time `json:"requestedAt,omitzero"`
}

// Shipping is the selected shipping quote.
type Shipping struct {
	Cost         pricing.Money `json:"cost" validate:"gte=0,lte=1000000000000"`
	ServiceLabel string        `json:"serviceLabel" validate:"max=120"`
}

// State is one checkout session. Values are never mutated in place; Reduce
// returns a new State.
type State struct {
	ID        string       `json:"id"`
	AccountID string       `json:"accountId"`
	Side      pricing.Side `json:"side"`

	Items    []pricing.LineItem `json:"items"`
	UseFunds bool               `json:"useFunds"`
	Funds    pricing.Money      `json:"funds"`
	Address  tax.Address        `json:"address"`
	Shipping *Shipping          `json:"shipping,omitempty"`

	OverrideFunds bool   `json:"overrideFunds"`
	OverrideBy    string `json:"overrideBy,omitempty"`

	PayoutMethod pricing.PaymentMethod `json:"payoutMethod,omitempty"`
	Tax          TaxState              `json:"tax"`

	Submitted   bool      `json:"submitted"`
	Reference   string    `json:"reference,omitempty"`
	SubmittedAt time.Time `json:"submittedAt,omitzero"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Quotes is the spot snapshot the session was last reduced with. It is
	// refreshed from the feed before every projection and never persisted.
	Quotes pricing.Quotes `json:"-"`
}

// NewState starts an empty session.
func NewState(id, accountID string, side pricing.Side, now time.Time) State {
	st := State{
		ID:        id,
		AccountID: accountID,
		Side:      side,
		Items:     []pricing.LineItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	st.Tax = retax(st, now)
	return st
}

func (s State) clone() State {
	out := s
	out.Items = slices.Clone(s.Items)
	if s.Shipping != nil {
		ship := *s.Shipping
		out.Shipping = &ship
	}
	out.Quotes = s.Quotes.Clone()
	return out
}

// TaxRequest builds the tax engine input for the current state.
func (s State) TaxRequest() tax.Request {
	return tax.Request{Address: s.Address, Items: slices.Clone(s.Items), Quotes: s.Quotes.Clone()}
}

// retax derives the tax state after the address or cart changed. A pending
// lookup for unchanged inputs keeps its dispatch time.
func retax(s State, at time.Time) TaxState {
	if s.Side == pricing.Sell {
		return TaxState{Status: TaxNotApplicable}
	}
	lastKnown := s.Tax.LastKnown
	if s.Tax.Status == TaxResolved {
		lastKnown = s.Tax.Amount
	}
	if s.Address.IsZero() || len(s.Items) == 0 {
		return TaxState{Status: TaxAwaitingInputs, LastKnown: lastKnown}
	}
	fingerprint := tax.Fingerprint(s.Address, s.Items)
	if s.Tax.Status == TaxPending && s.Tax.Fingerprint == fingerprint {
		at = s.Tax.RequestedAt
	}
	return TaxState{
		Status:      TaxPending,
		Fingerprint: fingerprint,
		LastKnown:   lastKnown,
		RequestedAt: at,
	}
}
