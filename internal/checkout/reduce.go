package checkout

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/backend-bullion/internal/pricing"
	"github.com/noah-isme/backend-bullion/internal/tax"
)

var (
	// ErrUnknownEvent is returned for event types the reducer does not know.
	ErrUnknownEvent = errors.New("checkout: unknown event")
	// ErrInvalidEvent is returned when an event payload fails validation.
	ErrInvalidEvent = errors.New("checkout: invalid event")
	// ErrSessionClosed is returned for any change after submission.
	ErrSessionClosed = errors.New("checkout: session already submitted")
	// ErrForbiddenOverride is returned when a non-operator toggles the override.
	ErrForbiddenOverride = errors.New("checkout: override requires operator role")
	// ErrStaleTax is returned when a tax result no longer matches the session
	// inputs. The state is returned unchanged.
	ErrStaleTax = errors.New("checkout: stale tax result discarded")
)

// EventType names a session event.
type EventType string

const (
	EventCartChanged          EventType = "cartChanged"
	EventFundsToggled         EventType = "fundsToggled"
	EventAddressChanged       EventType = "addressChanged"
	EventShippingSelected     EventType = "shippingSelected"
	EventPayoutMethodSelected EventType = "payoutMethodSelected"
	EventQuoteTick            EventType = "quoteTick"
	EventTaxResolved          EventType = "taxResolved"
	EventTaxRequested         EventType = "taxRequested"
	EventBalanceRefreshed     EventType = "balanceRefreshed"
	EventOverrideRequested    EventType = "overrideRequested"
	EventSubmitted            EventType = "submitted"
)

// ClientEvents are the events a customer may post directly.
var ClientEvents = []EventType{
	EventCartChanged,
	EventFundsToggled,
	EventAddressChanged,
	EventShippingSelected,
	EventPayoutMethodSelected,
}

// TaxResult is the outcome of one tax lookup.
type TaxResult struct {
	Fingerprint string        `json:"fingerprint"`
	Amount      pricing.Money `json:"amount"`
	Unavailable bool          `json:"unavailable"`
}

// Event is one input to the session. Only the fields relevant to Type are read.
type Event struct {
	Type EventType `json:"type"`

	Items        []pricing.LineItem    `json:"items,omitempty"`
	UseFunds     *bool                 `json:"useFunds,omitempty"`
	Address      *tax.Address          `json:"address,omitempty"`
	Shipping     *Shipping             `json:"shipping,omitempty"`
	PayoutMethod pricing.PaymentMethod `json:"payoutMethod,omitempty"`
	Override     *bool                 `json:"enabled,omitempty"`
	Quotes       []pricing.SpotQuote   `json:"quotes,omitempty"`
	Tax          *TaxResult            `json:"tax,omitempty"`
	Funds        *pricing.Money        `json:"funds,omitempty"`
	Reference    string                `json:"reference,omitempty"`

	// Set by the service, never decoded from clients.
	Actor    string    `json:"-"`
	Operator bool      `json:"-"`
	At       time.Time `json:"-"`
}

var eventValidate = validator.New(validator.WithRequiredStructEnabled())

// Reduce applies ev to st and returns the next state. It performs no I/O and
// never modifies st.
func Reduce(st State, ev Event) (State, error) {
	if st.Submitted && ev.Type != EventQuoteTick {
		return st, ErrSessionClosed
	}
	next := st.clone()

	switch ev.Type {
	case EventCartChanged:
		items := slices.Clone(ev.Items)
		if items == nil {
			items = []pricing.LineItem{}
		}
		if err := pricing.ValidateItems(st.Side, items); err != nil {
			return st, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		if _, _, err := pricing.PriceLines(items, st.Side, st.Quotes); err != nil {
			return st, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		next.Items = items
		next.Tax = retax(next, ev.At)

	case EventFundsToggled:
		if ev.UseFunds == nil {
			return st, fmt.Errorf("%w: useFunds is required", ErrInvalidEvent)
		}
		if st.Side == pricing.Sell && *ev.UseFunds {
			return st, fmt.Errorf("%w: funds cannot be applied to a sale", ErrInvalidEvent)
		}
		next.UseFunds = *ev.UseFunds

	case EventAddressChanged:
		if ev.Address == nil {
			return st, fmt.Errorf("%w: address is required", ErrInvalidEvent)
		}
		if err := ev.Address.Validate(); err != nil {
			return st, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		next.Address = *ev.Address
		next.Tax = retax(next, ev.At)

	case EventShippingSelected:
		if ev.Shipping == nil {
			next.Shipping = nil
			break
		}
		if err := eventValidate.Struct(ev.Shipping); err != nil {
			return st, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		ship := *ev.Shipping
		next.Shipping = &ship

	case EventPayoutMethodSelected:
		if st.Side != pricing.Sell {
			return st, fmt.Errorf("%w: payout method applies to sales only", ErrInvalidEvent)
		}
		method, err := pricing.PayoutMethod(ev.PayoutMethod)
		if err != nil {
			return st, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		next.PayoutMethod = method

	case EventQuoteTick:
		next.Quotes = pricing.NewQuotes(ev.Quotes)

	case EventTaxResolved:
		if ev.Tax == nil {
			return st, fmt.Errorf("%w: tax result is required", ErrInvalidEvent)
		}
		if st.Tax.Status != TaxPending || ev.Tax.Fingerprint != st.Tax.Fingerprint {
			return st, ErrStaleTax
		}
		if ev.Tax.Unavailable {
			next.Tax = TaxState{Status: TaxUnavailable, Fingerprint: st.Tax.Fingerprint, LastKnown: st.Tax.LastKnown}
			break
		}
		if ev.Tax.Amount < 0 {
			return st, fmt.Errorf("%w: tax amount is negative", ErrInvalidEvent)
		}
		next.Tax = TaxState{
			Status:      TaxResolved,
			Fingerprint: st.Tax.Fingerprint,
			Amount:      ev.Tax.Amount,
			LastKnown:   ev.Tax.Amount,
		}

	case EventTaxRequested:
		if ev.Tax == nil {
			return st, fmt.Errorf("%w: tax result is required", ErrInvalidEvent)
		}
		if st.Tax.Status != TaxPending || ev.Tax.Fingerprint != st.Tax.Fingerprint {
			return st, ErrStaleTax
		}
		next.Tax.RequestedAt = ev.At

	case EventBalanceRefreshed:
		if ev.Funds == nil {
			return st, fmt.Errorf("%w: funds are required", ErrInvalidEvent)
		}
		next.Funds = max(*ev.Funds, 0)

	case EventOverrideRequested:
		if !ev.Operator {
			return st, ErrForbiddenOverride
		}
		if st.Side != pricing.Buy {
			return st, fmt.Errorf("%w: override applies to purchases only", ErrInvalidEvent)
		}
		if ev.Override == nil {
			return st, fmt.Errorf("%w: enabled is required", ErrInvalidEvent)
		}
		next.OverrideFunds = *ev.Override
		next.OverrideBy = ""
		if next.OverrideFunds {
			next.OverrideBy = ev.Actor
		}

	case EventSubmitted:
		if ev.Reference == "" {
			return st, fmt.Errorf("%w: reference is required", ErrInvalidEvent)
		}
		next.Submitted = true
		next.Reference = ev.Reference
		next.SubmittedAt = ev.At

	default:
		return st, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}

	// Quotes are not persisted, so a tick is not a new version.
	if ev.Type != EventQuoteTick {
		next.Version++
		if !ev.At.IsZero() {
			next.UpdatedAt = ev.At
		}
	}
	return next, nil
}
