// Package order hands checked-out sessions to the backend order service.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"

	"github.com/noah-isme/backend-bullion/internal/pricing"
)

var (
	// ErrRejected is returned when the order service refuses a submission.
	ErrRejected = errors.New("order: submission rejected")
	// ErrUnavailable is returned when the order service cannot be reached.
	ErrUnavailable = errors.New("order: service unavailable")
)

// Line is one priced line in a submission. Prices are decimal strings so the
// receiving side keeps full precision.
type Line struct {
	Index     int              `json:"index"`
	Kind      pricing.ItemKind `json:"kind"`
	Metal     pricing.Metal    `json:"metal"`
	SKU       string           `json:"sku,omitempty"`
	Quantity  int              `json:"quantity"`
	UnitPrice string           `json:"unitPrice"`
	Extended  string           `json:"extended"`
}

// Submission is the immutable payload sent to the order service. Money fields
// are integers in minor units.
type Submission struct {
	SessionID              string                `json:"sessionId"`
	AccountID              string                `json:"accountId"`
	Side                   pricing.Side          `json:"side"`
	PaymentMethod          pricing.PaymentMethod `json:"paymentMethod"`
	InstrumentRef          string                `json:"instrumentRef,omitempty"`
	Currency               string                `json:"currency"`
	BaseTotal              pricing.Money         `json:"baseTotal"`
	BeginningFunds         pricing.Money         `json:"beginningFunds"`
	AppliedFunds           pricing.Money         `json:"appliedFunds"`
	SubjectToChargesAmount pricing.Money         `json:"subjectToChargesAmount"`
	SurchargeAmount        pricing.Money         `json:"surchargeAmount"`
	ShippingCharge         pricing.Money         `json:"shippingCharge"`
	SalesTax               pricing.Money         `json:"salesTax"`
	PostChargesAmount      pricing.Money         `json:"postChargesAmount"`
	Lines                  []Line                `json:"lines"`
	SubmittedAt            time.Time             `json:"submittedAt"`
}

// NewSubmission freezes totals into a submission payload.
func NewSubmission(sessionID, accountID, currency, instrumentRef string, totals pricing.OrderTotals, at time.Time) Submission {
	return Submission{
		SessionID:              sessionID,
		AccountID:              accountID,
		Side:                   totals.Side,
		PaymentMethod:          totals.Method,
		InstrumentRef:          instrumentRef,
		Currency:               currency,
		BaseTotal:              totals.BaseTotal,
		BeginningFunds:         totals.BeginningFunds,
		AppliedFunds:           totals.AppliedFunds,
		SubjectToChargesAmount: totals.SubjectToChargesAmount,
		SurchargeAmount:        totals.SurchargeAmount,
		ShippingCharge:         totals.ShippingCharge,
		SalesTax:               totals.SalesTax,
		PostChargesAmount:      totals.PostChargesAmount,
		Lines: lo.Map(totals.Lines, func(l pricing.LinePrice, _ int) Line {
			return Line{
				Index:     l.Index,
				Kind:      l.Kind,
				Metal:     l.Metal,
				SKU:       l.SKU,
				Quantity:  l.Quantity,
				UnitPrice: l.UnitPrice.String(),
				Extended:  l.Extended.String(),
			}
		}),
		SubmittedAt: at.UTC(),
	}
}

// Receipt acknowledges a submission.
type Receipt struct {
	Reference string `json:"reference"`
	Queued    bool   `json:"queued"`
}

// Submitter delivers a submission. Implementations must be safe to call more
// than once for the same session.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) (Receipt, error)
}
