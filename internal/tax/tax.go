// Package tax defines the sales-tax contract used by checkout. The amount is
// computed elsewhere; this package only transports it.
package tax

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/backend-bullion/internal/pricing"
)

var (
	// ErrUnavailable signals that no tax amount could be obtained.
	ErrUnavailable = errors.New("tax: service unavailable")
	// ErrInvalidAddress is returned when an address fails validation.
	ErrInvalidAddress = errors.New("tax: invalid address")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Address is the destination used for tax jurisdiction.
type Address struct {
	Name       string `json:"name,omitempty" validate:"max=120"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,max=120"`
	Region     string `json:"region" validate:"required,max=64"`
	PostalCode string `json:"postalCode" validate:"required,max=16"`
	Country    string `json:"country" validate:"required,len=2"`
}

// IsZero reports whether no address was supplied.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Validate checks the address has every field needed for a jurisdiction.
func (a Address) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	return nil
}

func (a Address) normalised() Address {
	trim := func(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
	return Address{
		Name:       strings.TrimSpace(a.Name),
		Line1:      trim(a.Line1),
		Line2:      trim(a.Line2),
		City:       trim(a.City),
		Region:     trim(a.Region),
		PostalCode: trim(a.PostalCode),
		Country:    trim(a.Country),
	}
}

// Request is the tax engine input.
type Request struct {
	Address Address            `json:"address"`
	Items   []pricing.LineItem `json:"items"`
	Quotes  pricing.Quotes     `json:"-"`
}

// Engine returns the sales tax for an order in minor units. Failures wrap
// ErrUnavailable.
type Engine interface {
	Calculate(ctx context.Context, req Request) (pricing.Money, error)
}

// Fingerprint identifies the inputs a tax result was computed from. Quote
// ticks do not change it.
func Fingerprint(addr Address, items []pricing.LineItem) string {
	payload, _ := json.Marshal(struct {
		Address Address            `json:"a"`
		Items   []pricing.LineItem `json:"i"`
	}{addr.normalised(), items})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
