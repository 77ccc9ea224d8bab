package pricing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInfeasibleOverride is returned when FUNDS is forced without enough balance.
	ErrInfeasibleOverride = errors.New("pricing: insufficient funds for payment method override")
	// ErrUnsupportedOverride is returned when an override names anything but stored funds.
	ErrUnsupportedOverride = errors.New("pricing: unsupported payment method override")
	// ErrUnknownPaymentMethod is returned when a method identifier is not recognised.
	ErrUnknownPaymentMethod = errors.New("pricing: unknown payment method")
)

// PaymentMethod is how a purchase is paid or a sale is paid out.
type PaymentMethod string

const (
	MethodCard         PaymentMethod = "CARD"
	MethodFunds        PaymentMethod = "FUNDS"
	MethodCardAndFunds PaymentMethod = "CARD_AND_FUNDS"

	MethodACH           PaymentMethod = "ACH"
	MethodWire          PaymentMethod = "WIRE"
	MethodECheck        PaymentMethod = "ECHECK"
	MethodDoradoAccount PaymentMethod = "DORADO_ACCOUNT"

	// MethodCredit is accepted as an alias for FUNDS in override requests.
	MethodCredit PaymentMethod = "CREDIT"
)

// PurchaseMethods are the states the resolver can produce.
var PurchaseMethods = []PaymentMethod{MethodCard, MethodFunds, MethodCardAndFunds}

// PayoutMethods are the methods a seller can choose from.
var PayoutMethods = []PaymentMethod{MethodACH, MethodWire, MethodECheck, MethodDoradoAccount}

// DefaultPayoutMethod is used for sell orders that did not pick one.
const DefaultPayoutMethod = MethodACH

// RequiresInstrument reports whether the method charges a paid instrument and
// therefore carries a surcharge.
func (m PaymentMethod) RequiresInstrument() bool {
	switch m {
	case MethodFunds, MethodDoradoAccount:
		return false
	default:
		return true
	}
}

// IsPayout reports whether m is a sell-side payout method.
func (m PaymentMethod) IsPayout() bool {
	switch m {
	case MethodACH, MethodWire, MethodECheck, MethodDoradoAccount:
		return true
	}
	return false
}

// ParsePaymentMethod normalises a method identifier.
func ParsePaymentMethod(value string) (PaymentMethod, error) {
	m := PaymentMethod(strings.ToUpper(strings.TrimSpace(value)))
	switch m {
	case MethodCard, MethodFunds, MethodCardAndFunds,
		MethodACH, MethodWire, MethodECheck, MethodDoradoAccount:
		return m, nil
	case MethodCredit:
		return MethodFunds, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPaymentMethod, value)
}

// ResolveInput is everything the purchase-side resolver looks at. Override is
// empty unless an operator or the customer explicitly asked for stored funds.
type ResolveInput struct {
	BeginningFunds Money
	BaseTotal      Money
	UseFunds       bool
	Override       PaymentMethod
}

// Resolve picks the purchase payment method. The result depends only on in.
// When an override cannot be honoured the automatic method is returned along
// with ErrInfeasibleOverride so callers can surface the rejection.
func Resolve(in ResolveInput) (PaymentMethod, error) {
	var overrideErr error
	switch in.Override {
	case "":
	case MethodFunds, MethodCredit:
		if in.BeginningFunds >= in.BaseTotal {
			return MethodFunds, nil
		}
		overrideErr = fmt.Errorf("%w: balance %s below total %s",
			ErrInfeasibleOverride, FormatMoney(in.BeginningFunds), FormatMoney(in.BaseTotal))
	default:
		overrideErr = fmt.Errorf("%w: %q", ErrUnsupportedOverride, in.Override)
	}

	return resolveAutomatic(in), overrideErr
}

func resolveAutomatic(in ResolveInput) PaymentMethod {
	switch {
	case !in.UseFunds || in.BeginningFunds <= 0:
		return MethodCard
	case in.BeginningFunds >= in.BaseTotal:
		return MethodFunds
	default:
		return MethodCardAndFunds
	}
}

// PayoutMethod returns the selected payout method or the default when none was chosen.
func PayoutMethod(selected PaymentMethod) (PaymentMethod, error) {
	if selected == "" {
		return DefaultPayoutMethod, nil
	}
	if !selected.IsPayout() {
		return "", fmt.Errorf("%w: %q is not a payout method", ErrUnknownPaymentMethod, selected)
	}
	return selected, nil
}
