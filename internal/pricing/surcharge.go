package pricing

// Rate is the processing cost of a payment method: a proportional part in
// basis points plus a fixed part in minor units.
type Rate struct {
	RateBps    int64 `json:"rateBps"`
	FixedMinor Money `json:"fixedMinor"`
}

// RateTable maps a payment method to its rate. Missing entries cost nothing.
type RateTable map[PaymentMethod]Rate

// DefaultRates returns the storefront's standard processing costs.
func DefaultRates() RateTable {
	return RateTable{
		MethodCard:   {RateBps: 300},
		MethodACH:    {},
		MethodWire:   {FixedMinor: 2500},
		MethodECheck: {},
	}
}

// For returns the rate applied to method. Split payments charge the card
// portion at the card rate.
func (t RateTable) For(method PaymentMethod) Rate {
	if method == MethodCardAndFunds {
		method = MethodCard
	}
	return t[method]
}

// Surcharge is the fee on the portion of the order charged to a paid
// instrument. Credit-covered value never incurs a surcharge.
func Surcharge(subject Money, method PaymentMethod, rates RateTable) Money {
	if subject <= 0 || !method.RequiresInstrument() {
		return 0
	}
	rate := rates.For(method)
	return maxMoney(ApplyBps(subject, rate.RateBps)+rate.FixedMinor, 0)
}
