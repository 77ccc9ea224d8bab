package pricing

// Allocate decides how much stored credit to apply against baseTotal.
// Over-application is clamped, never rejected.
func Allocate(beginningFunds, baseTotal Money, useFunds bool) Money {
	if !useFunds || beginningFunds <= 0 || baseTotal <= 0 {
		return 0
	}
	return minMoney(beginningFunds, baseTotal)
}
