package finance

import "github.com/holiman/uint256"

// Quote is the amount required to fully retire a principal at a point in time.
type Quote struct {
	Principal *uint256.Int
	Interest  *uint256.Int
	Fee       *uint256.Int
}

// Total returns principal + interest + fee. Components are bounded by Accrue so
// the sum cannot overflow for any quote it produced.
func (q Quote) Total() *uint256.Int {
	total := new(uint256.Int).Add(orZero(q.Principal), orZero(q.Interest))
	return total.Add(total, orZero(q.Fee))
}

// Add returns the component-wise sum of two quotes.
func (q Quote) Add(o Quote) Quote {
	return Quote{
		Principal: new(uint256.Int).Add(orZero(q.Principal), orZero(o.Principal)),
		Interest:  new(uint256.Int).Add(orZero(q.Interest), orZero(o.Interest)),
		Fee:       new(uint256.Int).Add(orZero(q.Fee), orZero(o.Fee)),
	}
}

// ZeroQuote returns a quote with all components set to zero.
func ZeroQuote() Quote {
	return Quote{Principal: new(uint256.Int), Interest: new(uint256.Int), Fee: new(uint256.Int)}
}

// QuoteFull prices the full repayment of principal after elapsed seconds.
func QuoteFull(principal *uint256.Int, aprBps, elapsed uint64, rate FeeRate) (Quote, error) {
	interest, fee, err := Accrue(principal, aprBps, elapsed, rate)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Principal: new(uint256.Int).Set(orZero(principal)), Interest: interest, Fee: fee}, nil
}

// QuotePartial prices the largest principal reduction payable with available.
func QuotePartial(available *uint256.Int, aprBps, elapsed uint64, rate FeeRate) (Quote, error) {
	reduction, interest, fee, err := AmortizePartialPayment(available, aprBps, elapsed, rate)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Principal: reduction, Interest: interest, Fee: fee}, nil
}

// Distribute pays claims in order from proceeds. Each claim receives
// min(claim, remaining); whatever is left after the last claim is surplus.
func Distribute(proceeds *uint256.Int, claims []*uint256.Int) (payouts []*uint256.Int, surplus *uint256.Int) {
	remaining := new(uint256.Int).Set(orZero(proceeds))
	payouts = make([]*uint256.Int, len(claims))
	for i, claim := range claims {
		claim = orZero(claim)
		if remaining.Cmp(claim) >= 0 {
			payouts[i] = new(uint256.Int).Set(claim)
			remaining.Sub(remaining, claim)
			continue
		}
		payouts[i] = new(uint256.Int).Set(remaining)
		remaining.Clear()
	}
	return payouts, remaining
}
