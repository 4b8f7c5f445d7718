// Package finance implements the fixed-point interest, fee and amortisation
// arithmetic used to settle loans. Every function is pure and operates on
// 256-bit unsigned integers so results match the on-chain verifier bit for
// bit. Divisions truncate toward zero.
package finance

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// SecondsPerHour is the accrual tick. Partial hours earn nothing.
	SecondsPerHour = 3_600
	// SecondsPerDay and DaysPerYear define the annual day-count convention.
	SecondsPerDay = 86_400
	DaysPerYear   = 365
	// BasisPoints scales APR values; 1 bps = 0.01%.
	BasisPoints = 10_000
)

// ErrArithmeticEdge reports inputs that would divide by zero, underflow or
// overflow 256-bit arithmetic.
var ErrArithmeticEdge = errors.New("finance: degenerate arithmetic input")

// yearBasis is 86400 * 365 * 10000.
var yearBasis = uint256.NewInt(SecondsPerDay * DaysPerYear * BasisPoints)

// FeeRate is the protocol fee expressed as Numerator/Denominator of the base
// interest.
type FeeRate struct {
	Numerator   uint64
	Denominator uint64
}

// Validate rejects a zero denominator and fees above 100% of interest.
func (r FeeRate) Validate() error {
	if r.Denominator == 0 {
		return fmt.Errorf("%w: fee denominator is zero", ErrArithmeticEdge)
	}
	if r.Numerator > r.Denominator {
		return fmt.Errorf("%w: fee numerator %d exceeds denominator %d", ErrArithmeticEdge, r.Numerator, r.Denominator)
	}
	return nil
}

func (r FeeRate) String() string {
	return fmt.Sprintf("%d/%d", r.Numerator, r.Denominator)
}

// TruncateToHour rounds elapsed seconds down to a whole number of hours.
func TruncateToHour(elapsed uint64) uint64 {
	return elapsed - elapsed%SecondsPerHour
}

// Accrue returns the net interest owed to the lender and the protocol fee for
// principal outstanding over elapsed seconds at aprBps.
//
// The fee is reported as twice the computed base fee while the lender's net
// interest is reduced by a single base fee. Callers rely on this exact
// doubling to reproduce amounts verified elsewhere.
func Accrue(principal *uint256.Int, aprBps, elapsed uint64, rate FeeRate) (interest, fee *uint256.Int, err error) {
	if err := rate.Validate(); err != nil {
		return nil, nil, err
	}
	return accrueTicks(orZero(principal), aprBps, TruncateToHour(elapsed), rate)
}

// AmortizePartialPayment solves for the principal reduction x such that x plus
// the interest and fee accrued on x over elapsed seconds fits inside
// available:
//
//	x = available*den*C / (den*C + t*apr*(num+den))
//
// where C = 86400*365*10000 and t is elapsed truncated to whole hours. Interest
// and fee are then recomputed from x with Accrue so that the three amounts sum
// to at most available.
func AmortizePartialPayment(available *uint256.Int, aprBps, elapsed uint64, rate FeeRate) (reduction, interest, fee *uint256.Int, err error) {
	if err := rate.Validate(); err != nil {
		return nil, nil, nil, err
	}
	available = orZero(available)
	ticks := TruncateToHour(elapsed)
	den := uint256.NewInt(rate.Denominator)

	numerator, err := mul(available, den, yearBasis)
	if err != nil {
		return nil, nil, nil, err
	}
	base, err := mul(den, yearBasis)
	if err != nil {
		return nil, nil, nil, err
	}
	weight, err := mul(uint256.NewInt(ticks), uint256.NewInt(aprBps), new(uint256.Int).Add(uint256.NewInt(rate.Numerator), den))
	if err != nil {
		return nil, nil, nil, err
	}
	denominator, overflow := new(uint256.Int).AddOverflow(base, weight)
	if overflow {
		return nil, nil, nil, fmt.Errorf("%w: amortisation denominator overflows", ErrArithmeticEdge)
	}
	if denominator.IsZero() {
		return nil, nil, nil, fmt.Errorf("%w: amortisation denominator is zero", ErrArithmeticEdge)
	}

	reduction = new(uint256.Int).Div(numerator, denominator)
	interest, fee, err = accrueTicks(reduction, aprBps, ticks, rate)
	if err != nil {
		return nil, nil, nil, err
	}
	return reduction, interest, fee, nil
}

func accrueTicks(principal *uint256.Int, aprBps, seconds uint64, rate FeeRate) (*uint256.Int, *uint256.Int, error) {
	if seconds == 0 || aprBps == 0 || principal.IsZero() {
		return new(uint256.Int), new(uint256.Int), nil
	}
	baseInterest, err := mul(principal, uint256.NewInt(aprBps), uint256.NewInt(seconds))
	if err != nil {
		return nil, nil, err
	}
	baseInterest.Div(baseInterest, yearBasis)

	baseFee, err := mul(baseInterest, uint256.NewInt(rate.Numerator))
	if err != nil {
		return nil, nil, err
	}
	baseFee.Div(baseFee, uint256.NewInt(rate.Denominator))

	interest := new(uint256.Int).Sub(baseInterest, baseFee)
	fee, overflow := new(uint256.Int).AddOverflow(baseFee, baseFee)
	if overflow {
		return nil, nil, fmt.Errorf("%w: fee overflows", ErrArithmeticEdge)
	}
	return interest, fee, nil
}

// mul multiplies its operands left to right and fails on 256-bit overflow.
func mul(factors ...*uint256.Int) (*uint256.Int, error) {
	product := uint256.NewInt(1)
	for _, f := range factors {
		if _, overflow := product.MulOverflow(product, f); overflow {
			return nil, fmt.Errorf("%w: multiplication overflows 256 bits", ErrArithmeticEdge)
		}
	}
	return product, nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
