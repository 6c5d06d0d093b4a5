package fee

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// MaxEvaluations bounds the AddFees evaluations SubtractFees may spend.
const MaxEvaluations = 4

// ErrNoInverse reports that SubtractFees did not converge within
// MaxEvaluations. It indicates a defect in the schedule or the engine.
var ErrNoInverse = errors.New("fee: no inverse within evaluation bound")

// Inversion is the outcome of SubtractFees together with the work it took.
type Inversion struct {
	Base        Amount
	Evaluations int
}

// AddFees returns what a buyer pays when the seller is to receive base.
func (s *Schedule) AddFees(base Amount) (Amount, error) {
	if err := checkAmount(base); err != nil {
		return 0, err
	}
	return s.total(base)
}

// SubtractFees returns the largest base whose AddFees result does not exceed
// total, i.e. what the seller receives from a sale at total.
func (s *Schedule) SubtractFees(total Amount) (Amount, error) {
	inv, err := s.Invert(total)
	if err != nil {
		return 0, err
	}
	return inv.Base, nil
}

// Invert performs SubtractFees and reports how many AddFees evaluations it
// needed.
//
// The search keeps a bracket lo < answer+1 <= hi with AddFees(lo) <= total
// and AddFees(hi) > total. AddFees is strictly increasing with a slope of at
// least one, so an overshoot by d proves that b-d is feasible and an
// undershoot by d proves that b+d+1 is not.
func (s *Schedule) Invert(total Amount) (Inversion, error) {
	if err := checkAmount(total); err != nil {
		return Inversion{}, err
	}

	lo, hi := Amount(0), total+1
	if hi-lo == 1 {
		return Inversion{Base: lo}, nil
	}

	b := s.scale(total, false)
	for n := 1; n <= MaxEvaluations; n++ {
		b = min(max(b, lo+1), hi-1)

		v, err := s.total(b)
		if err != nil {
			return Inversion{}, err
		}

		switch {
		case v == total:
			return Inversion{Base: b, Evaluations: n}, nil
		case v > total:
			diff := v - total
			hi = b
			lo = max(lo, b-diff)
			b -= s.scale(diff, true)
		default:
			diff := total - v
			lo = b
			hi = min(hi, b+diff+1)
			b += s.scale(diff, false)
		}

		if hi-lo == 1 {
			return Inversion{Base: lo, Evaluations: n}, nil
		}
	}

	return Inversion{}, fmt.Errorf("%w: total %d, bracket [%d, %d), schedule %s", ErrNoInverse, total, lo, hi, s)
}

// total evaluates the forward transform for an amount already known to be in
// range.
func (s *Schedule) total(base Amount) (Amount, error) {
	if base == 0 {
		return 0, nil
	}

	var fee Amount
	for _, t := range s.tiers {
		if t.Numerator == 0 {
			continue
		}
		q, r := mulDiv(uint64(base), uint64(t.Numerator), uint64(t.Denominator))
		if s.rounding == RoundHalfUp && r >= uint64(t.Denominator)-r {
			q++
		}
		fee += max(Amount(q), t.MinFee)
	}
	if s.charged {
		fee = max(fee, s.minTotalFee)
	}

	if fee > Amount(math.MaxInt64)-base {
		return 0, fmt.Errorf("%w: total for %d overflows", ErrInvalidAmount, base)
	}
	return base + fee, nil
}

// scale converts an amount measured after fees into one measured before
// fees using the nominal combined rate, rounding down or up.
func (s *Schedule) scale(a Amount, up bool) Amount {
	q, r := mulDiv(uint64(a), s.rateDen, s.rateDen+s.rateNum)
	if up && r > 0 {
		q++
	}
	return Amount(q)
}

// mulDiv returns a*n/d and its remainder using a 128-bit product. The
// quotient must fit in 64 bits, which holds whenever n <= d.
func mulDiv(a, n, d uint64) (uint64, uint64) {
	hi, lo := bits.Mul64(a, n)
	return bits.Div64(hi, lo, d)
}
