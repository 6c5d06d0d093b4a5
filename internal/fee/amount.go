package fee

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value counted in the smallest currency unit (cents).
type Amount int64

// MaxAmount bounds the amounts accepted by the engine so that every
// intermediate value fits in an int64.
const MaxAmount Amount = 1 << 62

var (
	// ErrInvalidAmount reports a negative or out-of-range amount.
	ErrInvalidAmount = errors.New("fee: invalid amount")

	cents = decimal.NewFromInt(100)
)

func checkAmount(a Amount) error {
	if a < 0 {
		return fmt.Errorf("%w: %d is negative", ErrInvalidAmount, a)
	}
	if a > MaxAmount {
		return fmt.Errorf("%w: %d exceeds %d", ErrInvalidAmount, a, MaxAmount)
	}
	return nil
}

// Decimal returns the amount in currency units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

// USD renders the amount with two fractional digits, e.g. 1234 -> "12.34".
func (a Amount) USD() string {
	return a.Decimal().StringFixed(2)
}

// ParseUSD converts a currency string such as "12.34" into cents.
func ParseUSD(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	scaled := d.Mul(cents)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has sub-cent precision", ErrInvalidAmount, s)
	}
	a := Amount(scaled.IntPart())
	if err := checkAmount(a); err != nil {
		return 0, err
	}
	return a, nil
}
