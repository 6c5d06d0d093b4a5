// Package fee converts between what a seller receives and what a buyer pays
// on the reference marketplace.
package fee

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidSchedule reports a fee schedule that cannot be used.
var ErrInvalidSchedule = errors.New("fee: invalid schedule")

// Rounding selects how each tier fee is rounded to a whole cent.
type Rounding string

const (
	RoundFloor  Rounding = "floor"
	RoundHalfUp Rounding = "half_up"
)

// maxFixedFees caps the sum of minimum fees a schedule may declare.
const maxFixedFees = 1 << 40

// Tier is one multiplicative fee: Numerator/Denominator of the base amount,
// never less than MinFee once the rate is non-zero.
type Tier struct {
	Name        string
	Numerator   int64
	Denominator int64
	MinFee      Amount
}

func (t Tier) String() string {
	if t.MinFee > 0 {
		return fmt.Sprintf("%s=%d/%d(min %d)", t.Name, t.Numerator, t.Denominator, t.MinFee)
	}
	return fmt.Sprintf("%s=%d/%d", t.Name, t.Numerator, t.Denominator)
}

// Schedule is an immutable fee configuration. It is safe for concurrent use.
type Schedule struct {
	tiers       []Tier
	rounding    Rounding
	minTotalFee Amount

	// rateNum/rateDen is the exact sum of tier rates, reduced.
	rateNum uint64
	rateDen uint64
	charged bool
}

// NewSchedule validates the tiers and builds a schedule.
func NewSchedule(tiers []Tier, rounding Rounding, minTotalFee Amount) (*Schedule, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: at least one tier is required", ErrInvalidSchedule)
	}
	switch rounding {
	case RoundFloor, RoundHalfUp:
	case "":
		rounding = RoundFloor
	default:
		return nil, fmt.Errorf("%w: unknown rounding %q", ErrInvalidSchedule, rounding)
	}
	if minTotalFee < 0 {
		return nil, fmt.Errorf("%w: min_total_fee cannot be negative", ErrInvalidSchedule)
	}

	sum := new(big.Rat)
	fixed := int64(minTotalFee)
	charged := false
	for i, t := range tiers {
		if t.Denominator <= 0 {
			return nil, fmt.Errorf("%w: tier %d (%s) denominator must be positive", ErrInvalidSchedule, i, t.Name)
		}
		if t.Numerator < 0 || t.Numerator >= t.Denominator {
			return nil, fmt.Errorf("%w: tier %d (%s) rate must be in [0, 1)", ErrInvalidSchedule, i, t.Name)
		}
		if t.MinFee < 0 {
			return nil, fmt.Errorf("%w: tier %d (%s) min_fee cannot be negative", ErrInvalidSchedule, i, t.Name)
		}
		fixed += int64(t.MinFee)
		if fixed > maxFixedFees {
			return nil, fmt.Errorf("%w: minimum fees exceed %d", ErrInvalidSchedule, maxFixedFees)
		}
		if t.Numerator > 0 {
			charged = true
		}
		sum.Add(sum, big.NewRat(t.Numerator, t.Denominator))
	}

	if sum.Cmp(big.NewRat(1, 1)) >= 0 {
		return nil, fmt.Errorf("%w: combined rate %s must stay below 1", ErrInvalidSchedule, sum.RatString())
	}
	if !sum.Num().IsInt64() || !sum.Denom().IsInt64() || sum.Denom().Int64() > math.MaxInt64/2 {
		return nil, fmt.Errorf("%w: combined rate %s is not representable", ErrInvalidSchedule, sum.RatString())
	}

	return &Schedule{
		tiers:       append([]Tier(nil), tiers...),
		rounding:    rounding,
		minTotalFee: minTotalFee,
		rateNum:     uint64(sum.Num().Int64()),
		rateDen:     uint64(sum.Denom().Int64()),
		charged:     charged,
	}, nil
}

// SteamSchedule returns the Steam Community Market schedule: a 5% wallet fee
// and a 10% publisher fee, each floored and at least one cent.
func SteamSchedule() *Schedule {
	s, err := NewSchedule([]Tier{
		{Name: "steam", Numerator: 5, Denominator: 100, MinFee: 1},
		{Name: "publisher", Numerator: 10, Denominator: 100, MinFee: 1},
	}, RoundFloor, 0)
	if err != nil {
		panic("steam schedule: " + err.Error())
	}
	return s
}

// Tiers returns a copy of the configured tiers.
func (s *Schedule) Tiers() []Tier {
	return append([]Tier(nil), s.tiers...)
}

// Rounding returns the per-tier rounding rule.
func (s *Schedule) Rounding() Rounding { return s.rounding }

// MinTotalFee returns the floor applied to the summed fee.
func (s *Schedule) MinTotalFee() Amount { return s.minTotalFee }

// NominalRate returns the combined tier rate, ignoring rounding.
func (s *Schedule) NominalRate() decimal.Decimal {
	return decimal.NewFromInt(int64(s.rateNum)).DivRound(decimal.NewFromInt(int64(s.rateDen)), 8)
}

func (s *Schedule) String() string {
	parts := make([]string, 0, len(s.tiers)+2)
	for _, t := range s.tiers {
		parts = append(parts, t.String())
	}
	parts = append(parts, "rounding="+string(s.rounding))
	if s.minTotalFee > 0 {
		parts = append(parts, fmt.Sprintf("min_total=%d", s.minTotalFee))
	}
	return strings.Join(parts, " ")
}

// RateFromDecimal turns a decimal rate such as "0.05" into a reduced
// numerator/denominator pair.
func RateFromDecimal(s string) (int64, int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: rate %q: %v", ErrInvalidSchedule, s, err)
	}
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return 0, 0, fmt.Errorf("%w: rate %q must be in [0, 1)", ErrInvalidSchedule, s)
	}

	r := new(big.Rat).SetInt(d.Coefficient())
	if exp := d.Exponent(); exp < 0 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-exp)), nil)
		r.Quo(r, new(big.Rat).SetInt(scale))
	}
	if !r.Num().IsInt64() || !r.Denom().IsInt64() {
		return 0, 0, fmt.Errorf("%w: rate %q has too many digits", ErrInvalidSchedule, s)
	}
	return r.Num().Int64(), r.Denom().Int64(), nil
}
