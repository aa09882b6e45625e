// Package odds implements the parimutuel odds formula used by betting pools.
//
// For the side receiving a stake:
//
//	odds = (opposing + Smoothing·total) / (backing + Epsilon)
//
// clamped to [MinOdds, MaxOdds]. The smoothing term keeps odds finite when
// one side is empty; the clamp bounds platform exposure.
//
// All monetary values use shopspring/decimal, never float64.
package odds

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/model"
)

var (
	// ErrInvalidFee is returned when a fee is outside [0, 1).
	ErrInvalidFee = errors.New("odds: platform fee must be in [0, 1)")

	// MinOdds is the lowest payout multiple ever quoted.
	MinOdds = decimal.RequireFromString("1.1")

	// MaxOdds is the highest payout multiple ever quoted.
	MaxOdds = decimal.NewFromInt(10)

	// Smoothing is the share of the total pool added to the opposing stake.
	Smoothing = decimal.RequireFromString("0.1")

	// Epsilon is added to the backing stake so an empty side never divides by zero.
	Epsilon = decimal.RequireFromString("0.1")

	// Scale is the number of decimal places odds are rounded to.
	Scale int32 = 8
)

// Compute returns the clamped odds for a stake on the backing side.
func Compute(backing, opposing, total decimal.Decimal) decimal.Decimal {
	num := opposing.Add(Smoothing.Mul(total))
	den := backing.Add(Epsilon)
	return clamp(num.Div(den).Round(Scale))
}

// ForSide returns the odds a new stake on side would lock, computed from
// the pool state as it is now (before that stake is applied).
func ForSide(pool *model.BettingPool, side model.Side) decimal.Decimal {
	return Compute(pool.SideAmount(side), pool.SideAmount(side.Opposite()), pool.TotalPoolAmount)
}

// Refresh recomputes both quoted odds on the pool for the next bettor.
func Refresh(pool *model.BettingPool) {
	pool.PartyAOdds = ForSide(pool, model.PartyA)
	pool.PartyBOdds = ForSide(pool, model.PartyB)
}

// PotentialPayout computes amount × odds × (1 − fee).
func PotentialPayout(amount, odds, fee decimal.Decimal) (decimal.Decimal, error) {
	if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrInvalidFee
	}
	return amount.Mul(odds).Mul(decimal.NewFromInt(1).Sub(fee)), nil
}

func clamp(o decimal.Decimal) decimal.Decimal {
	if o.LessThan(MinOdds) {
		return MinOdds
	}
	if o.GreaterThan(MaxOdds) {
		return MaxOdds
	}
	return o
}
