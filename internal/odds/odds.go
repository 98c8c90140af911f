// Package odds implements settlement arithmetic for American odds.
//
// American odds are a signed integer:
//   - positive (underdog): a winning stake earns odds/100 per point staked
//   - negative (favorite): a winning stake earns 100/|odds| per point staked
//
// Exact winnings are computed with shopspring/decimal. The ledger credits
// whole points only, so the authoritative payout is the exact value rounded
// down. Read-side projections may use the exact value.
package odds

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// MaxOdds bounds |odds|. +100000 already pays 1000 points per point staked.
const MaxOdds = 100000

var (
	// ErrZeroOdds is returned for odds of 0, which have no payout meaning.
	ErrZeroOdds = errors.New("odds: odds must be nonzero")

	// ErrOddsOutOfRange is returned for |odds| above MaxOdds.
	ErrOddsOutOfRange = errors.New("odds: odds out of range")

	// ErrPayoutOverflow is returned when winnings do not fit in int64.
	ErrPayoutOverflow = errors.New("odds: payout overflows")

	// ErrNegativeStake is returned when a stake below zero is priced.
	ErrNegativeStake = errors.New("odds: stake must not be negative")

	hundred  = decimal.NewFromInt(100)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// Validate reports whether odds can price a bet.
func Validate(odds int) error {
	if odds == 0 {
		return ErrZeroOdds
	}
	if odds > MaxOdds || odds < -MaxOdds {
		return ErrOddsOutOfRange
	}
	return nil
}

// Winnings returns the exact profit on a winning stake, excluding the stake
// itself. Zero odds price to zero; callers validate odds at wager creation.
func Winnings(amount int64, odds int) decimal.Decimal {
	if odds == 0 {
		return decimal.Zero
	}
	stake := decimal.NewFromInt(amount)
	o := decimal.NewFromInt(int64(odds))
	if odds > 0 {
		return stake.Mul(o).Div(hundred)
	}
	return stake.Mul(hundred).Div(o.Abs())
}

// Payout returns the whole-point winnings credited at settlement.
func Payout(amount int64, odds int) (int64, error) {
	if err := Validate(odds); err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, ErrNegativeStake
	}
	w := Winnings(amount, odds).Floor()
	if w.GreaterThan(maxInt64) {
		return 0, ErrPayoutOverflow
	}
	return w.IntPart(), nil
}

// TotalReturn is what a winning bettor gets back: stake plus payout.
func TotalReturn(amount int64, odds int) (int64, error) {
	p, err := Payout(amount, odds)
	if err != nil {
		return 0, err
	}
	if p > math.MaxInt64-amount {
		return 0, ErrPayoutOverflow
	}
	return amount + p, nil
}

// ImpliedProbability converts odds to the break-even win probability,
// rounded to 4 places. Used for display only.
func ImpliedProbability(odds int) decimal.Decimal {
	if odds == 0 {
		return decimal.Zero
	}
	o := decimal.NewFromInt(int64(odds)).Abs()
	if odds > 0 {
		return hundred.Div(o.Add(hundred)).Round(4)
	}
	return o.Div(o.Add(hundred)).Round(4)
}
