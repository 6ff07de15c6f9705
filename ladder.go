// FILE: ladder.go
// Package main – DCA ladder calculator.
//
// computeLevels maps (entry price, drawdown fraction, level count) to the
// ordered set of descending limit prices below the entry:
//
//	price(i) = round(entry × (1 − drawdown·i), 2)   for i in 1..count
//
// Rounding is half-up at 2 decimal places (currency precision). Downstream
// comparisons, level dedup against open orders in particular, rely on exact
// price equality, so all price math runs on decimal.Decimal rather than
// float64.
package main

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LevelState is the lifecycle of a single ladder rung. A rung moves
// Pending→Submitted exactly once, when its limit order reaches the venue, and
// never reverts. An explicit enum rather than a sign-flipped index: negative
// indices collide with nothing and the intent is readable.
type LevelState int

const (
	LevelPending LevelState = iota
	LevelSubmitted
)

func (s LevelState) String() string {
	if s == LevelSubmitted {
		return "submitted"
	}
	return "pending"
}

// LevelPrice is one rung of the ladder: a 1-based index, the limit price
// locked in for that rung, and its submission state.
type LevelPrice struct {
	Index int
	Price decimal.Decimal
	State LevelState
}

// computeLevels builds the full ladder below entry. It is pure: same inputs,
// same rungs, no side effects. All rungs come back Pending; callers merge the
// result with whatever ladder state already exists.
func computeLevels(entry decimal.Decimal, drawdown decimal.Decimal, count int) ([]LevelPrice, error) {
	if !entry.IsPositive() {
		return nil, fmt.Errorf("%w: entry price must be > 0, got %s", ErrInvalidParameter, entry)
	}
	if !drawdown.IsPositive() || drawdown.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: drawdown must be in (0,1), got %s", ErrInvalidParameter, drawdown)
	}
	if count < 1 {
		return nil, fmt.Errorf("%w: level count must be >= 1, got %d", ErrInvalidParameter, count)
	}

	one := decimal.NewFromInt(1)
	levels := make([]LevelPrice, 0, count)
	for i := 1; i <= count; i++ {
		factor := one.Sub(drawdown.Mul(decimal.NewFromInt(int64(i))))
		// Round is half-up (away from zero on ties), matching currency rounding.
		px := entry.Mul(factor).Round(2)
		levels = append(levels, LevelPrice{Index: i, Price: px, State: LevelPending})
	}
	return levels, nil
}
