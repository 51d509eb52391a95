// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package funding maintains the per-market cumulative funding integrals that
// let positions settle funding lazily by diffing snapshots.
package funding

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/clearinghouse/fixedpoint"
)

// Day is the period the funding rate is quoted over, in seconds.
const Day = 86400

var (
	ErrZeroPrice         = errors.New("real price is zero")
	ErrZeroLiquidity     = errors.New("trade against zero liquidity")
	ErrTimeWentBackwards = errors.New("timestamp before last funding update")
)

// Global holds the cumulative funding sums of a market. All sums are Q128.
//
//	SumAX128:  integral of the funding rate (real-virtual)*virtual/real over time
//	SumBX128:  integral of taker token flow per unit of liquidity
//	SumFpX128: integral of SumA increments weighted by the SumB at that time
type Global struct {
	SumAX128      *big.Int
	SumBX128      *big.Int
	SumFpX128     *big.Int
	TimestampLast uint64
}

// NewGlobal returns accumulators starting at zero with the given timestamp.
func NewGlobal(timestamp uint64) *Global {
	return &Global{
		SumAX128:      new(big.Int),
		SumBX128:      new(big.Int),
		SumFpX128:     new(big.Int),
		TimestampLast: timestamp,
	}
}

// Clone returns a deep copy.
func (g *Global) Clone() *Global {
	return &Global{
		SumAX128:      fixedpoint.Clone(g.SumAX128),
		SumBX128:      fixedpoint.Clone(g.SumBX128),
		SumFpX128:     fixedpoint.Clone(g.SumFpX128),
		TimestampLast: g.TimestampLast,
	}
}

// NextAX128 returns the SumA increment accrued over dt seconds:
// (real-virtual)*virtual/real * dt/Day, truncating toward zero at each step.
func NextAX128(dt uint64, realPriceX128, virtualPriceX128 *big.Int) (*big.Int, error) {
	if realPriceX128.Sign() == 0 {
		return nil, ErrZeroPrice
	}
	diff := new(big.Int).Sub(realPriceX128, virtualPriceX128)
	rate, err := fixedpoint.SignedMulDiv(diff, virtualPriceX128, realPriceX128)
	if err != nil {
		return nil, fmt.Errorf("funding rate: %w", err)
	}
	a := rate.Mul(rate, new(big.Int).SetUint64(dt))
	a.Quo(a, big.NewInt(Day))
	return a, fixedpoint.CheckInt256(a)
}

// Advance accrues funding from TimestampLast to now. It must run before any
// read of SumFpX128 at time now. Nothing accrues while liquidity is zero; the
// elapsed time is carried to the next advance.
func (g *Global) Advance(now uint64, realPriceX128, virtualPriceX128, liquidity *big.Int) error {
	if realPriceX128.Sign() == 0 {
		return ErrZeroPrice
	}
	if now < g.TimestampLast {
		return fmt.Errorf("%w: now %d, last %d", ErrTimeWentBackwards, now, g.TimestampLast)
	}
	if now == g.TimestampLast || liquidity.Sign() == 0 {
		return nil
	}

	a, err := NextAX128(now-g.TimestampLast, realPriceX128, virtualPriceX128)
	if err != nil {
		return err
	}

	// SumFp uses SumB from before any trade at this timestamp.
	fp, err := fixedpoint.MulDivRoundingDown(a, g.SumBX128, fixedpoint.Q128)
	if err != nil {
		return fmt.Errorf("sumFp increment: %w", err)
	}
	sumFp, err := fixedpoint.Add(g.SumFpX128, fp)
	if err != nil {
		return fmt.Errorf("sumFp: %w", err)
	}
	sumA, err := fixedpoint.Add(g.SumAX128, a)
	if err != nil {
		return fmt.Errorf("sumA: %w", err)
	}

	g.SumFpX128 = sumFp
	g.SumAX128 = sumA
	g.TimestampLast = now
	return nil
}

// Trade records a taker token delta executed against liquidity. Buys are
// positive.
func (g *Global) Trade(tokenDelta, liquidity *big.Int) error {
	if tokenDelta.Sign() == 0 {
		return nil
	}
	if liquidity.Sign() == 0 {
		return ErrZeroLiquidity
	}
	b, err := fixedpoint.SignedMulDiv(tokenDelta, fixedpoint.Q128, liquidity)
	if err != nil {
		return fmt.Errorf("sumB increment: %w", err)
	}
	sumB, err := fixedpoint.Add(g.SumBX128, b)
	if err != nil {
		return fmt.Errorf("sumB: %w", err)
	}
	g.SumBX128 = sumB
	return nil
}

// Update advances to now and then records the trade.
func (g *Global) Update(tokenDelta, liquidity *big.Int, now uint64, realPriceX128, virtualPriceX128 *big.Int) error {
	if err := g.Advance(now, realPriceX128, virtualPriceX128, liquidity); err != nil {
		return err
	}
	return g.Trade(tokenDelta, liquidity)
}

// ExtrapolatedSumFpX128 projects a SumFp snapshot taken when SumA was
// sumALastX128 forward to sumAX128, assuming SumB stayed at sumBX128.
func ExtrapolatedSumFpX128(sumALastX128, sumBX128, sumFpLastX128, sumAX128 *big.Int) (*big.Int, error) {
	da := new(big.Int).Sub(sumAX128, sumALastX128)
	inc, err := fixedpoint.MulDivRoundingDown(sumBX128, da, fixedpoint.Q128)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Add(sumFpLastX128, inc)
}
