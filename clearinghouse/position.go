// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clearinghouse

import (
	"math/big"
	"sort"

	"github.com/luxfi/clearinghouse/fixedpoint"
	"github.com/luxfi/clearinghouse/funding"
	"github.com/luxfi/clearinghouse/tick"
)

// LiquidityPosition is liquidity an account provides over one tick range,
// with the inside accumulators it last settled against.
type LiquidityPosition struct {
	TickLower      int32
	TickUpper      int32
	Liquidity      *big.Int
	LimitOrderType LimitOrderType

	SumALastX128         *big.Int
	SumBInsideLastX128   *big.Int
	SumFpInsideLastX128  *big.Int
	SumFeeInsideLastX128 *big.Int
}

func newLiquidityPosition(key RangeKey, inside *tick.Inside) *LiquidityPosition {
	lp := &LiquidityPosition{
		TickLower: key.TickLower,
		TickUpper: key.TickUpper,
		Liquidity: new(big.Int),
	}
	lp.snapshot(inside)
	return lp
}

// Key returns the range the position covers.
func (lp *LiquidityPosition) Key() RangeKey {
	return RangeKey{TickLower: lp.TickLower, TickUpper: lp.TickUpper}
}

func (lp *LiquidityPosition) snapshot(inside *tick.Inside) {
	lp.SumALastX128 = new(big.Int).Set(inside.SumAX128)
	lp.SumBInsideLastX128 = new(big.Int).Set(inside.SumBInsideX128)
	lp.SumFpInsideLastX128 = new(big.Int).Set(inside.SumFpInsideX128)
	lp.SumFeeInsideLastX128 = new(big.Int).Set(inside.SumFeeInsideX128)
}

// Pending returns the funding and fees the range has accrued since its last
// settlement, without settling.
func (lp *LiquidityPosition) Pending(inside *tick.Inside) (fundingPayment, feeIncome *big.Int, err error) {
	extrapolated, err := funding.ExtrapolatedSumFpX128(
		lp.SumALastX128, lp.SumBInsideLastX128, lp.SumFpInsideLastX128, inside.SumAX128)
	if err != nil {
		return nil, nil, err
	}
	// the range holds -L*sumB of token exposure, so it is paid the opposite
	// of a token position
	delta := new(big.Int).Sub(inside.SumFpInsideX128, extrapolated)
	fundingPayment, err = fixedpoint.MulDivRoundingDown(delta.Neg(delta), lp.Liquidity, fixedpoint.Q128)
	if err != nil {
		return nil, nil, err
	}
	feeGrowth := new(big.Int).Sub(inside.SumFeeInsideX128, lp.SumFeeInsideLastX128)
	feeIncome, err = fixedpoint.MulDivRoundingDown(lp.Liquidity, feeGrowth, fixedpoint.Q128)
	if err != nil {
		return nil, nil, err
	}
	return fundingPayment, feeIncome, nil
}

// Settle returns the pending funding and fees and moves the snapshot to
// inside.
func (lp *LiquidityPosition) Settle(inside *tick.Inside) (fundingPayment, feeIncome *big.Int, err error) {
	fundingPayment, feeIncome, err = lp.Pending(inside)
	if err != nil {
		return nil, nil, err
	}
	lp.snapshot(inside)
	return fundingPayment, feeIncome, nil
}

func (lp *LiquidityPosition) clone() *LiquidityPosition {
	return &LiquidityPosition{
		TickLower:            lp.TickLower,
		TickUpper:            lp.TickUpper,
		Liquidity:            fixedpoint.Clone(lp.Liquidity),
		LimitOrderType:       lp.LimitOrderType,
		SumALastX128:         fixedpoint.Clone(lp.SumALastX128),
		SumBInsideLastX128:   fixedpoint.Clone(lp.SumBInsideLastX128),
		SumFpInsideLastX128:  fixedpoint.Clone(lp.SumFpInsideLastX128),
		SumFeeInsideLastX128: fixedpoint.Clone(lp.SumFeeInsideLastX128),
	}
}

// TokenPosition is an account's exposure in one market.
type TokenPosition struct {
	// Balance is the signed virtual token balance, including tokens moved
	// into and out of liquidity ranges.
	Balance *big.Int
	// NetQuote is the signed quote balance attributed to the market.
	NetQuote     *big.Int
	SumALastX128 *big.Int
	// Margin is settlement collateral allocated to the market by an isolated
	// account.
	Margin *big.Int
	Ranges map[RangeKey]*LiquidityPosition
}

func newTokenPosition(g *funding.Global) *TokenPosition {
	return &TokenPosition{
		Balance:      new(big.Int),
		NetQuote:     new(big.Int),
		SumALastX128: new(big.Int).Set(g.SumAX128),
		Margin:       new(big.Int),
		Ranges:       make(map[RangeKey]*LiquidityPosition),
	}
}

// PendingFunding returns the funding owed to the position since its last
// settlement. A positive value is received.
func (tp *TokenPosition) PendingFunding(sumAX128 *big.Int) (*big.Int, error) {
	delta := new(big.Int).Sub(sumAX128, tp.SumALastX128)
	return fixedpoint.MulDivRoundingDown(tp.Balance, delta, fixedpoint.Q128)
}

// SettleFunding returns the pending funding and resets the snapshot. The
// caller credits the payment to NetQuote.
func (tp *TokenPosition) SettleFunding(g *funding.Global) (*big.Int, error) {
	payment, err := tp.PendingFunding(g.SumAX128)
	if err != nil {
		return nil, err
	}
	tp.SumALastX128 = new(big.Int).Set(g.SumAX128)
	return payment, nil
}

// IsEmpty reports whether the position carries nothing worth keeping.
func (tp *TokenPosition) IsEmpty() bool {
	return tp.Balance.Sign() == 0 && tp.NetQuote.Sign() == 0 &&
		tp.Margin.Sign() == 0 && len(tp.Ranges) == 0
}

// SortedRanges returns the ranges ordered by (lower, upper).
func (tp *TokenPosition) SortedRanges() []*LiquidityPosition {
	out := make([]*LiquidityPosition, 0, len(tp.Ranges))
	for _, lp := range tp.Ranges {
		out = append(out, lp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

func (tp *TokenPosition) clone() *TokenPosition {
	c := &TokenPosition{
		Balance:      fixedpoint.Clone(tp.Balance),
		NetQuote:     fixedpoint.Clone(tp.NetQuote),
		SumALastX128: fixedpoint.Clone(tp.SumALastX128),
		Margin:       fixedpoint.Clone(tp.Margin),
		Ranges:       make(map[RangeKey]*LiquidityPosition, len(tp.Ranges)),
	}
	for k, lp := range tp.Ranges {
		c.Ranges[k] = lp.clone()
	}
	return c
}
