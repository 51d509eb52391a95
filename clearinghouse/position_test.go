// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clearinghouse

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/clearinghouse/fixedpoint"
	"github.com/luxfi/clearinghouse/funding"
	"github.com/luxfi/clearinghouse/tick"
)

func q128(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fixedpoint.Q128)
}

func TestTokenPositionFunding(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		sumA    *big.Int
		want    int64
	}{
		{"long receives", 10, q128(2), 20},
		{"short rounds down", -3, new(big.Int).Rsh(fixedpoint.Q128, 1), -2},
		{"no change", 7, new(big.Int), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := funding.NewGlobal(startTime)
			tp := newTokenPosition(g)
			tp.Balance = big.NewInt(tt.balance)
			g.SumAX128 = tt.sumA

			pending, err := tp.PendingFunding(g.SumAX128)
			require.NoError(t, err)
			require.Equal(t, tt.want, pending.Int64())

			paid, err := tp.SettleFunding(g)
			require.NoError(t, err)
			require.Equal(t, tt.want, paid.Int64())

			again, err := tp.SettleFunding(g)
			require.NoError(t, err)
			require.Zero(t, again.Sign())
		})
	}
}

func TestLiquidityPositionSettle(t *testing.T) {
	zero := &tick.Inside{
		SumAX128:         new(big.Int),
		SumBInsideX128:   new(big.Int),
		SumFpInsideX128:  new(big.Int),
		SumFeeInsideX128: new(big.Int),
	}
	lp := newLiquidityPosition(RangeKey{TickLower: -60, TickUpper: 60}, zero)
	lp.Liquidity = big.NewInt(4)

	inside := &tick.Inside{
		SumAX128:         new(big.Int),
		SumBInsideX128:   new(big.Int),
		SumFpInsideX128:  q128(5),
		SumFeeInsideX128: q128(3),
	}
	fundingPayment, feeIncome, err := lp.Pending(inside)
	require.NoError(t, err)
	require.Equal(t, int64(-20), fundingPayment.Int64())
	require.Equal(t, int64(12), feeIncome.Int64())

	fundingPayment, feeIncome, err = lp.Settle(inside)
	require.NoError(t, err)
	require.Equal(t, int64(-20), fundingPayment.Int64())
	require.Equal(t, int64(12), feeIncome.Int64())

	fundingPayment, feeIncome, err = lp.Settle(inside)
	require.NoError(t, err)
	require.Zero(t, fundingPayment.Sign())
	require.Zero(t, feeIncome.Sign())
}

func TestTokenPositionIsEmpty(t *testing.T) {
	tp := newTokenPosition(funding.NewGlobal(startTime))
	require.True(t, tp.IsEmpty())

	tp.NetQuote = big.NewInt(-1)
	require.False(t, tp.IsEmpty())

	tp.NetQuote = new(big.Int)
	key := RangeKey{TickLower: 0, TickUpper: 60}
	tp.Ranges[key] = &LiquidityPosition{TickLower: 0, TickUpper: 60, Liquidity: big.NewInt(1)}
	require.False(t, tp.IsEmpty())

	c := tp.clone()
	c.Ranges[key].Liquidity.SetInt64(5)
	require.Equal(t, int64(1), tp.Ranges[key].Liquidity.Int64())
}

func TestSortedRanges(t *testing.T) {
	tp := newTokenPosition(funding.NewGlobal(startTime))
	for _, k := range []RangeKey{{60, 120}, {-60, 60}, {-60, 0}} {
		tp.Ranges[k] = &LiquidityPosition{TickLower: k.TickLower, TickUpper: k.TickUpper, Liquidity: big.NewInt(1)}
	}
	got := tp.SortedRanges()
	require.Len(t, got, 3)
	require.Equal(t, RangeKey{-60, 0}, got[0].Key())
	require.Equal(t, RangeKey{-60, 60}, got[1].Key())
	require.Equal(t, RangeKey{60, 120}, got[2].Key())
}
