// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clearinghouse

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/clearinghouse/fixedpoint"
	"github.com/luxfi/clearinghouse/oracle"
)

// leveragedLong opens a 1e9 notional long for bob on 3e8 of collateral.
func leveragedLong(t *testing.T, opts ...envOption) (*testEnv, uint64) {
	e := newTestEnv(t, opts...)
	e.deepLiquidity()
	id := e.account(bob, Cross, 300_000_000)
	e.swap(bob, id, 1_000_000_000, true)

	state, err := e.ch.LiquidationState(id)
	require.NoError(t, err)
	require.Equal(t, Healthy, state)
	return e, id
}

// crash has carol sell tokens into the curve.
func (e *testEnv) crash(tokens int64) {
	e.t.Helper()
	id := e.account(carol, Cross, 1_000_000_000_000)
	e.swap(carol, id, -tokens, false)
}

func TestInsuranceFundCover(t *testing.T) {
	tests := []struct {
		name          string
		balance       int64
		shortfall     int64
		wantPaid      int64
		wantUncovered int64
	}{
		{"fully covered", 100, 40, 40, 0},
		{"exhausted", 100, 150, 100, 50},
		{"empty fund", 0, 10, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewInsuranceFund()
			f.Balance = big.NewInt(tt.balance)
			paid := f.cover(big.NewInt(tt.shortfall))
			if paid.Int64() != tt.wantPaid {
				t.Errorf("paid = %s, want %d", paid, tt.wantPaid)
			}
			if f.Uncovered.Int64() != tt.wantUncovered {
				t.Errorf("uncovered = %s, want %d", f.Uncovered, tt.wantUncovered)
			}
			if got := f.Balance.Int64(); got != tt.balance-tt.wantPaid {
				t.Errorf("balance = %d, want %d", got, tt.balance-tt.wantPaid)
			}
		})
	}
}

func TestLiquidateHealthyAccount(t *testing.T) {
	e, id := leveragedLong(t)
	_, err := e.ch.LiquidateTokenPosition(keeper, id, e.market)
	require.ErrorIs(t, err, ErrNotLiquidatable)
	_, err = e.ch.LiquidateLiquidityPositions(keeper, id)
	require.ErrorIs(t, err, ErrNotLiquidatable)
	require.Empty(t, e.ch.LiquidationHistory(0))
}

func TestPartialTokenLiquidation(t *testing.T) {
	e, id := leveragedLong(t)
	e.crash(1_410_000_000_000)

	state, err := e.ch.LiquidationState(id)
	require.NoError(t, err)
	require.Equal(t, LiquidatableToken, state)

	_, err = e.ch.LiquidateLiquidityPositions(keeper, id)
	require.ErrorIs(t, err, ErrNotLiquidatable)

	before := e.position(id).Balance
	ev, err := e.ch.LiquidateTokenPosition(keeper, id, e.market)
	require.NoError(t, err)

	require.True(t, ev.Partial)
	require.Equal(t, TokenLiquidation, ev.Kind)
	require.Equal(t, e.market, ev.Market)
	require.Zero(t, ev.TokensClosed.Cmp(new(big.Int).Quo(before, big.NewInt(2))))
	require.Zero(t, e.position(id).Balance.Cmp(new(big.Int).Sub(before, ev.TokensClosed)))

	wantFee := new(big.Int).Mul(ev.Notional, big.NewInt(3_000))
	wantFee.Quo(wantFee, big.NewInt(FractionDenominator))
	require.Zero(t, ev.Fee.Cmp(wantFee))
	require.Zero(t, new(big.Int).Add(ev.KeeperFee, ev.InsuranceFundFee).Cmp(ev.Fee))
	require.Zero(t, e.ch.Payout(keeper).Cmp(ev.KeeperFee))
	require.Zero(t, e.ch.InsuranceFund().Balance.Cmp(ev.InsuranceFundFee))
	require.Zero(t, ev.BadDebtCovered.Sign())
	require.Len(t, e.ch.LiquidationHistory(10), 1)
}

func TestFundingAccruesWithoutInteraction(t *testing.T) {
	e, id := leveragedLong(t, func(_ *Config, m *MarketConfig) {
		// real price at half the curve's: longs pay
		m.Oracle = oracle.Static{PriceX128: new(big.Int).Rsh(fixedpoint.Q128, 1)}
	})
	const lp = 0 // deepLiquidity's account

	e.now += 86_400
	state, err := e.ch.LiquidationState(id)
	require.NoError(t, err)
	require.Equal(t, LiquidatableToken, state)
	h, err := e.ch.Health(id, false)
	require.NoError(t, err)
	require.Negative(t, h.Sign())

	// settling another account moves the market forward without changing
	// what this one is worth
	v, err := e.ch.Valuation(id)
	require.NoError(t, err)
	require.NoError(t, e.ch.SettleFunding(alice, lp))
	after, err := e.ch.Valuation(id)
	require.NoError(t, err)
	require.Zero(t, v.Value.Cmp(after.Value), "before %s after %s", v.Value, after.Value)

	ev, err := e.ch.LiquidateTokenPosition(keeper, id, e.market)
	require.NoError(t, err)
	require.False(t, ev.Partial)
	require.Zero(t, e.position(id).Balance.Sign())
}

func TestFullTokenLiquidation(t *testing.T) {
	e, id := leveragedLong(t)
	e.crash(1_630_000_000_000)

	ev, err := e.ch.LiquidateTokenPosition(keeper, id, e.market)
	require.NoError(t, err)
	require.False(t, ev.Partial)
	require.Zero(t, e.position(id).Balance.Sign())
	require.Zero(t, ev.BadDebtCovered.Sign())

	state, err := e.ch.LiquidationState(id)
	require.NoError(t, err)
	require.Equal(t, Healthy, state)

	_, err = e.ch.LiquidateTokenPosition(keeper, id, e.market)
	require.ErrorIs(t, err, ErrNotLiquidatable)
}

func TestLiquidationBelowMinimumNotional(t *testing.T) {
	e, id := leveragedLong(t, func(c *Config, _ *MarketConfig) {
		c.Params.Liquidation.MinNotionalLiquidatable = NewAmount(1_000_000_000)
	})
	e.crash(1_410_000_000_000)

	before := e.position(id)
	ms, err := e.ch.MarketState(e.market)
	require.NoError(t, err)

	_, err = e.ch.LiquidateTokenPosition(keeper, id, e.market)
	require.ErrorIs(t, err, ErrInsufficientNotional)

	after := e.position(id)
	require.Zero(t, before.Balance.Cmp(after.Balance))
	require.Zero(t, before.NetQuote.Cmp(after.NetQuote))
	msAfter, err := e.ch.MarketState(e.market)
	require.NoError(t, err)
	require.Zero(t, ms.SqrtPriceX96.Cmp(msAfter.SqrtPriceX96))
	require.Zero(t, e.ch.InsuranceFund().Balance.Sign())
	require.Zero(t, e.ch.Payout(keeper).Sign())
}

func TestRangeThenTokenLiquidation(t *testing.T) {
	e := newTestEnv(t)
	e.deepLiquidity()
	id := e.account(dave, Cross, 700_000_000)
	e.addLiquidity(dave, id, -600, 600, 100_000_000_000)
	e.crash(1_410_000_000_000)

	state, err := e.ch.LiquidationState(id)
	require.NoError(t, err)
	require.Equal(t, LiquidatableRange, state)

	_, err = e.ch.LiquidateTokenPosition(keeper, id, e.market)
	require.ErrorIs(t, err, ErrActiveRangePositions)

	ev, err := e.ch.LiquidateLiquidityPositions(keeper, id)
	require.NoError(t, err)
	require.Equal(t, RangeLiquidation, ev.Kind)
	require.Equal(t, 1, ev.RangesRemoved)
	wantFee := new(big.Int).Mul(ev.Notional, big.NewInt(1_500))
	wantFee.Quo(wantFee, big.NewInt(FractionDenominator))
	require.Zero(t, ev.Fee.Cmp(wantFee))
	require.Empty(t, e.position(id).Ranges)
	require.Zero(t, e.ch.Payout(keeper).Cmp(ev.KeeperFee))

	state, err = e.ch.LiquidationState(id)
	require.NoError(t, err)
	require.Equal(t, LiquidatableToken, state)
	_, err = e.ch.LiquidateLiquidityPositions(keeper, id)
	require.ErrorIs(t, err, ErrNotLiquidatable)

	fundBefore := e.ch.InsuranceFund().Balance
	tokenEv, err := e.ch.LiquidateTokenPosition(keeper, id, e.market)
	require.NoError(t, err)
	require.False(t, tokenEv.Partial)
	require.Positive(t, tokenEv.BadDebtCovered.Sign())

	fund := e.ch.InsuranceFund()
	covered := new(big.Int).Add(ev.BadDebtCovered, tokenEv.BadDebtCovered)
	require.Zero(t, fund.Covered.Cmp(covered))
	wantBalance := new(big.Int).Add(fundBefore, tokenEv.InsuranceFundFee)
	wantBalance.Sub(wantBalance, tokenEv.BadDebtCovered)
	require.Zero(t, fund.Balance.Cmp(wantBalance))

	keeperTotal := new(big.Int).Add(ev.KeeperFee, tokenEv.KeeperFee)
	require.Zero(t, e.ch.Payout(keeper).Cmp(keeperTotal))
	require.Len(t, e.ch.LiquidationHistory(0), 2)
	require.Len(t, e.ch.LiquidationHistory(1), 1)
}

func TestLiquidationFeeCapAndFixFee(t *testing.T) {
	e := newTestEnv(t, func(c *Config, _ *MarketConfig) {
		c.Params.Liquidation.MaxRangeLiquidationFees = NewAmount(1_000_000)
		c.Params.FixFee = NewAmount(5_000)
	})
	e.deepLiquidity()
	id := e.account(dave, Cross, 700_000_000)
	e.addLiquidity(dave, id, -600, 600, 100_000_000_000)
	e.crash(1_410_000_000_000)

	ev, err := e.ch.LiquidateLiquidityPositions(keeper, id)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), ev.Fee.Int64())
	require.Equal(t, int64(500_000), ev.InsuranceFundFee.Int64())
	require.Equal(t, int64(505_000), ev.KeeperFee.Int64())
}
