// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"math/big"
	"testing"

	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/clearinghouse/amm"
	"github.com/luxfi/clearinghouse/clearinghouse"
	"github.com/luxfi/clearinghouse/fixedpoint"
	"github.com/luxfi/clearinghouse/oracle"
)

const now = 1_700_000_000

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	vETH  = common.HexToAddress("0x00000000000000000000000000000000000000e7")
	maker = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	taker = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newClearingHouse(t *testing.T, pool *amm.Pool, st clearinghouse.StateStore) (*clearinghouse.ClearingHouse, clearinghouse.MarketID) {
	t.Helper()
	cfg := clearinghouse.DefaultConfig()
	cfg.Clock = func() uint64 { return now }
	cfg.SettlementToken = usdc
	cfg.Store = st

	ch, err := clearinghouse.New(cfg)
	require.NoError(t, err)
	id, err := ch.AddMarket(clearinghouse.MarketConfig{
		VToken: vETH,
		Params: clearinghouse.DefaultMarketParams(),
		AMM:    pool,
		Oracle: oracle.Static{PriceX128: new(big.Int).Set(fixedpoint.Q128)},
	})
	require.NoError(t, err)
	return ch, id
}

// trade funds a maker range and a short taker position.
func trade(t *testing.T, ch *clearinghouse.ClearingHouse, market clearinghouse.MarketID) (uint64, uint64) {
	t.Helper()
	makerID, err := ch.CreateAccount(maker, clearinghouse.Cross)
	require.NoError(t, err)
	require.NoError(t, ch.Deposit(maker, makerID, usdc, big.NewInt(1_000_000_000_000)))
	_, err = ch.UpdateRangeOrder(maker, makerID, market, clearinghouse.LiquidityChangeParams{
		TickLower:      -6000,
		TickUpper:      6000,
		LiquidityDelta: big.NewInt(10_000_000_000_000),
	})
	require.NoError(t, err)

	takerID, err := ch.CreateAccount(taker, clearinghouse.Cross)
	require.NoError(t, err)
	require.NoError(t, ch.Deposit(taker, takerID, usdc, big.NewInt(500_000_000)))
	_, err = ch.Swap(taker, takerID, market, clearinghouse.SwapParams{
		Amount:     big.NewInt(-1_000_000_000),
		IsNotional: true,
	})
	require.NoError(t, err)
	return makerID, takerID
}

func requireSameAccount(t *testing.T, want, got *clearinghouse.Account) {
	t.Helper()
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Owner, got.Owner)
	require.Equal(t, want.Mode, got.Mode)
	require.Len(t, got.Collateral, len(want.Collateral))
	for token, amount := range want.Collateral {
		require.Zero(t, amount.Cmp(got.Collateral[token]), "collateral %s", token)
	}
	require.Len(t, got.Positions, len(want.Positions))
	for id, wp := range want.Positions {
		gp, ok := got.Positions[id]
		require.True(t, ok)
		require.Zero(t, wp.Balance.Cmp(gp.Balance))
		require.Zero(t, wp.NetQuote.Cmp(gp.NetQuote))
		require.Zero(t, wp.SumALastX128.Cmp(gp.SumALastX128))
		require.Len(t, gp.Ranges, len(wp.Ranges))
		for k, wr := range wp.Ranges {
			gr, ok := gp.Ranges[k]
			require.True(t, ok)
			require.Zero(t, wr.Liquidity.Cmp(gr.Liquidity))
			require.Zero(t, wr.SumFeeInsideLastX128.Cmp(gr.SumFeeInsideLastX128))
			require.Equal(t, wr.LimitOrderType, gr.LimitOrderType)
		}
	}
}

func TestPersistAndRestore(t *testing.T) {
	base := memdb.New()
	defer base.Close()

	pool, err := amm.NewPool(new(big.Int).Set(fixedpoint.Q96), 500, 60)
	require.NoError(t, err)
	ch, market := newClearingHouse(t, pool, New(base))
	makerID, takerID := trade(t, ch, market)

	// a fresh store over the same database sees only committed data
	snap, err := New(base).Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 2)
	require.Len(t, snap.Markets, 1)
	require.Zero(t, snap.InsuranceFund.Balance.Sign())

	restored, _ := newClearingHouse(t, pool, nil)
	require.NoError(t, restored.Restore(snap))
	require.Equal(t, 2, restored.NumAccounts())

	for _, id := range []uint64{makerID, takerID} {
		want, err := ch.Account(id)
		require.NoError(t, err)
		got, err := restored.Account(id)
		require.NoError(t, err)
		requireSameAccount(t, want, got)

		wantV, err := ch.Valuation(id)
		require.NoError(t, err)
		gotV, err := restored.Valuation(id)
		require.NoError(t, err)
		require.Zero(t, wantV.Value.Cmp(gotV.Value))
		require.Zero(t, wantV.RequiredMaintenance.Cmp(gotV.RequiredMaintenance))
	}

	want, err := ch.MarketState(market)
	require.NoError(t, err)
	got, err := restored.MarketState(market)
	require.NoError(t, err)
	require.Zero(t, want.Global.SumBX128.Cmp(got.Global.SumBX128))
	require.Zero(t, want.Fees.SumFeeGlobalX128.Cmp(got.Fees.SumFeeGlobalX128))
	require.Zero(t, want.Fees.ProtocolFees.Cmp(got.Fees.ProtocolFees))
	require.Len(t, got.Ticks, len(want.Ticks))
	require.Zero(t, ch.ProtocolTreasury().Cmp(restored.ProtocolTreasury()))
}

func TestFailedOperationNotPersisted(t *testing.T) {
	base := memdb.New()
	defer base.Close()

	pool, err := amm.NewPool(new(big.Int).Set(fixedpoint.Q96), 500, 60)
	require.NoError(t, err)
	st := New(base)
	ch, market := newClearingHouse(t, pool, st)
	_, takerID := trade(t, ch, market)

	before, err := New(base).GetAccount(takerID)
	require.NoError(t, err)
	commits := st.Commits()

	_, err = ch.Swap(taker, takerID, market, clearinghouse.SwapParams{
		Amount:     big.NewInt(-100_000_000_000),
		IsNotional: true,
	})
	require.ErrorIs(t, err, clearinghouse.ErrInsufficientMargin)
	require.Equal(t, commits, st.Commits())

	after, err := New(base).GetAccount(takerID)
	require.NoError(t, err)
	requireSameAccount(t, before, after)
	require.Negative(t, after.Positions[market].Balance.Sign())
}

func TestStoreEmpty(t *testing.T) {
	st := New(memdb.New())

	_, err := st.GetAccount(0)
	require.ErrorIs(t, err, database.ErrNotFound)
	_, err = st.GetMarket(clearinghouse.NewMarketID(vETH))
	require.ErrorIs(t, err, database.ErrNotFound)

	f, err := st.InsuranceFund()
	require.NoError(t, err)
	require.Zero(t, f.Balance.Sign())

	snap, err := st.Snapshot()
	require.NoError(t, err)
	require.Empty(t, snap.Accounts)
	require.Empty(t, snap.Payouts)
}

func TestAbortDropsStagedWrites(t *testing.T) {
	base := memdb.New()
	st := New(base)

	fund := clearinghouse.NewInsuranceFund()
	fund.Balance = big.NewInt(-7)
	require.NoError(t, st.PutInsuranceFund(fund))
	require.NoError(t, st.PutPayout(taker, big.NewInt(42)))
	st.Abort()

	snap, err := st.Snapshot()
	require.NoError(t, err)
	require.Empty(t, snap.Payouts)
	require.Zero(t, snap.InsuranceFund.Balance.Sign())

	require.NoError(t, st.PutInsuranceFund(fund))
	require.NoError(t, st.PutPayout(taker, big.NewInt(42)))
	require.NoError(t, st.Commit())

	snap, err = New(base).Snapshot()
	require.NoError(t, err)
	require.Equal(t, int64(-7), snap.InsuranceFund.Balance.Int64())
	require.Equal(t, int64(42), snap.Payouts[taker].Int64())
}
