// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clearinghouse

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/clearinghouse/amm"
	"github.com/luxfi/clearinghouse/fee"
	"github.com/luxfi/clearinghouse/fixedpoint"
	"github.com/luxfi/clearinghouse/funding"
	"github.com/luxfi/clearinghouse/oracle"
	"github.com/luxfi/clearinghouse/tick"
)

// MarketConfig describes a market to add.
type MarketConfig struct {
	VToken common.Address
	Params MarketParams
	AMM    AMM
	// Oracle reports the real price of one virtual token in quote, X128.
	Oracle oracle.Oracle
}

// Market is a virtual perpetual and the accumulators layered on its curve.
type Market struct {
	ID     MarketID
	VToken common.Address
	Params MarketParams

	amm     AMM
	oracle  oracle.Oracle
	global  *funding.Global
	ticks   *tick.Ledger
	fees    *fee.Ledger
	virtual *oracle.Feed
}

func newMarket(cfg MarketConfig, now uint64, capacity int) (*Market, error) {
	m := &Market{
		ID:      NewMarketID(cfg.VToken),
		VToken:  cfg.VToken,
		Params:  cfg.Params,
		amm:     cfg.AMM,
		oracle:  cfg.Oracle,
		global:  funding.NewGlobal(now),
		ticks:   tick.NewLedger(),
		fees:    fee.NewLedger(),
		virtual: oracle.NewFeed(capacity),
	}
	if err := m.recordPrice(now); err != nil {
		return nil, err
	}
	return m, nil
}

// clone copies the accumulators. The curve is shared and restored through
// its checkpoint.
func (m *Market) clone() *Market {
	return &Market{
		ID:      m.ID,
		VToken:  m.VToken,
		Params:  m.Params,
		amm:     m.amm,
		oracle:  m.oracle,
		global:  m.global.Clone(),
		ticks:   m.ticks.Clone(),
		fees:    m.fees.Clone(),
		virtual: m.virtual.Clone(),
	}
}

func (m *Market) currentTick() int32 {
	_, t := m.amm.Slot0()
	return t
}

func (m *Market) spotPriceX128() (*big.Int, error) {
	sqrtPriceX96, _ := m.amm.Slot0()
	return fixedpoint.SqrtPriceX96ToPriceX128(sqrtPriceX96)
}

func (m *Market) recordPrice(now uint64) error {
	p, err := m.spotPriceX128()
	if err != nil {
		return err
	}
	return m.virtual.Record(now, p)
}

// realPriceX128 returns the oracle TWAP, failing when the oracle has not
// reported within the market's window.
func (m *Market) realPriceX128(now uint64) (*big.Int, error) {
	p, updatedAt, err := m.oracle.TwapPriceX128(now, m.Params.TwapDuration)
	if err != nil {
		return nil, fmt.Errorf("market %s oracle: %w", m.ID, err)
	}
	if now > updatedAt && now-updatedAt > uint64(m.Params.TwapDuration) {
		return nil, fmt.Errorf("%w: market %s last update %d", ErrStalePrice, m.ID, updatedAt)
	}
	return p, nil
}

func (m *Market) virtualTwapPriceX128(now uint64) (*big.Int, error) {
	p, _, err := m.virtual.TwapPriceX128(now, m.Params.TwapDuration)
	if errors.Is(err, oracle.ErrNoObservations) {
		return m.spotPriceX128()
	}
	return p, err
}

// globalAt returns a copy of the funding accumulators accrued up to now. The
// market itself is left untouched.
func (m *Market) globalAt(now uint64) (*funding.Global, error) {
	realPrice, err := m.realPriceX128(now)
	if err != nil {
		return nil, err
	}
	virtualPrice, err := m.virtualTwapPriceX128(now)
	if err != nil {
		return nil, err
	}
	g := m.global.Clone()
	if err := g.Advance(now, realPrice, virtualPrice, m.amm.Liquidity()); err != nil {
		return nil, fmt.Errorf("market %s funding: %w", m.ID, err)
	}
	return g, nil
}

// advance accrues funding up to now.
func (m *Market) advance(now uint64) error {
	g, err := m.globalAt(now)
	if err != nil {
		return err
	}
	m.global = g
	return nil
}

// swapOutcome is a trade from the taker's side. Deltas are signed: positive
// is received.
type swapOutcome struct {
	TokenDelta *big.Int
	QuoteDelta *big.Int
	// Notional is the quote exchanged with the curve.
	Notional    *big.Int
	LPFee       *big.Int
	ProtocolFee *big.Int
	ExtendedFee *big.Int
	Filled      bool
}

// swap trades amount against the curve: positive buys, negative sells, in
// token units or quote notional. Funding must already be advanced to now.
//
// The curve takes its fee out of the input. A buyer's input is quote, so the
// fee is quote already. A seller's fee would be token, which would leave the
// token legs unbalanced; instead only the token reaching the curve moves the
// seller's balance and the fee is charged to the seller in quote at each
// step's price.
func (m *Market) swap(amount *big.Int, isNotional bool, sqrtPriceLimitX96 *big.Int) (*swapOutcome, error) {
	pf, ef := m.Params.ProtocolFeePips, m.Params.ExtendedFeePips
	zeroForOne := amount.Sign() < 0
	size := new(big.Int).Abs(amount)

	var (
		specified *big.Int
		err       error
	)
	switch {
	case !zeroForOne && isNotional:
		specified, err = fee.BuyInput(size, pf, ef)
	case !zeroForOne:
		specified = new(big.Int).Neg(size)
	case isNotional:
		specified, err = fee.SellOutputAfterLPFee(size, m.amm.FeePips(), pf, ef)
		if specified != nil {
			specified.Neg(specified)
		}
	default:
		specified, err = fee.SellInput(size, m.amm.FeePips())
	}
	if err != nil {
		return nil, err
	}
	if specified.Sign() == 0 {
		return nil, ErrOrderTooSmall
	}

	res, err := m.amm.Swap(zeroForOne, specified, sqrtPriceLimitX96)
	if err != nil {
		return nil, fmt.Errorf("market %s swap: %w", m.ID, err)
	}

	lpFee := new(big.Int)
	// token the curve received net of its fee, or handed out on a buy
	curveToken := new(big.Int)
	for _, st := range res.Steps {
		stepToken := new(big.Int).Set(st.Amount0)
		feeQuote := st.FeeAmount
		if zeroForOne {
			stepToken.Sub(stepToken, st.FeeAmount)
			feeQuote, err = fee.ToQuote(st.FeeAmount, st.Amount1, stepToken)
			if err != nil {
				return nil, err
			}
		}
		curveToken.Add(curveToken, stepToken)
		if err := m.global.Trade(new(big.Int).Neg(stepToken), st.Liquidity); err != nil {
			return nil, err
		}
		if err := m.fees.RecordLPFee(feeQuote, st.Liquidity); err != nil {
			return nil, err
		}
		lpFee.Add(lpFee, feeQuote)
		if st.Crossed {
			if err := m.ticks.Cross(st.CrossedTick, m.global, m.fees.Total()); err != nil {
				return nil, err
			}
		}
	}

	out := &swapOutcome{
		TokenDelta: new(big.Int).Neg(curveToken),
		LPFee:      lpFee,
		Filled:     res.Filled(zeroForOne, specified),
	}
	var charge *fee.Charge
	if zeroForOne {
		if !isNotional && out.Filled {
			// the grossed up input leaves at most rounding dust short of size
			out.TokenDelta = new(big.Int).Neg(size)
		}
		out.Notional = new(big.Int).Neg(res.Amount1)
		if charge, err = fee.ChargeSell(out.Notional, pf, ef); err != nil {
			return nil, err
		}
		out.QuoteDelta = new(big.Int).Sub(charge.Trader, lpFee)
	} else {
		out.Notional = new(big.Int).Set(res.Amount1)
		if charge, err = fee.ChargeBuy(out.Notional, pf, ef); err != nil {
			return nil, err
		}
		out.QuoteDelta = new(big.Int).Neg(charge.Trader)
	}
	out.ProtocolFee, out.ExtendedFee = charge.ProtocolFee, charge.ExtendedFee
	if err := m.fees.RecordProtocolFee(charge.ProtocolFee); err != nil {
		return nil, err
	}
	if err := m.fees.RecordExtendedFee(charge.ExtendedFee, res.Liquidity); err != nil {
		return nil, err
	}
	return out, nil
}

// initializeRange seeds the tick snapshots of a range about to receive
// liquidity.
func (m *Market) initializeRange(key RangeKey) {
	cur := m.currentTick()
	total := m.fees.Total()
	m.ticks.Initialize(key.TickLower, m.global, total, cur)
	m.ticks.Initialize(key.TickUpper, m.global, total, cur)
}

func (m *Market) valuesInside(key RangeKey) (*tick.Inside, error) {
	return m.valuesInsideAt(key, m.global)
}

// valuesInsideAt reads a range's accumulators against g, which may run ahead
// of the market's own.
func (m *Market) valuesInsideAt(key RangeKey, g *funding.Global) (*tick.Inside, error) {
	return m.ticks.ValuesInside(key.TickLower, key.TickUpper, g, m.fees.Total(), m.currentTick())
}

// modifyLiquidity changes the curve and clears snapshots of ticks no
// liquidity references anymore.
func (m *Market) modifyLiquidity(key RangeKey, delta *big.Int) (*amm.LiquidityResult, error) {
	res, err := m.amm.ModifyLiquidity(key.TickLower, key.TickUpper, delta)
	if err != nil {
		return nil, fmt.Errorf("market %s liquidity: %w", m.ID, err)
	}
	if delta.Sign() < 0 {
		if res.FlippedLower {
			m.ticks.Clear(key.TickLower)
		}
		if res.FlippedUpper {
			m.ticks.Clear(key.TickUpper)
		}
	}
	return res, nil
}

// MarketState is a snapshot of a market's accumulators and curve position.
type MarketState struct {
	ID           MarketID
	VToken       common.Address
	Params       MarketParams
	Global       *funding.Global
	Fees         *fee.Ledger
	Ticks        map[int32]*tick.Snapshot
	SqrtPriceX96 *big.Int
	Tick         int32
	Liquidity    *big.Int
}

func (m *Market) state() *MarketState {
	sqrtPriceX96, t := m.amm.Slot0()
	s := &MarketState{
		ID:           m.ID,
		VToken:       m.VToken,
		Params:       m.Params,
		Global:       m.global.Clone(),
		Fees:         m.fees.Clone(),
		Ticks:        make(map[int32]*tick.Snapshot, m.ticks.Len()),
		SqrtPriceX96: new(big.Int).Set(sqrtPriceX96),
		Tick:         t,
		Liquidity:    new(big.Int).Set(m.amm.Liquidity()),
	}
	m.ticks.Ticks(func(t int32, snap *tick.Snapshot) {
		s.Ticks[t] = snap.Clone()
	})
	return s
}

// restore loads persisted accumulators. The curve is restored by its owner.
func (m *Market) restore(s *MarketState) {
	m.Params = s.Params
	m.global = s.Global.Clone()
	m.fees = s.Fees.Clone()
	m.ticks = tick.NewLedger()
	for t, snap := range s.Ticks {
		m.ticks.Set(t, snap.Clone())
	}
}
