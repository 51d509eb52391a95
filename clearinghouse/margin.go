// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clearinghouse

import (
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/clearinghouse/amm"
	"github.com/luxfi/clearinghouse/fixedpoint"
	"github.com/luxfi/clearinghouse/oracle"
)

// Collateral is a token accepted as margin.
type Collateral struct {
	Token common.Address
	// Oracle reports the value of one unit in settlement units, X128.
	Oracle       oracle.Oracle
	TwapDuration uint32
}

func (c *Collateral) priceX128(now uint64) (*big.Int, error) {
	p, updatedAt, err := c.Oracle.TwapPriceX128(now, c.TwapDuration)
	if err != nil {
		return nil, fmt.Errorf("collateral %s oracle: %w", c.Token, err)
	}
	if now > updatedAt && now-updatedAt > uint64(c.TwapDuration) {
		return nil, fmt.Errorf("%w: collateral %s last update %d", ErrStalePrice, c.Token, updatedAt)
	}
	return p, nil
}

// MarketValuation is the margin view of one market of an account.
type MarketValuation struct {
	Market MarketID
	// Value is the mark-to-market value of the position, plus the allocated
	// margin for isolated accounts.
	Value *big.Int
	// Notional is the worst-case exposure valued at the virtual TWAP.
	Notional            *big.Int
	RequiredInitial     *big.Int
	RequiredMaintenance *big.Int
	// Open is set when the market carries token or range exposure.
	Open bool
}

// Health returns value minus the initial or maintenance requirement.
func (mv *MarketValuation) Health(initial bool) *big.Int {
	if initial {
		return new(big.Int).Sub(mv.Value, mv.RequiredInitial)
	}
	return new(big.Int).Sub(mv.Value, mv.RequiredMaintenance)
}

// Valuation is the margin view of an account.
type Valuation struct {
	Account uint64
	Mode    MarginMode
	// Collateral is the value of deposits not allocated to any market.
	Collateral          *big.Int
	Value               *big.Int
	RequiredInitial     *big.Int
	RequiredMaintenance *big.Int
	Markets             []*MarketValuation
}

// Market returns the valuation of id, or nil.
func (v *Valuation) Market(id MarketID) *MarketValuation {
	for _, mv := range v.Markets {
		if mv.Market == id {
			return mv
		}
	}
	return nil
}

// Health returns value minus requirement. For isolated accounts it is the
// lowest market health, or the free collateral when no market is open.
func (v *Valuation) Health(initial bool) *big.Int {
	if v.Mode == Cross {
		if initial {
			return new(big.Int).Sub(v.Value, v.RequiredInitial)
		}
		return new(big.Int).Sub(v.Value, v.RequiredMaintenance)
	}
	var lowest *big.Int
	for _, mv := range v.Markets {
		if h := mv.Health(initial); lowest == nil || h.Cmp(lowest) < 0 {
			lowest = h
		}
	}
	if lowest == nil {
		return new(big.Int).Set(v.Collateral)
	}
	return lowest
}

// marginEngine values accounts.
type marginEngine struct {
	settlement        common.Address
	minRequiredMargin *big.Int
}

func newMarginEngine(settlement common.Address, p Params) *marginEngine {
	return &marginEngine{
		settlement:        settlement,
		minRequiredMargin: p.MinRequiredMargin.value(),
	}
}

func (e *marginEngine) evaluate(s *state, a *Account, now uint64) (*Valuation, error) {
	v := &Valuation{
		Account:             a.ID,
		Mode:                a.Mode,
		Collateral:          new(big.Int),
		RequiredInitial:     new(big.Int),
		RequiredMaintenance: new(big.Int),
	}
	for _, token := range a.CollateralTokens() {
		c, ok := s.collaterals[token]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCollateralNotFound, token)
		}
		p, err := c.priceX128(now)
		if err != nil {
			return nil, err
		}
		worth, err := fixedpoint.MulDiv(a.Collateral[token], p, fixedpoint.Q128)
		if err != nil {
			return nil, err
		}
		v.Collateral.Add(v.Collateral, worth)
	}

	settlementPrice := fixedpoint.Q128
	if a.Mode == Isolated && len(a.Positions) > 0 {
		c, ok := s.collaterals[e.settlement]
		if !ok {
			return nil, fmt.Errorf("%w: settlement %s", ErrCollateralNotFound, e.settlement)
		}
		p, err := c.priceX128(now)
		if err != nil {
			return nil, err
		}
		settlementPrice = p
	}

	v.Value = new(big.Int).Set(v.Collateral)
	for _, id := range a.MarketIDs() {
		m, ok := s.markets[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
		}
		mv, err := e.valueMarket(m, a.Positions[id], now)
		if err != nil {
			return nil, err
		}
		if a.Mode == Isolated {
			margin, err := fixedpoint.MulDiv(a.Positions[id].Margin, settlementPrice, fixedpoint.Q128)
			if err != nil {
				return nil, err
			}
			mv.Value.Add(mv.Value, margin)
			if mv.Open {
				e.floor(mv.RequiredInitial)
				e.floor(mv.RequiredMaintenance)
			}
		}
		v.Value.Add(v.Value, mv.Value)
		v.RequiredInitial.Add(v.RequiredInitial, mv.RequiredInitial)
		v.RequiredMaintenance.Add(v.RequiredMaintenance, mv.RequiredMaintenance)
		v.Markets = append(v.Markets, mv)
	}
	if a.Mode == Cross && a.HasOpenPositions() {
		e.floor(v.RequiredInitial)
		e.floor(v.RequiredMaintenance)
	}
	return v, nil
}

func (e *marginEngine) floor(required *big.Int) {
	if required.Cmp(e.minRequiredMargin) < 0 {
		required.Set(e.minRequiredMargin)
	}
}

// valueMarket marks a position to the virtual TWAP, with funding accrued up
// to now. A stale oracle fails the valuation. Exposure is the larger of the
// token balance and the balance the account would hold if the price traded
// below every range.
func (e *marginEngine) valueMarket(m *Market, tp *TokenPosition, now uint64) (*MarketValuation, error) {
	g, err := m.globalAt(now)
	if err != nil {
		return nil, err
	}
	priceX128, err := m.virtualTwapPriceX128(now)
	if err != nil {
		return nil, err
	}
	sqrtTwapX96, err := fixedpoint.PriceX128ToSqrtPriceX96(priceX128)
	if err != nil {
		return nil, err
	}

	value, err := fixedpoint.MulDivRoundingDown(tp.Balance, priceX128, fixedpoint.Q128)
	if err != nil {
		return nil, err
	}
	value.Add(value, tp.NetQuote)
	pending, err := tp.PendingFunding(g.SumAX128)
	if err != nil {
		return nil, err
	}
	value.Add(value, pending)

	exposureBelow := new(big.Int).Set(tp.Balance)
	for _, lp := range tp.SortedRanges() {
		sqrtLower, err := amm.GetSqrtRatioAtTick(lp.TickLower)
		if err != nil {
			return nil, err
		}
		sqrtUpper, err := amm.GetSqrtRatioAtTick(lp.TickUpper)
		if err != nil {
			return nil, err
		}
		amount0, amount1, err := amm.GetAmountsForLiquidity(sqrtTwapX96, sqrtLower, sqrtUpper, lp.Liquidity)
		if err != nil {
			return nil, err
		}
		worth0, err := fixedpoint.MulDiv(amount0, priceX128, fixedpoint.Q128)
		if err != nil {
			return nil, err
		}
		value.Add(value, worth0)
		value.Add(value, amount1)

		inside, err := m.valuesInsideAt(lp.Key(), g)
		if err != nil {
			return nil, err
		}
		fundingPayment, feeIncome, err := lp.Pending(inside)
		if err != nil {
			return nil, err
		}
		value.Add(value, fundingPayment)
		value.Add(value, feeIncome)

		full0, _, err := amm.GetAmountsForLiquidity(sqrtLower, sqrtLower, sqrtUpper, lp.Liquidity)
		if err != nil {
			return nil, err
		}
		exposureBelow.Add(exposureBelow, full0)
	}

	exposure := new(big.Int).Abs(exposureBelow)
	if b := new(big.Int).Abs(tp.Balance); b.Cmp(exposure) > 0 {
		exposure = b
	}
	notional, err := fixedpoint.MulDivRoundingUp(exposure, priceX128, fixedpoint.Q128)
	if err != nil {
		return nil, err
	}
	initial, err := fixedpoint.MulDivRoundingUp(notional, big.NewInt(int64(m.Params.InitialMarginRatio)), fractionDenominator)
	if err != nil {
		return nil, err
	}
	maintenance, err := fixedpoint.MulDivRoundingUp(notional, big.NewInt(int64(m.Params.MaintenanceMarginRatio)), fractionDenominator)
	if err != nil {
		return nil, err
	}
	return &MarketValuation{
		Market:              m.ID,
		Value:               value,
		Notional:            notional,
		RequiredInitial:     initial,
		RequiredMaintenance: maintenance,
		Open:                tp.Balance.Sign() != 0 || len(tp.Ranges) > 0,
	}, nil
}
