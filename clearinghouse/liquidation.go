// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clearinghouse

import (
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/clearinghouse/fixedpoint"
)

// LiquidationState classifies an account for keepers.
type LiquidationState uint8

const (
	Healthy LiquidationState = iota
	// LiquidatableRange accounts are below maintenance with ranges open.
	LiquidatableRange
	// LiquidatableToken accounts are below maintenance with only token
	// positions.
	LiquidatableToken
)

func (s LiquidationState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case LiquidatableRange:
		return "liquidatable-range"
	case LiquidatableToken:
		return "liquidatable-token"
	default:
		return "unknown"
	}
}

// LiquidationKind tells which path produced an event.
type LiquidationKind uint8

const (
	RangeLiquidation LiquidationKind = iota
	TokenLiquidation
)

func (k LiquidationKind) String() string {
	if k == RangeLiquidation {
		return "range"
	}
	return "token"
}

// InsuranceFund absorbs bad debt and collects a share of liquidation fees.
type InsuranceFund struct {
	Balance *big.Int
	// Covered is the bad debt paid so far.
	Covered *big.Int
	// Uncovered is bad debt the balance could not absorb.
	Uncovered *big.Int
}

// NewInsuranceFund returns an empty fund.
func NewInsuranceFund() *InsuranceFund {
	return &InsuranceFund{
		Balance:   new(big.Int),
		Covered:   new(big.Int),
		Uncovered: new(big.Int),
	}
}

// Clone returns a deep copy.
func (f *InsuranceFund) Clone() *InsuranceFund {
	return &InsuranceFund{
		Balance:   fixedpoint.Clone(f.Balance),
		Covered:   fixedpoint.Clone(f.Covered),
		Uncovered: fixedpoint.Clone(f.Uncovered),
	}
}

// cover pays up to shortfall out of the balance and returns the payment.
func (f *InsuranceFund) cover(shortfall *big.Int) *big.Int {
	paid := new(big.Int).Set(shortfall)
	if paid.Cmp(f.Balance) > 0 {
		paid.Set(f.Balance)
	}
	f.Balance = new(big.Int).Sub(f.Balance, paid)
	f.Covered = new(big.Int).Add(f.Covered, paid)
	f.Uncovered = new(big.Int).Add(f.Uncovered, new(big.Int).Sub(shortfall, paid))
	return paid
}

// LiquidationEvent records one liquidation.
type LiquidationEvent struct {
	Keeper  common.Address
	Account uint64
	Kind    LiquidationKind
	// Market is set for token liquidations.
	Market MarketID
	// Partial is set when the position was not closed in full.
	Partial          bool
	RangesRemoved    int
	TokensClosed     *big.Int
	Notional         *big.Int
	Fee              *big.Int
	KeeperFee        *big.Int
	InsuranceFundFee *big.Int
	BadDebtCovered   *big.Int
	Timestamp        uint64
}

// classify maps a valuation to a liquidation state. An isolated account is
// range-liquidatable only if an unhealthy market holds ranges.
func classify(v *Valuation, a *Account) LiquidationState {
	if v.Health(false).Sign() >= 0 {
		return Healthy
	}
	if a.Mode == Cross {
		if a.HasRanges() {
			return LiquidatableRange
		}
		return LiquidatableToken
	}
	for _, mv := range v.Markets {
		if mv.Health(false).Sign() < 0 && len(a.Positions[mv.Market].Ranges) > 0 {
			return LiquidatableRange
		}
	}
	return LiquidatableToken
}

func bps(x *big.Int, b uint32) *big.Int {
	r := new(big.Int).Mul(x, big.NewInt(int64(b)))
	return r.Quo(r, bpsDenominator)
}

func fraction(x *big.Int, f uint32) *big.Int {
	r := new(big.Int).Mul(x, big.NewInt(int64(f)))
	return r.Quo(r, fractionDenominator)
}

// routeFee splits a liquidation fee between the keeper and the insurance
// fund. The keeper also receives the fixed fee.
func (ch *ClearingHouse) routeFee(s *state, ev *LiquidationEvent) {
	keeperShare := bps(ev.Fee, BpsDenominator-ch.params.Liquidation.InsuranceFundFeeShareBps)
	ev.InsuranceFundFee = new(big.Int).Sub(ev.Fee, keeperShare)
	ev.KeeperFee = keeperShare.Add(keeperShare, ch.params.FixFee.value())

	s.credit(ev.Keeper, ev.KeeperFee)
	s.insurance.Balance = new(big.Int).Add(s.insurance.Balance, ev.InsuranceFundFee)
}

// coverBadDebt lets the insurance fund absorb negative account value, or
// negative market value for isolated accounts.
func (ch *ClearingHouse) coverBadDebt(s *state, a *Account, now uint64) (*big.Int, error) {
	v, err := ch.margin.evaluate(s, a, now)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	if a.Mode == Cross {
		if v.Value.Sign() < 0 {
			paid := s.insurance.cover(new(big.Int).Neg(v.Value))
			if paid.Sign() > 0 {
				if err := a.addCollateral(ch.settlement, paid); err != nil {
					return nil, err
				}
			}
			total.Add(total, paid)
		}
	} else {
		for _, mv := range v.Markets {
			if mv.Value.Sign() >= 0 {
				continue
			}
			paid := s.insurance.cover(new(big.Int).Neg(mv.Value))
			tp := a.Positions[mv.Market]
			tp.Margin = new(big.Int).Add(tp.Margin, paid)
			total.Add(total, paid)
		}
	}
	if total.Sign() > 0 {
		ch.log.Warn("bad debt",
			log.Uint64("account", a.ID),
			log.Stringer("covered", total),
			log.Stringer("fundBalance", s.insurance.Balance),
		)
	}
	return total, nil
}

// principalNotional values amounts returned from a range at priceX128.
func principalNotional(amount0, amount1, priceX128 *big.Int) (*big.Int, error) {
	n, err := fixedpoint.MulDiv(new(big.Int).Abs(amount0), priceX128, fixedpoint.Q128)
	if err != nil {
		return nil, err
	}
	return n.Add(n, new(big.Int).Abs(amount1)), nil
}

// liquidateRanges removes range positions of an account in (market, lower,
// upper) order until it is back above maintenance.
func (ch *ClearingHouse) liquidateRanges(tx *txn, keeper common.Address, a *Account) (*LiquidationEvent, error) {
	s := tx.state
	if err := ch.touchAccount(tx, a); err != nil {
		return nil, err
	}
	v, err := ch.margin.evaluate(s, a, tx.now)
	if err != nil {
		return nil, err
	}
	if classify(v, a) != LiquidatableRange {
		return nil, ErrNotLiquidatable
	}

	lp := ch.params.Liquidation
	feeCap := lp.MaxRangeLiquidationFees.value()
	ev := &LiquidationEvent{
		Keeper:       keeper,
		Account:      a.ID,
		Kind:         RangeLiquidation,
		TokensClosed: new(big.Int),
		Notional:     new(big.Int),
		Fee:          new(big.Int),
		Timestamp:    tx.now,
	}

	var charged *TokenPosition
	healthy := false
	for _, id := range a.MarketIDs() {
		tp := a.Positions[id]
		if len(tp.Ranges) == 0 {
			continue
		}
		if a.Mode == Isolated && v.Market(id).Health(false).Sign() >= 0 {
			continue
		}
		m := s.markets[id]
		if err := ch.touch(tx, m, tp); err != nil {
			return nil, err
		}
		priceX128, err := m.virtualTwapPriceX128(tx.now)
		if err != nil {
			return nil, err
		}

		notional := new(big.Int)
		for _, r := range tp.SortedRanges() {
			res, err := ch.changeRange(m, tp, r.Key(), new(big.Int).Neg(r.Liquidity))
			if err != nil {
				return nil, err
			}
			n, err := principalNotional(res.Amount0, res.Amount1, priceX128)
			if err != nil {
				return nil, err
			}
			notional.Add(notional, n)
			ev.RangesRemoved++

			after, err := ch.margin.evaluate(s, a, tx.now)
			if err != nil {
				return nil, err
			}
			h := after.Health(false)
			if a.Mode == Isolated {
				h = after.Market(id).Health(false)
			}
			if h.Sign() >= 0 {
				healthy = true
				break
			}
		}

		f := fraction(notional, lp.RangeLiquidationFeeFraction)
		if room := new(big.Int).Sub(feeCap, ev.Fee); f.Cmp(room) > 0 {
			f = room
		}
		tp.NetQuote = new(big.Int).Sub(tp.NetQuote, f)
		ev.Fee.Add(ev.Fee, f)
		ev.Notional.Add(ev.Notional, notional)
		if charged == nil {
			charged = tp
		}
		if healthy && a.Mode == Cross {
			break
		}
	}
	if charged != nil {
		charged.NetQuote = new(big.Int).Sub(charged.NetQuote, ch.params.FixFee.value())
	}
	ch.routeFee(s, ev)

	if ev.BadDebtCovered, err = ch.coverBadDebt(s, a, tx.now); err != nil {
		return nil, err
	}
	return ev, nil
}

// liquidateToken closes all or part of a token position of an account with
// no ranges open.
func (ch *ClearingHouse) liquidateToken(tx *txn, keeper common.Address, a *Account, m *Market) (*LiquidationEvent, error) {
	s := tx.state
	tp, ok := a.Positions[m.ID]
	if !ok || tp.Balance.Sign() == 0 {
		return nil, ErrNotLiquidatable
	}
	if (a.Mode == Cross && a.HasRanges()) || len(tp.Ranges) > 0 {
		return nil, ErrActiveRangePositions
	}

	if err := ch.touchAccount(tx, a); err != nil {
		return nil, err
	}
	v, err := ch.margin.evaluate(s, a, tx.now)
	if err != nil {
		return nil, err
	}
	value, maintenance := v.Value, v.RequiredMaintenance
	if a.Mode == Isolated {
		mv := v.Market(m.ID)
		value, maintenance = mv.Value, mv.RequiredMaintenance
	}
	if value.Cmp(maintenance) >= 0 {
		return nil, ErrNotLiquidatable
	}

	lp := ch.params.Liquidation
	priceX128, err := m.virtualTwapPriceX128(tx.now)
	if err != nil {
		return nil, err
	}
	threshold := bps(maintenance, lp.CloseFactorMMThresholdBps)
	full := value.Cmp(threshold) < 0

	closeAmount := new(big.Int).Neg(tp.Balance)
	if !full {
		closeAmount = bps(closeAmount, lp.PartialLiquidationCloseFactorBps)
	}
	notional, err := fixedpoint.MulDiv(new(big.Int).Abs(closeAmount), priceX128, fixedpoint.Q128)
	if err != nil {
		return nil, err
	}
	if notional.Cmp(lp.MinNotionalLiquidatable.value()) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrInsufficientNotional, notional, lp.MinNotionalLiquidatable.value())
	}

	var limit *big.Int
	if !full {
		if limit, err = ch.liquidationPriceLimit(m, priceX128, closeAmount.Sign() < 0); err != nil {
			return nil, err
		}
	}

	if err := ch.touch(tx, m, tp); err != nil {
		return nil, err
	}
	out, err := m.swap(closeAmount, false, limit)
	if err != nil {
		return nil, err
	}
	tp.Balance = new(big.Int).Add(tp.Balance, out.TokenDelta)
	tp.NetQuote = new(big.Int).Add(tp.NetQuote, out.QuoteDelta)
	if err := m.recordPrice(tx.now); err != nil {
		return nil, err
	}

	ev := &LiquidationEvent{
		Keeper:       keeper,
		Account:      a.ID,
		Kind:         TokenLiquidation,
		Market:       m.ID,
		Partial:      !full || !out.Filled,
		TokensClosed: new(big.Int).Abs(out.TokenDelta),
		Notional:     out.Notional,
		Fee:          fraction(out.Notional, lp.TokenLiquidationFeeFraction),
		Timestamp:    tx.now,
	}
	charge := new(big.Int).Add(ev.Fee, ch.params.FixFee.value())
	tp.NetQuote = new(big.Int).Sub(tp.NetQuote, charge)
	ch.routeFee(s, ev)

	if ev.BadDebtCovered, err = ch.coverBadDebt(s, a, tx.now); err != nil {
		return nil, err
	}
	return ev, nil
}

// liquidationPriceLimit bounds a partial close to the slippage tolerance
// around the TWAP sqrt price. Selling pushes the price down.
func (ch *ClearingHouse) liquidationPriceLimit(m *Market, twapPriceX128 *big.Int, selling bool) (*big.Int, error) {
	sqrtTwapX96, err := fixedpoint.PriceX128ToSqrtPriceX96(twapPriceX128)
	if err != nil {
		return nil, err
	}
	tol := ch.params.Liquidation.LiquidationSlippageSqrtToleranceBps
	spot, _ := m.amm.Slot0()
	if selling {
		limit := bps(sqrtTwapX96, BpsDenominator-tol)
		if limit.Cmp(spot) >= 0 {
			return nil, fmt.Errorf("%w: spot below liquidation limit", ErrSlippageBeyondTolerance)
		}
		return limit, nil
	}
	limit := bps(sqrtTwapX96, BpsDenominator+tol)
	if limit.Cmp(spot) <= 0 {
		return nil, fmt.Errorf("%w: spot above liquidation limit", ErrSlippageBeyondTolerance)
	}
	return limit, nil
}
