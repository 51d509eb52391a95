// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package amm is a concentrated-liquidity pool that reports every swap step,
// so callers can attribute funding and fees per price interval.
//
// token0 is the virtual token and token1 the quote. Amounts are signed from
// the pool's perspective: positive flows into the pool.
package amm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/btree"
)

var (
	ErrTickOutOfBounds       = errors.New("tick out of bounds")
	ErrSqrtPriceOutOfBounds  = errors.New("sqrt price out of bounds")
	ErrSqrtPriceZero         = errors.New("sqrt price is zero")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrLiquidityUnderflow    = errors.New("liquidity underflow")
	ErrInvalidTickRange      = errors.New("invalid tick range")
	ErrInvalidPriceLimit     = errors.New("invalid sqrt price limit")
	ErrZeroAmount            = errors.New("amount specified is zero")
	ErrInvalidFee            = errors.New("fee must be below 100%")
	ErrInvalidTickSpacing    = errors.New("invalid tick spacing")
)

const tickTreeDegree = 32

type tickInfo struct {
	liquidityGross *big.Int
	liquidityNet   *big.Int
}

func (t *tickInfo) clone() *tickInfo {
	return &tickInfo{
		liquidityGross: new(big.Int).Set(t.liquidityGross),
		liquidityNet:   new(big.Int).Set(t.liquidityNet),
	}
}

// Step is one price interval traversed by a swap.
type Step struct {
	Amount0 *big.Int
	Amount1 *big.Int
	// FeeAmount is charged in the input token and included in its amount.
	FeeAmount *big.Int
	// Liquidity active during the step.
	Liquidity *big.Int
	// Crossed is set when the step ended on CrossedTick and moved across it.
	Crossed     bool
	CrossedTick int32
}

// SwapResult aggregates the steps of a swap.
type SwapResult struct {
	Amount0      *big.Int
	Amount1      *big.Int
	Steps        []Step
	SqrtPriceX96 *big.Int
	Tick         int32
	Liquidity    *big.Int
}

// Filled reports whether the whole amount specified was consumed.
func (r *SwapResult) Filled(zeroForOne bool, amountSpecified *big.Int) bool {
	exactIn := amountSpecified.Sign() > 0
	var got *big.Int
	switch {
	case exactIn && zeroForOne, !exactIn && !zeroForOne:
		got = r.Amount0
	default:
		got = r.Amount1
	}
	return got.Cmp(amountSpecified) == 0
}

// LiquidityResult is the outcome of a liquidity change.
type LiquidityResult struct {
	Amount0      *big.Int
	Amount1      *big.Int
	FlippedLower bool
	FlippedUpper bool
}

// Pool is a single concentrated-liquidity curve. It is not safe for
// concurrent use; the owner serializes access.
type Pool struct {
	sqrtPriceX96 *big.Int
	tick         int32
	liquidity    *big.Int
	feePips      uint32
	tickSpacing  int32

	ticks       map[int32]*tickInfo
	initialized *btree.BTreeG[int32]
}

// NewPool creates a pool at the given price.
func NewPool(sqrtPriceX96 *big.Int, feePips uint32, tickSpacing int32) (*Pool, error) {
	if feePips >= 1_000_000 {
		return nil, ErrInvalidFee
	}
	if tickSpacing <= 0 {
		return nil, ErrInvalidTickSpacing
	}
	tick, err := GetTickAtSqrtRatio(sqrtPriceX96)
	if err != nil {
		return nil, err
	}
	return &Pool{
		sqrtPriceX96: new(big.Int).Set(sqrtPriceX96),
		tick:         tick,
		liquidity:    new(big.Int),
		feePips:      feePips,
		tickSpacing:  tickSpacing,
		ticks:        make(map[int32]*tickInfo),
		initialized:  btree.NewG(tickTreeDegree, func(a, b int32) bool { return a < b }),
	}, nil
}

// Slot0 returns the current sqrt price and tick.
func (p *Pool) Slot0() (*big.Int, int32) {
	return new(big.Int).Set(p.sqrtPriceX96), p.tick
}

// Liquidity returns the active liquidity.
func (p *Pool) Liquidity() *big.Int {
	return new(big.Int).Set(p.liquidity)
}

// FeePips returns the LP fee in pips.
func (p *Pool) FeePips() uint32 {
	return p.feePips
}

// TickSpacing returns the spacing liquidity bounds must align to.
func (p *Pool) TickSpacing() int32 {
	return p.tickSpacing
}

// IsInitialized reports whether any liquidity references tick.
func (p *Pool) IsInitialized(tick int32) bool {
	return p.initialized.Has(tick)
}

// Checkpoint captures the pool state and returns a function restoring it.
func (p *Pool) Checkpoint() func() {
	sqrtPriceX96 := new(big.Int).Set(p.sqrtPriceX96)
	tick := p.tick
	liquidity := new(big.Int).Set(p.liquidity)
	ticks := make(map[int32]*tickInfo, len(p.ticks))
	for t, info := range p.ticks {
		ticks[t] = info.clone()
	}
	initialized := p.initialized.Clone()

	return func() {
		p.sqrtPriceX96 = sqrtPriceX96
		p.tick = tick
		p.liquidity = liquidity
		p.ticks = ticks
		p.initialized = initialized
	}
}

// nextInitializedTick returns the next initialized tick in the swap
// direction, or the price bound if there is none.
func (p *Pool) nextInitializedTick(tick int32, zeroForOne bool) (int32, bool) {
	var (
		next  int32
		found bool
	)
	if zeroForOne {
		p.initialized.DescendLessOrEqual(tick, func(t int32) bool {
			next, found = t, true
			return false
		})
		if !found {
			return MinTick, false
		}
		return next, true
	}
	p.initialized.AscendGreaterOrEqual(tick+1, func(t int32) bool {
		next, found = t, true
		return false
	})
	if !found {
		return MaxTick, false
	}
	return next, true
}

// Swap trades against the curve. A positive amountSpecified is an exact
// input, a negative one an exact output. The swap stops early when the price
// reaches sqrtPriceLimitX96; nil means no limit.
func (p *Pool) Swap(zeroForOne bool, amountSpecified, sqrtPriceLimitX96 *big.Int) (*SwapResult, error) {
	if amountSpecified.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	limit, err := p.priceLimit(zeroForOne, sqrtPriceLimitX96)
	if err != nil {
		return nil, err
	}

	exactIn := amountSpecified.Sign() > 0
	remaining := new(big.Int).Set(amountSpecified)
	sqrtPrice := new(big.Int).Set(p.sqrtPriceX96)
	tick := p.tick
	liquidity := new(big.Int).Set(p.liquidity)
	res := &SwapResult{Amount0: new(big.Int), Amount1: new(big.Int)}

	for remaining.Sign() != 0 && sqrtPrice.Cmp(limit) != 0 {
		start := sqrtPrice
		tickNext, initialized := p.nextInitializedTick(tick, zeroForOne)
		sqrtNext, err := GetSqrtRatioAtTick(tickNext)
		if err != nil {
			return nil, err
		}
		target := sqrtNext
		if (zeroForOne && sqrtNext.Cmp(limit) < 0) || (!zeroForOne && sqrtNext.Cmp(limit) > 0) {
			target = limit
		}

		s, err := computeSwapStep(start, target, liquidity, remaining, p.feePips)
		if err != nil {
			return nil, fmt.Errorf("swap step at tick %d: %w", tick, err)
		}
		sqrtPrice = s.sqrtRatioNextX96

		in := new(big.Int).Add(s.amountIn, s.feeAmount)
		if exactIn {
			remaining.Sub(remaining, in)
		} else {
			remaining.Add(remaining, s.amountOut)
		}

		step := Step{
			FeeAmount: s.feeAmount,
			Liquidity: new(big.Int).Set(liquidity),
		}
		if zeroForOne {
			step.Amount0, step.Amount1 = in, new(big.Int).Neg(s.amountOut)
		} else {
			step.Amount0, step.Amount1 = new(big.Int).Neg(s.amountOut), in
		}

		if sqrtPrice.Cmp(sqrtNext) == 0 {
			if initialized {
				net := new(big.Int).Set(p.ticks[tickNext].liquidityNet)
				if zeroForOne {
					net.Neg(net)
				}
				liquidity.Add(liquidity, net)
				if liquidity.Sign() < 0 {
					return nil, ErrLiquidityUnderflow
				}
				step.Crossed = true
				step.CrossedTick = tickNext
			}
			if zeroForOne {
				tick = tickNext - 1
			} else {
				tick = tickNext
			}
		} else if sqrtPrice.Cmp(start) != 0 {
			if tick, err = GetTickAtSqrtRatio(sqrtPrice); err != nil {
				return nil, err
			}
		}

		res.Amount0.Add(res.Amount0, step.Amount0)
		res.Amount1.Add(res.Amount1, step.Amount1)
		res.Steps = append(res.Steps, step)
	}

	p.sqrtPriceX96 = sqrtPrice
	p.tick = tick
	p.liquidity = liquidity

	res.SqrtPriceX96 = new(big.Int).Set(sqrtPrice)
	res.Tick = tick
	res.Liquidity = new(big.Int).Set(liquidity)
	return res, nil
}

func (p *Pool) priceLimit(zeroForOne bool, limit *big.Int) (*big.Int, error) {
	if zeroForOne {
		if limit == nil {
			return new(big.Int).Add(MinSqrtRatio, one), nil
		}
		if limit.Cmp(p.sqrtPriceX96) >= 0 || limit.Cmp(MinSqrtRatio) <= 0 {
			return nil, ErrInvalidPriceLimit
		}
		return limit, nil
	}
	if limit == nil {
		return new(big.Int).Sub(MaxSqrtRatio, one), nil
	}
	if limit.Cmp(p.sqrtPriceX96) <= 0 || limit.Cmp(MaxSqrtRatio) >= 0 {
		return nil, ErrInvalidPriceLimit
	}
	return limit, nil
}

func (p *Pool) checkTicks(tickLower, tickUpper int32) error {
	switch {
	case tickLower >= tickUpper:
		return fmt.Errorf("%w: lower %d >= upper %d", ErrInvalidTickRange, tickLower, tickUpper)
	case tickLower < MinTick || tickUpper > MaxTick:
		return fmt.Errorf("%w: [%d, %d] outside bounds", ErrInvalidTickRange, tickLower, tickUpper)
	case tickLower%p.tickSpacing != 0 || tickUpper%p.tickSpacing != 0:
		return fmt.Errorf("%w: [%d, %d] not aligned to spacing %d", ErrInvalidTickRange, tickLower, tickUpper, p.tickSpacing)
	}
	return nil
}

// updateTick applies a liquidity delta to one bound and reports whether the
// tick flipped between initialized and uninitialized.
func (p *Pool) updateTick(tick int32, delta *big.Int, upper bool) (bool, error) {
	info, ok := p.ticks[tick]
	if !ok {
		info = &tickInfo{liquidityGross: new(big.Int), liquidityNet: new(big.Int)}
	}
	gross := new(big.Int).Add(info.liquidityGross, delta)
	if gross.Sign() < 0 {
		return false, fmt.Errorf("%w at tick %d", ErrLiquidityUnderflow, tick)
	}
	flipped := (info.liquidityGross.Sign() == 0) != (gross.Sign() == 0)

	net := new(big.Int)
	if upper {
		net.Sub(info.liquidityNet, delta)
	} else {
		net.Add(info.liquidityNet, delta)
	}

	if gross.Sign() == 0 {
		delete(p.ticks, tick)
		p.initialized.Delete(tick)
		return flipped, nil
	}
	p.ticks[tick] = &tickInfo{liquidityGross: gross, liquidityNet: net}
	if flipped {
		p.initialized.ReplaceOrInsert(tick)
	}
	return flipped, nil
}

// ModifyLiquidity adds (positive delta) or removes liquidity over
// [tickLower, tickUpper). The returned amounts are owed to the pool when
// positive and paid out when negative.
func (p *Pool) ModifyLiquidity(tickLower, tickUpper int32, liquidityDelta *big.Int) (*LiquidityResult, error) {
	if err := p.checkTicks(tickLower, tickUpper); err != nil {
		return nil, err
	}
	res := &LiquidityResult{Amount0: new(big.Int), Amount1: new(big.Int)}
	if liquidityDelta.Sign() == 0 {
		return res, nil
	}

	if liquidityDelta.Sign() < 0 {
		removed := new(big.Int).Neg(liquidityDelta)
		for _, t := range []int32{tickLower, tickUpper} {
			info, ok := p.ticks[t]
			if !ok || info.liquidityGross.Cmp(removed) < 0 {
				return nil, fmt.Errorf("%w: removing %s at tick %d", ErrLiquidityUnderflow, removed, t)
			}
		}
	}

	var err error
	if res.FlippedLower, err = p.updateTick(tickLower, liquidityDelta, false); err != nil {
		return nil, err
	}
	if res.FlippedUpper, err = p.updateTick(tickUpper, liquidityDelta, true); err != nil {
		return nil, err
	}

	sqrtLower, err := GetSqrtRatioAtTick(tickLower)
	if err != nil {
		return nil, err
	}
	sqrtUpper, err := GetSqrtRatioAtTick(tickUpper)
	if err != nil {
		return nil, err
	}

	switch {
	case p.tick < tickLower:
		if res.Amount0, err = signedAmount0Delta(sqrtLower, sqrtUpper, liquidityDelta); err != nil {
			return nil, err
		}
	case p.tick < tickUpper:
		if res.Amount0, err = signedAmount0Delta(p.sqrtPriceX96, sqrtUpper, liquidityDelta); err != nil {
			return nil, err
		}
		res.Amount1 = signedAmount1Delta(sqrtLower, p.sqrtPriceX96, liquidityDelta)
		liquidity := new(big.Int).Add(p.liquidity, liquidityDelta)
		if liquidity.Sign() < 0 {
			return nil, ErrLiquidityUnderflow
		}
		p.liquidity = liquidity
	default:
		res.Amount1 = signedAmount1Delta(sqrtLower, sqrtUpper, liquidityDelta)
	}
	return res, nil
}
