// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package amm

import (
	"math/big"

	"github.com/luxfi/clearinghouse/fixedpoint"
)

var (
	one            = big.NewInt(1)
	feeDenominator = big.NewInt(1_000_000)
)

func mulDiv(a, b, c *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Div(p, c)
}

func mulDivRoundingUp(a, b, c *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(p, c, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, one)
	}
	return q
}

func divRoundingUp(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, one)
	}
	return q
}

func sortRatios(a, b *big.Int) (*big.Int, *big.Int) {
	if a.Cmp(b) > 0 {
		return b, a
	}
	return a, b
}

// GetAmount0Delta returns the token0 amount between two sqrt prices for the
// given liquidity.
func GetAmount0Delta(sqrtRatioAX96, sqrtRatioBX96, liquidity *big.Int, roundUp bool) (*big.Int, error) {
	a, b := sortRatios(sqrtRatioAX96, sqrtRatioBX96)
	if a.Sign() <= 0 {
		return nil, ErrSqrtPriceZero
	}
	numerator1 := new(big.Int).Lsh(liquidity, 96)
	numerator2 := new(big.Int).Sub(b, a)
	if roundUp {
		return divRoundingUp(mulDivRoundingUp(numerator1, numerator2, b), a), nil
	}
	t := mulDiv(numerator1, numerator2, b)
	return t.Div(t, a), nil
}

// GetAmount1Delta returns the token1 amount between two sqrt prices for the
// given liquidity.
func GetAmount1Delta(sqrtRatioAX96, sqrtRatioBX96, liquidity *big.Int, roundUp bool) *big.Int {
	a, b := sortRatios(sqrtRatioAX96, sqrtRatioBX96)
	diff := new(big.Int).Sub(b, a)
	if roundUp {
		return mulDivRoundingUp(liquidity, diff, fixedpoint.Q96)
	}
	return mulDiv(liquidity, diff, fixedpoint.Q96)
}

// signedAmount0Delta rounds up when liquidity is added and down when it is
// removed so the pool never pays out more than it holds.
func signedAmount0Delta(sqrtRatioAX96, sqrtRatioBX96, liquidity *big.Int) (*big.Int, error) {
	if liquidity.Sign() < 0 {
		d, err := GetAmount0Delta(sqrtRatioAX96, sqrtRatioBX96, new(big.Int).Neg(liquidity), false)
		if err != nil {
			return nil, err
		}
		return d.Neg(d), nil
	}
	return GetAmount0Delta(sqrtRatioAX96, sqrtRatioBX96, liquidity, true)
}

func signedAmount1Delta(sqrtRatioAX96, sqrtRatioBX96, liquidity *big.Int) *big.Int {
	if liquidity.Sign() < 0 {
		d := GetAmount1Delta(sqrtRatioAX96, sqrtRatioBX96, new(big.Int).Neg(liquidity), false)
		return d.Neg(d)
	}
	return GetAmount1Delta(sqrtRatioAX96, sqrtRatioBX96, liquidity, true)
}

// GetAmountsForLiquidity returns the token amounts a position of liquidity
// over [sqrtRatioAX96, sqrtRatioBX96] holds at sqrtPriceX96, rounded down.
func GetAmountsForLiquidity(sqrtPriceX96, sqrtRatioAX96, sqrtRatioBX96, liquidity *big.Int) (*big.Int, *big.Int, error) {
	a, b := sortRatios(sqrtRatioAX96, sqrtRatioBX96)
	switch {
	case sqrtPriceX96.Cmp(a) <= 0:
		amount0, err := GetAmount0Delta(a, b, liquidity, false)
		return amount0, new(big.Int), err
	case sqrtPriceX96.Cmp(b) < 0:
		amount0, err := GetAmount0Delta(sqrtPriceX96, b, liquidity, false)
		if err != nil {
			return nil, nil, err
		}
		return amount0, GetAmount1Delta(a, sqrtPriceX96, liquidity, false), nil
	default:
		return new(big.Int), GetAmount1Delta(a, b, liquidity, false), nil
	}
}

func nextSqrtPriceFromAmount0RoundingUp(sqrtPX96, liquidity, amount *big.Int, add bool) (*big.Int, error) {
	if amount.Sign() == 0 {
		return new(big.Int).Set(sqrtPX96), nil
	}
	numerator1 := new(big.Int).Lsh(liquidity, 96)
	product := new(big.Int).Mul(amount, sqrtPX96)
	if add {
		denominator := new(big.Int).Add(numerator1, product)
		return mulDivRoundingUp(numerator1, sqrtPX96, denominator), nil
	}
	if numerator1.Cmp(product) <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	denominator := new(big.Int).Sub(numerator1, product)
	return mulDivRoundingUp(numerator1, sqrtPX96, denominator), nil
}

func nextSqrtPriceFromAmount1RoundingDown(sqrtPX96, liquidity, amount *big.Int, add bool) (*big.Int, error) {
	if add {
		return new(big.Int).Add(sqrtPX96, mulDiv(amount, fixedpoint.Q96, liquidity)), nil
	}
	quotient := mulDivRoundingUp(amount, fixedpoint.Q96, liquidity)
	if sqrtPX96.Cmp(quotient) <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	return new(big.Int).Sub(sqrtPX96, quotient), nil
}

func nextSqrtPriceFromInput(sqrtPX96, liquidity, amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	if liquidity.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	if zeroForOne {
		return nextSqrtPriceFromAmount0RoundingUp(sqrtPX96, liquidity, amountIn, true)
	}
	return nextSqrtPriceFromAmount1RoundingDown(sqrtPX96, liquidity, amountIn, true)
}

func nextSqrtPriceFromOutput(sqrtPX96, liquidity, amountOut *big.Int, zeroForOne bool) (*big.Int, error) {
	if liquidity.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	if zeroForOne {
		return nextSqrtPriceFromAmount1RoundingDown(sqrtPX96, liquidity, amountOut, false)
	}
	return nextSqrtPriceFromAmount0RoundingUp(sqrtPX96, liquidity, amountOut, false)
}

type swapStep struct {
	sqrtRatioNextX96 *big.Int
	amountIn         *big.Int
	amountOut        *big.Int
	feeAmount        *big.Int
}

// computeSwapStep swaps within one price interval, moving from current
// toward target until amountRemaining is used up. A positive amountRemaining
// is an exact input and a negative one an exact output.
func computeSwapStep(sqrtRatioCurrentX96, sqrtRatioTargetX96, liquidity, amountRemaining *big.Int, feePips uint32) (*swapStep, error) {
	zeroForOne := sqrtRatioCurrentX96.Cmp(sqrtRatioTargetX96) >= 0
	exactIn := amountRemaining.Sign() >= 0
	pips := big.NewInt(int64(feePips))
	s := &swapStep{amountIn: new(big.Int), amountOut: new(big.Int), feeAmount: new(big.Int)}

	var err error
	if exactIn {
		remainingLessFee := mulDiv(amountRemaining, new(big.Int).Sub(feeDenominator, pips), feeDenominator)
		if zeroForOne {
			s.amountIn, err = GetAmount0Delta(sqrtRatioTargetX96, sqrtRatioCurrentX96, liquidity, true)
			if err != nil {
				return nil, err
			}
		} else {
			s.amountIn = GetAmount1Delta(sqrtRatioCurrentX96, sqrtRatioTargetX96, liquidity, true)
		}
		if remainingLessFee.Cmp(s.amountIn) >= 0 {
			s.sqrtRatioNextX96 = new(big.Int).Set(sqrtRatioTargetX96)
		} else if s.sqrtRatioNextX96, err = nextSqrtPriceFromInput(sqrtRatioCurrentX96, liquidity, remainingLessFee, zeroForOne); err != nil {
			return nil, err
		}
	} else {
		remainingAbs := new(big.Int).Neg(amountRemaining)
		if zeroForOne {
			s.amountOut = GetAmount1Delta(sqrtRatioTargetX96, sqrtRatioCurrentX96, liquidity, false)
		} else {
			s.amountOut, err = GetAmount0Delta(sqrtRatioCurrentX96, sqrtRatioTargetX96, liquidity, false)
			if err != nil {
				return nil, err
			}
		}
		if remainingAbs.Cmp(s.amountOut) >= 0 {
			s.sqrtRatioNextX96 = new(big.Int).Set(sqrtRatioTargetX96)
		} else if s.sqrtRatioNextX96, err = nextSqrtPriceFromOutput(sqrtRatioCurrentX96, liquidity, remainingAbs, zeroForOne); err != nil {
			return nil, err
		}
	}

	reached := sqrtRatioTargetX96.Cmp(s.sqrtRatioNextX96) == 0
	if zeroForOne {
		if !(reached && exactIn) {
			if s.amountIn, err = GetAmount0Delta(s.sqrtRatioNextX96, sqrtRatioCurrentX96, liquidity, true); err != nil {
				return nil, err
			}
		}
		if !(reached && !exactIn) {
			s.amountOut = GetAmount1Delta(s.sqrtRatioNextX96, sqrtRatioCurrentX96, liquidity, false)
		}
	} else {
		if !(reached && exactIn) {
			s.amountIn = GetAmount1Delta(sqrtRatioCurrentX96, s.sqrtRatioNextX96, liquidity, true)
		}
		if !(reached && !exactIn) {
			if s.amountOut, err = GetAmount0Delta(sqrtRatioCurrentX96, s.sqrtRatioNextX96, liquidity, false); err != nil {
				return nil, err
			}
		}
	}

	if !exactIn {
		if remainingAbs := new(big.Int).Neg(amountRemaining); s.amountOut.Cmp(remainingAbs) > 0 {
			s.amountOut = remainingAbs
		}
	}

	if exactIn && s.sqrtRatioNextX96.Cmp(sqrtRatioTargetX96) != 0 {
		// The remainder of the input that did not move the price is the fee.
		s.feeAmount = new(big.Int).Sub(amountRemaining, s.amountIn)
	} else {
		s.feeAmount = mulDivRoundingUp(s.amountIn, pips, new(big.Int).Sub(feeDenominator, pips))
	}
	return s, nil
}
