// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fixedpoint implements Q128/Q96 full-precision arithmetic over 256-bit
// words with explicit rounding direction.
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("fixed point overflow")
	ErrDivisionByZero = errors.New("division by zero")
	ErrNegativeInput  = errors.New("negative input to unsigned operation")
)

var (
	// Q64 = 2^64
	Q64 = new(big.Int).Lsh(big.NewInt(1), 64)

	// Q96 = 2^96, the scale of sqrt prices
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	// Q128 = 2^128, the scale of prices and accumulators
	Q128 = new(big.Int).Lsh(big.NewInt(1), 128)

	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	MaxInt256  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	MinInt256  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)

func toWord(x *big.Int) (*uint256.Int, error) {
	if x.Sign() < 0 {
		return nil, ErrNegativeInput
	}
	w, overflow := uint256.FromBig(x)
	if overflow {
		return nil, ErrOverflow
	}
	return w, nil
}

func mulDiv(x, y, d *big.Int) (*uint256.Int, bool, error) {
	if d.Sign() == 0 {
		return nil, false, ErrDivisionByZero
	}
	xw, err := toWord(x)
	if err != nil {
		return nil, false, err
	}
	yw, err := toWord(y)
	if err != nil {
		return nil, false, err
	}
	dw, err := toWord(d)
	if err != nil {
		return nil, false, err
	}
	z, overflow := new(uint256.Int).MulDivOverflow(xw, yw, dw)
	if overflow {
		return nil, false, ErrOverflow
	}
	inexact := !new(uint256.Int).MulMod(xw, yw, dw).IsZero()
	return z, inexact, nil
}

// MulDiv returns floor(x*y/d) for non-negative operands. The intermediate
// product is 512 bits wide; only the result must fit in 256 bits.
func MulDiv(x, y, d *big.Int) (*big.Int, error) {
	z, _, err := mulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	return z.ToBig(), nil
}

// MulDivRoundingUp returns ceil(x*y/d) for non-negative operands.
func MulDivRoundingUp(x, y, d *big.Int) (*big.Int, error) {
	z, inexact, err := mulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	if inexact {
		if z.Eq(new(uint256.Int).SetAllOne()) {
			return nil, ErrOverflow
		}
		z.AddUint64(z, 1)
	}
	return z.ToBig(), nil
}

func abs(x *big.Int) *big.Int {
	return new(big.Int).Abs(x)
}

func signedMulDiv(x, y, d *big.Int) (*big.Int, bool, error) {
	z, inexact, err := mulDiv(abs(x), abs(y), abs(d))
	if err != nil {
		return nil, false, err
	}
	r := z.ToBig()
	negative := x.Sign()*y.Sign()*d.Sign() < 0
	if negative {
		r.Neg(r)
	}
	return r, negative && inexact, nil
}

// SignedMulDiv returns x*y/d truncated toward zero. The result must fit in a
// signed 256-bit word.
func SignedMulDiv(x, y, d *big.Int) (*big.Int, error) {
	r, _, err := signedMulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	return r, CheckInt256(r)
}

// MulDivRoundingDown returns floor(x*y/d) for signed operands, rounding
// negative results toward negative infinity.
func MulDivRoundingDown(x, y, d *big.Int) (*big.Int, error) {
	r, adjust, err := signedMulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	if adjust {
		r.Sub(r, big.NewInt(1))
	}
	return r, CheckInt256(r)
}

// CheckInt256 returns ErrOverflow when x does not fit in a signed 256-bit word.
func CheckInt256(x *big.Int) error {
	if x.Cmp(MaxInt256) > 0 || x.Cmp(MinInt256) < 0 {
		return ErrOverflow
	}
	return nil
}

// Add returns a+b, failing when the sum leaves the int256 range.
func Add(a, b *big.Int) (*big.Int, error) {
	r := new(big.Int).Add(a, b)
	return r, CheckInt256(r)
}

// Sub returns a-b, failing when the difference leaves the int256 range.
func Sub(a, b *big.Int) (*big.Int, error) {
	r := new(big.Int).Sub(a, b)
	return r, CheckInt256(r)
}

// SqrtPriceX96ToPriceX128 converts a Q96 sqrt price into a Q128 price.
func SqrtPriceX96ToPriceX128(sqrtPriceX96 *big.Int) (*big.Int, error) {
	return MulDiv(sqrtPriceX96, sqrtPriceX96, Q64)
}

// PriceX128ToSqrtPriceX96 is the inverse of SqrtPriceX96ToPriceX128, rounded
// down.
func PriceX128ToSqrtPriceX96(priceX128 *big.Int) (*big.Int, error) {
	if priceX128.Sign() < 0 {
		return nil, ErrNegativeInput
	}
	// sqrt(p * 2^-128) * 2^96 = sqrt(p * 2^64)
	return new(big.Int).Sqrt(new(big.Int).Lsh(priceX128, 64)), nil
}

// Clone returns a copy of x, or zero if x is nil.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
