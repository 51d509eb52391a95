// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package clearinghouse implements margin accounts trading virtual perpetuals
// against concentrated-liquidity markets, with lazily settled funding and
// keeper-driven liquidation.
package clearinghouse

import (
	"bytes"
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"

	"github.com/luxfi/clearinghouse/amm"
)

var (
	ErrStalePrice           = errors.New("stale oracle price")
	ErrZeroLiquidity        = errors.New("zero liquidity")
	ErrOverflow             = errors.New("arithmetic overflow")
	ErrInsufficientMargin   = errors.New("insufficient margin")
	ErrInsufficientNotional = errors.New("notional below minimum liquidatable")
	ErrRangeNotFound        = errors.New("liquidity range not found")
	ErrReentrantSettlement  = errors.New("reentrant settlement")
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrUnauthorized            = errors.New("caller does not own account")
	ErrMarketNotFound          = errors.New("market not found")
	ErrMarketExists            = errors.New("market already exists")
	ErrMarketNotTradable       = errors.New("market not allowed for trade")
	ErrCollateralNotFound      = errors.New("collateral not supported")
	ErrCollateralExists        = errors.New("collateral already supported")
	ErrInvalidAmount           = errors.New("amount must be positive")
	ErrInvalidTickRange        = errors.New("invalid tick range")
	ErrInvalidLimitOrderType   = errors.New("invalid limit order type")
	ErrInvalidMarginMode       = errors.New("invalid margin mode")
	ErrPriceLimitReached       = errors.New("price limit reached before order filled")
	ErrSlippageBeyondTolerance = errors.New("price moved beyond slippage tolerance")
	ErrOrderTooSmall           = errors.New("order notional below minimum")
	ErrInsufficientCollateral  = errors.New("insufficient collateral")
	ErrInsufficientLiquidity   = errors.New("insufficient liquidity in range")
	ErrNotLiquidatable         = errors.New("account not liquidatable")
	ErrActiveRangePositions    = errors.New("account has active range positions")
	ErrLimitOrderNotTriggered  = errors.New("limit order not triggered")
	ErrInvalidParams           = errors.New("invalid parameters")
)

const (
	// FractionDenominator is 100% for margin ratios and liquidation fee
	// fractions.
	FractionDenominator = 100_000

	// BpsDenominator is 100% in basis points.
	BpsDenominator = 10_000
)

var (
	fractionDenominator = big.NewInt(FractionDenominator)
	bpsDenominator      = big.NewInt(BpsDenominator)
)

// MarketID identifies a market by its virtual token.
type MarketID [32]byte

// NewMarketID derives the id of the market trading vToken.
func NewMarketID(vToken common.Address) MarketID {
	h := blake3.New()
	h.Write([]byte("market"))
	h.Write(vToken.Bytes())

	var id MarketID
	h.Digest().Read(id[:])
	return id
}

func (id MarketID) String() string {
	return common.Hash(id).Hex()
}

// Less orders market ids; liquidation walks markets in this order.
func (id MarketID) Less(other MarketID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// MarginMode selects how an account's positions share collateral.
type MarginMode uint8

const (
	// Cross accounts margin all markets against all collateral.
	Cross MarginMode = iota
	// Isolated accounts margin each market against margin allocated to it.
	Isolated
)

func (m MarginMode) String() string {
	switch m {
	case Cross:
		return "cross"
	case Isolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// LimitOrderType marks a range as a limit order a keeper may remove once
// the price trades through it.
type LimitOrderType uint8

const (
	LimitOrderNone LimitOrderType = iota
	// LimitOrderLower triggers once the price is at or below the lower tick.
	LimitOrderLower
	// LimitOrderUpper triggers once the price is at or above the upper tick.
	LimitOrderUpper
)

func (t LimitOrderType) String() string {
	switch t {
	case LimitOrderNone:
		return "none"
	case LimitOrderLower:
		return "lower"
	case LimitOrderUpper:
		return "upper"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known variant.
func (t LimitOrderType) Valid() bool {
	return t <= LimitOrderUpper
}

// Triggered reports whether a range with this order type can be removed by
// a keeper at currentTick.
func (t LimitOrderType) Triggered(r RangeKey, currentTick int32) bool {
	switch t {
	case LimitOrderLower:
		return currentTick <= r.TickLower
	case LimitOrderUpper:
		return currentTick >= r.TickUpper
	default:
		return false
	}
}

// RangeKey identifies a liquidity range within an (account, market).
type RangeKey struct {
	TickLower int32
	TickUpper int32
}

// Less orders ranges by lower then upper tick.
func (k RangeKey) Less(other RangeKey) bool {
	if k.TickLower != other.TickLower {
		return k.TickLower < other.TickLower
	}
	return k.TickUpper < other.TickUpper
}

// AMM is the concentrated-liquidity curve a market trades against. token0 is
// the virtual token and token1 the quote.
type AMM interface {
	Swap(zeroForOne bool, amountSpecified, sqrtPriceLimitX96 *big.Int) (*amm.SwapResult, error)
	ModifyLiquidity(tickLower, tickUpper int32, liquidityDelta *big.Int) (*amm.LiquidityResult, error)
	Slot0() (*big.Int, int32)
	Liquidity() *big.Int
	TickSpacing() int32
	// FeePips is the curve fee taken out of every swap input.
	FeePips() uint32
	// Checkpoint captures the curve and returns a function restoring it.
	Checkpoint() func()
}

var _ AMM = (*amm.Pool)(nil)
