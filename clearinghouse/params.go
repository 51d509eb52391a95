// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clearinghouse

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/luxfi/clearinghouse/fee"
)

// MarketParams holds the per-market risk and fee configuration.
type MarketParams struct {
	// InitialMarginRatio and MaintenanceMarginRatio are fractions of
	// FractionDenominator.
	InitialMarginRatio     uint32 `json:"initialMarginRatio"`
	MaintenanceMarginRatio uint32 `json:"maintenanceMarginRatio"`
	// TwapDuration is the averaging window in seconds. A real price older
	// than the window is stale.
	TwapDuration      uint32 `json:"twapDuration"`
	IsAllowedForTrade bool   `json:"isAllowedForTrade"`
	// ProtocolFeePips and ExtendedFeePips are fractions of
	// fee.PipsDenominator charged on top of the AMM fee.
	ProtocolFeePips uint32 `json:"protocolFeePips"`
	ExtendedFeePips uint32 `json:"extendedFeePips"`
}

// DefaultMarketParams returns conservative market parameters.
func DefaultMarketParams() MarketParams {
	return MarketParams{
		InitialMarginRatio:     20_000,
		MaintenanceMarginRatio: 10_000,
		TwapDuration:           300,
		IsAllowedForTrade:      true,
		ProtocolFeePips:        500,
		ExtendedFeePips:        500,
	}
}

// Verify checks the parameters are internally consistent.
func (p MarketParams) Verify() error {
	switch {
	case p.MaintenanceMarginRatio == 0:
		return fmt.Errorf("%w: zero maintenance margin ratio", ErrInvalidParams)
	case p.InitialMarginRatio < p.MaintenanceMarginRatio:
		return fmt.Errorf("%w: initial margin ratio %d below maintenance %d",
			ErrInvalidParams, p.InitialMarginRatio, p.MaintenanceMarginRatio)
	case p.InitialMarginRatio > FractionDenominator:
		return fmt.Errorf("%w: initial margin ratio %d above 100%%", ErrInvalidParams, p.InitialMarginRatio)
	case p.TwapDuration == 0:
		return fmt.Errorf("%w: zero twap duration", ErrInvalidParams)
	case uint64(p.ProtocolFeePips)+uint64(p.ExtendedFeePips) >= fee.PipsDenominator:
		return fmt.Errorf("%w: fee pips %d+%d", ErrInvalidParams, p.ProtocolFeePips, p.ExtendedFeePips)
	}
	return nil
}

// Amount is a big.Int that round-trips through JSON as a decimal string.
type Amount struct {
	*big.Int
}

// NewAmount wraps x.
func NewAmount(x int64) Amount {
	return Amount{big.NewInt(x)}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.Int == nil {
		return json.Marshal("0")
	}
	return json.Marshal(a.Int.String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("%w: bad amount %q", ErrInvalidParams, s)
	}
	a.Int = v
	return nil
}

func (a Amount) value() *big.Int {
	if a.Int == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.Int)
}

// LiquidationParams configures keeper incentives and close behaviour.
type LiquidationParams struct {
	// RangeLiquidationFeeFraction and TokenLiquidationFeeFraction are
	// fractions of FractionDenominator of the liquidated notional.
	RangeLiquidationFeeFraction uint32 `json:"rangeLiquidationFeeFraction"`
	TokenLiquidationFeeFraction uint32 `json:"tokenLiquidationFeeFraction"`
	// InsuranceFundFeeShareBps is the part of a liquidation fee kept by the
	// insurance fund.
	InsuranceFundFeeShareBps uint32 `json:"insuranceFundFeeShareBps"`
	MaxRangeLiquidationFees  Amount `json:"maxRangeLiquidationFees"`
	// ClosePositionFully when account value is below this share of the
	// maintenance requirement.
	CloseFactorMMThresholdBps           uint32 `json:"closeFactorMMThresholdBps"`
	PartialLiquidationCloseFactorBps    uint32 `json:"partialLiquidationCloseFactorBps"`
	LiquidationSlippageSqrtToleranceBps uint32 `json:"liquidationSlippageSqrtToleranceBps"`
	MinNotionalLiquidatable             Amount `json:"minNotionalLiquidatable"`
}

// Params holds the clearing house wide configuration.
type Params struct {
	Liquidation LiquidationParams `json:"liquidation"`
	// FixFee is paid to the keeper on top of the liquidation fee.
	FixFee               Amount `json:"fixFee"`
	RemoveLimitOrderFee  Amount `json:"removeLimitOrderFee"`
	MinimumOrderNotional Amount `json:"minimumOrderNotional"`
	// MinRequiredMargin floors the margin requirement of any account with an
	// open position.
	MinRequiredMargin Amount `json:"minRequiredMargin"`
}

// DefaultParams returns the default clearing house parameters, denominated
// in six-decimal settlement units.
func DefaultParams() Params {
	return Params{
		Liquidation: LiquidationParams{
			RangeLiquidationFeeFraction:         1_500,
			TokenLiquidationFeeFraction:         3_000,
			InsuranceFundFeeShareBps:            5_000,
			MaxRangeLiquidationFees:             NewAmount(100_000_000),
			CloseFactorMMThresholdBps:           7_500,
			PartialLiquidationCloseFactorBps:    5_000,
			LiquidationSlippageSqrtToleranceBps: 150,
			MinNotionalLiquidatable:             NewAmount(100_000_000),
		},
		FixFee:               NewAmount(0),
		RemoveLimitOrderFee:  NewAmount(10_000_000),
		MinimumOrderNotional: NewAmount(10_000),
		MinRequiredMargin:    NewAmount(20_000_000),
	}
}

// Verify checks every field is in range.
func (p Params) Verify() error {
	l := p.Liquidation
	switch {
	case l.RangeLiquidationFeeFraction > FractionDenominator:
		return fmt.Errorf("%w: range liquidation fee fraction %d", ErrInvalidParams, l.RangeLiquidationFeeFraction)
	case l.TokenLiquidationFeeFraction > FractionDenominator:
		return fmt.Errorf("%w: token liquidation fee fraction %d", ErrInvalidParams, l.TokenLiquidationFeeFraction)
	case l.InsuranceFundFeeShareBps > BpsDenominator:
		return fmt.Errorf("%w: insurance fund fee share %d", ErrInvalidParams, l.InsuranceFundFeeShareBps)
	case l.CloseFactorMMThresholdBps > BpsDenominator:
		return fmt.Errorf("%w: close factor threshold %d", ErrInvalidParams, l.CloseFactorMMThresholdBps)
	case l.PartialLiquidationCloseFactorBps == 0 || l.PartialLiquidationCloseFactorBps > BpsDenominator:
		return fmt.Errorf("%w: partial close factor %d", ErrInvalidParams, l.PartialLiquidationCloseFactorBps)
	case l.LiquidationSlippageSqrtToleranceBps >= BpsDenominator:
		return fmt.Errorf("%w: slippage tolerance %d", ErrInvalidParams, l.LiquidationSlippageSqrtToleranceBps)
	}
	for name, a := range map[string]Amount{
		"maxRangeLiquidationFees": l.MaxRangeLiquidationFees,
		"minNotionalLiquidatable": l.MinNotionalLiquidatable,
		"fixFee":                  p.FixFee,
		"removeLimitOrderFee":     p.RemoveLimitOrderFee,
		"minimumOrderNotional":    p.MinimumOrderNotional,
		"minRequiredMargin":       p.MinRequiredMargin,
	} {
		if a.value().Sign() < 0 {
			return fmt.Errorf("%w: negative %s", ErrInvalidParams, name)
		}
	}
	return nil
}

// ParseParams decodes JSON over the defaults and verifies the result.
func ParseParams(b []byte) (Params, error) {
	p := DefaultParams()
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return Params{}, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if err := p.Verify(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// ParseMarketParams decodes JSON over DefaultMarketParams and verifies it.
func ParseMarketParams(b []byte) (MarketParams, error) {
	p := DefaultMarketParams()
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return MarketParams{}, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if err := p.Verify(); err != nil {
		return MarketParams{}, err
	}
	return p, nil
}
