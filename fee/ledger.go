// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fee accounts for trading fees as quote-denominated growth per unit
// of liquidity.
package fee

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/clearinghouse/fixedpoint"
)

// PipsDenominator is 100% in pips.
const PipsDenominator = 1_000_000

var (
	ErrInvalidPips = errors.New("fee pips must sum below 100%")
	ErrNegativeFee = errors.New("negative fee")
)

var pipsDenominator = big.NewInt(PipsDenominator)

// Ledger holds the fee growth of a market.
type Ledger struct {
	// SumFeeGlobalX128 is the AMM LP fee per unit of liquidity, in quote.
	SumFeeGlobalX128 *big.Int
	// SumExtFeeGlobalX128 is the extended fee per unit of liquidity.
	SumExtFeeGlobalX128 *big.Int
	// ProtocolFees accrued to the treasury.
	ProtocolFees *big.Int
}

// NewLedger returns a ledger with zero growth.
func NewLedger() *Ledger {
	return &Ledger{
		SumFeeGlobalX128:    new(big.Int),
		SumExtFeeGlobalX128: new(big.Int),
		ProtocolFees:        new(big.Int),
	}
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	return &Ledger{
		SumFeeGlobalX128:    fixedpoint.Clone(l.SumFeeGlobalX128),
		SumExtFeeGlobalX128: fixedpoint.Clone(l.SumExtFeeGlobalX128),
		ProtocolFees:        fixedpoint.Clone(l.ProtocolFees),
	}
}

// Total is the fee growth liquidity ranges earn from.
func (l *Ledger) Total() *big.Int {
	return new(big.Int).Add(l.SumFeeGlobalX128, l.SumExtFeeGlobalX128)
}

func growth(fee, liquidity *big.Int) (*big.Int, error) {
	return fixedpoint.MulDiv(fee, fixedpoint.Q128, liquidity)
}

// RecordLPFee attributes an AMM fee collected during one swap step to the
// liquidity active in that step.
func (l *Ledger) RecordLPFee(feeQuote, liquidity *big.Int) error {
	switch {
	case feeQuote.Sign() < 0:
		return ErrNegativeFee
	case feeQuote.Sign() == 0:
		return nil
	case liquidity.Sign() == 0:
		l.ProtocolFees = new(big.Int).Add(l.ProtocolFees, feeQuote)
		return nil
	}
	g, err := growth(feeQuote, liquidity)
	if err != nil {
		return fmt.Errorf("lp fee growth: %w", err)
	}
	l.SumFeeGlobalX128 = new(big.Int).Add(l.SumFeeGlobalX128, g)
	return nil
}

// RecordExtendedFee attributes an extended fee to the liquidity active at the
// end of a swap. With no active liquidity it accrues to the treasury.
func (l *Ledger) RecordExtendedFee(feeQuote, liquidity *big.Int) error {
	switch {
	case feeQuote.Sign() < 0:
		return ErrNegativeFee
	case feeQuote.Sign() == 0:
		return nil
	case liquidity.Sign() == 0:
		l.ProtocolFees = new(big.Int).Add(l.ProtocolFees, feeQuote)
		return nil
	}
	g, err := growth(feeQuote, liquidity)
	if err != nil {
		return fmt.Errorf("extended fee growth: %w", err)
	}
	l.SumExtFeeGlobalX128 = new(big.Int).Add(l.SumExtFeeGlobalX128, g)
	return nil
}

// RecordProtocolFee credits the treasury.
func (l *Ledger) RecordProtocolFee(feeQuote *big.Int) error {
	if feeQuote.Sign() < 0 {
		return ErrNegativeFee
	}
	l.ProtocolFees = new(big.Int).Add(l.ProtocolFees, feeQuote)
	return nil
}

// Charge is the outcome of applying protocol and extended fees to a quote
// amount exchanged with the AMM.
type Charge struct {
	// Trader is what the taker pays on a buy or receives on a sell.
	Trader      *big.Int
	ProtocolFee *big.Int
	ExtendedFee *big.Int
}

func checkPips(protocolPips, extendedPips uint32) (*big.Int, error) {
	total := uint64(protocolPips) + uint64(extendedPips)
	if total >= PipsDenominator {
		return nil, ErrInvalidPips
	}
	return new(big.Int).SetUint64(PipsDenominator - total), nil
}

func split(total *big.Int, protocolPips, extendedPips uint32) (*big.Int, *big.Int) {
	sum := uint64(protocolPips) + uint64(extendedPips)
	if sum == 0 || total.Sign() == 0 {
		return new(big.Int), new(big.Int)
	}
	protocol := new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(protocolPips)))
	protocol.Quo(protocol, new(big.Int).SetUint64(sum))
	return protocol, new(big.Int).Sub(total, protocol)
}

// ChargeBuy grosses up the quote a buyer sends into the AMM, rounding the
// fee up.
func ChargeBuy(poolQuoteIn *big.Int, protocolPips, extendedPips uint32) (*Charge, error) {
	net, err := checkPips(protocolPips, extendedPips)
	if err != nil {
		return nil, err
	}
	gross, err := fixedpoint.MulDivRoundingUp(poolQuoteIn, pipsDenominator, net)
	if err != nil {
		return nil, err
	}
	p, e := split(new(big.Int).Sub(gross, poolQuoteIn), protocolPips, extendedPips)
	return &Charge{Trader: gross, ProtocolFee: p, ExtendedFee: e}, nil
}

// ChargeSell nets down the quote a seller receives from the AMM, rounding
// the proceeds down.
func ChargeSell(poolQuoteOut *big.Int, protocolPips, extendedPips uint32) (*Charge, error) {
	net, err := checkPips(protocolPips, extendedPips)
	if err != nil {
		return nil, err
	}
	proceeds, err := fixedpoint.MulDiv(poolQuoteOut, net, pipsDenominator)
	if err != nil {
		return nil, err
	}
	p, e := split(new(big.Int).Sub(poolQuoteOut, proceeds), protocolPips, extendedPips)
	return &Charge{Trader: proceeds, ProtocolFee: p, ExtendedFee: e}, nil
}

// BuyInput is the exact quote input sent to the AMM for a buy of the given
// notional, fees included.
func BuyInput(notional *big.Int, protocolPips, extendedPips uint32) (*big.Int, error) {
	net, err := checkPips(protocolPips, extendedPips)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDiv(notional, net, pipsDenominator)
}

// SellOutput is the exact quote output requested from the AMM so that a
// seller receives at least the given notional after fees.
func SellOutput(notional *big.Int, protocolPips, extendedPips uint32) (*big.Int, error) {
	net, err := checkPips(protocolPips, extendedPips)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDivRoundingUp(notional, pipsDenominator, net)
}

// SellInput is the exact token input sent to the AMM for a sell of size
// tokens. The curve keeps its fee out of the input, so the input is grossed
// up until no more than size reaches the curve; the seller pays the fee in
// quote instead.
func SellInput(size *big.Int, lpPips uint32) (*big.Int, error) {
	if uint64(lpPips) >= PipsDenominator {
		return nil, ErrInvalidPips
	}
	return fixedpoint.MulDiv(size, pipsDenominator, new(big.Int).SetUint64(PipsDenominator-uint64(lpPips)))
}

// SellOutputAfterLPFee is the exact quote output requested from the AMM so
// that a seller who also pays the curve fee in quote receives about the
// given notional. Each unit of output keeps net/1e6 after protocol and
// extended fees and owes lp/(1e6-lp) to the curve.
func SellOutputAfterLPFee(notional *big.Int, lpPips, protocolPips, extendedPips uint32) (*big.Int, error) {
	net, err := checkPips(protocolPips, extendedPips)
	if err != nil {
		return nil, err
	}
	if uint64(lpPips) >= PipsDenominator {
		return nil, ErrInvalidPips
	}
	lp := new(big.Int).SetUint64(uint64(lpPips))
	rest := new(big.Int).Sub(pipsDenominator, lp)
	keep := new(big.Int).Mul(net, rest)
	keep.Sub(keep, new(big.Int).Mul(lp, pipsDenominator))
	if keep.Sign() <= 0 {
		return nil, ErrInvalidPips
	}
	return fixedpoint.MulDivRoundingUp(notional, new(big.Int).Mul(pipsDenominator, rest), keep)
}

// ToQuote converts a fee paid in token into quote at the execution price of
// the step that charged it. A step that moved no token has no price and its
// dust fee converts to zero.
func ToQuote(feeToken, stepQuote, stepToken *big.Int) (*big.Int, error) {
	if feeToken.Sign() == 0 || stepToken.Sign() == 0 {
		return new(big.Int), nil
	}
	return fixedpoint.MulDiv(feeToken, new(big.Int).Abs(stepQuote), new(big.Int).Abs(stepToken))
}
