// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"errors"
	"math"
	"math/big"
	"sort"

	"github.com/luxfi/codec"
	"github.com/luxfi/codec/linearcodec"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/clearinghouse/clearinghouse"
	"github.com/luxfi/clearinghouse/fee"
	"github.com/luxfi/clearinghouse/funding"
	"github.com/luxfi/clearinghouse/tick"
)

const codecVersion = 0

// Codec serializes persisted records.
var Codec codec.Manager

func init() {
	Codec = codec.NewManager(math.MaxInt)
	lc := linearcodec.NewDefault()

	err := errors.Join(
		lc.RegisterType(&accountRecord{}),
		lc.RegisterType(&marketRecord{}),
		lc.RegisterType(&insuranceRecord{}),
		Codec.RegisterCodec(codecVersion, lc),
	)
	if err != nil {
		panic(err)
	}
}

type bigInt struct {
	Neg bool   `serialize:"true"`
	Abs []byte `serialize:"true"`
}

func fromBig(x *big.Int) bigInt {
	if x == nil {
		return bigInt{}
	}
	return bigInt{Neg: x.Sign() < 0, Abs: x.Bytes()}
}

func (b bigInt) toBig() *big.Int {
	x := new(big.Int).SetBytes(b.Abs)
	if b.Neg {
		x.Neg(x)
	}
	return x
}

type collateralRecord struct {
	Token  [common.AddressLength]byte `serialize:"true"`
	Amount bigInt                     `serialize:"true"`
}

type rangeRecord struct {
	TickLower            int32  `serialize:"true"`
	TickUpper            int32  `serialize:"true"`
	Liquidity            bigInt `serialize:"true"`
	LimitOrderType       uint8  `serialize:"true"`
	SumALastX128         bigInt `serialize:"true"`
	SumBInsideLastX128   bigInt `serialize:"true"`
	SumFpInsideLastX128  bigInt `serialize:"true"`
	SumFeeInsideLastX128 bigInt `serialize:"true"`
}

type positionRecord struct {
	Market       [32]byte      `serialize:"true"`
	Balance      bigInt        `serialize:"true"`
	NetQuote     bigInt        `serialize:"true"`
	SumALastX128 bigInt        `serialize:"true"`
	Margin       bigInt        `serialize:"true"`
	Ranges       []rangeRecord `serialize:"true"`
}

type accountRecord struct {
	ID         uint64                     `serialize:"true"`
	Owner      [common.AddressLength]byte `serialize:"true"`
	Mode       uint8                      `serialize:"true"`
	Collateral []collateralRecord         `serialize:"true"`
	Positions  []positionRecord           `serialize:"true"`
}

func encodeAccount(a *clearinghouse.Account) *accountRecord {
	r := &accountRecord{
		ID:    a.ID,
		Owner: a.Owner,
		Mode:  uint8(a.Mode),
	}
	for _, token := range a.CollateralTokens() {
		r.Collateral = append(r.Collateral, collateralRecord{
			Token:  token,
			Amount: fromBig(a.Collateral[token]),
		})
	}
	for _, id := range a.MarketIDs() {
		tp := a.Positions[id]
		p := positionRecord{
			Market:       id,
			Balance:      fromBig(tp.Balance),
			NetQuote:     fromBig(tp.NetQuote),
			SumALastX128: fromBig(tp.SumALastX128),
			Margin:       fromBig(tp.Margin),
		}
		for _, lp := range tp.SortedRanges() {
			p.Ranges = append(p.Ranges, rangeRecord{
				TickLower:            lp.TickLower,
				TickUpper:            lp.TickUpper,
				Liquidity:            fromBig(lp.Liquidity),
				LimitOrderType:       uint8(lp.LimitOrderType),
				SumALastX128:         fromBig(lp.SumALastX128),
				SumBInsideLastX128:   fromBig(lp.SumBInsideLastX128),
				SumFpInsideLastX128:  fromBig(lp.SumFpInsideLastX128),
				SumFeeInsideLastX128: fromBig(lp.SumFeeInsideLastX128),
			})
		}
		r.Positions = append(r.Positions, p)
	}
	return r
}

func (r *accountRecord) decode() *clearinghouse.Account {
	a := &clearinghouse.Account{
		ID:         r.ID,
		Owner:      r.Owner,
		Mode:       clearinghouse.MarginMode(r.Mode),
		Collateral: make(map[common.Address]*big.Int, len(r.Collateral)),
		Positions:  make(map[clearinghouse.MarketID]*clearinghouse.TokenPosition, len(r.Positions)),
	}
	for _, c := range r.Collateral {
		a.Collateral[c.Token] = c.Amount.toBig()
	}
	for _, p := range r.Positions {
		tp := &clearinghouse.TokenPosition{
			Balance:      p.Balance.toBig(),
			NetQuote:     p.NetQuote.toBig(),
			SumALastX128: p.SumALastX128.toBig(),
			Margin:       p.Margin.toBig(),
			Ranges:       make(map[clearinghouse.RangeKey]*clearinghouse.LiquidityPosition, len(p.Ranges)),
		}
		for _, rr := range p.Ranges {
			lp := &clearinghouse.LiquidityPosition{
				TickLower:            rr.TickLower,
				TickUpper:            rr.TickUpper,
				Liquidity:            rr.Liquidity.toBig(),
				LimitOrderType:       clearinghouse.LimitOrderType(rr.LimitOrderType),
				SumALastX128:         rr.SumALastX128.toBig(),
				SumBInsideLastX128:   rr.SumBInsideLastX128.toBig(),
				SumFpInsideLastX128:  rr.SumFpInsideLastX128.toBig(),
				SumFeeInsideLastX128: rr.SumFeeInsideLastX128.toBig(),
			}
			tp.Ranges[lp.Key()] = lp
		}
		a.Positions[p.Market] = tp
	}
	return a
}

type paramsRecord struct {
	InitialMarginRatio     uint32 `serialize:"true"`
	MaintenanceMarginRatio uint32 `serialize:"true"`
	TwapDuration           uint32 `serialize:"true"`
	IsAllowedForTrade      bool   `serialize:"true"`
	ProtocolFeePips        uint32 `serialize:"true"`
	ExtendedFeePips        uint32 `serialize:"true"`
}

type tickRecord struct {
	Tick              int32  `serialize:"true"`
	SumALastX128      bigInt `serialize:"true"`
	SumBOutsideX128   bigInt `serialize:"true"`
	SumFpOutsideX128  bigInt `serialize:"true"`
	SumFeeOutsideX128 bigInt `serialize:"true"`
}

func sortTicks(ticks []tickRecord) {
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Tick < ticks[j].Tick })
}

type marketRecord struct {
	ID     [32]byte                   `serialize:"true"`
	VToken [common.AddressLength]byte `serialize:"true"`
	Params paramsRecord               `serialize:"true"`

	SumAX128      bigInt `serialize:"true"`
	SumBX128      bigInt `serialize:"true"`
	SumFpX128     bigInt `serialize:"true"`
	TimestampLast uint64 `serialize:"true"`

	SumFeeGlobalX128    bigInt `serialize:"true"`
	SumExtFeeGlobalX128 bigInt `serialize:"true"`
	ProtocolFees        bigInt `serialize:"true"`

	Ticks        []tickRecord `serialize:"true"`
	SqrtPriceX96 bigInt       `serialize:"true"`
	Tick         int32        `serialize:"true"`
	Liquidity    bigInt       `serialize:"true"`
}

func encodeMarket(s *clearinghouse.MarketState) *marketRecord {
	p := s.Params
	r := &marketRecord{
		ID:     s.ID,
		VToken: s.VToken,
		Params: paramsRecord{
			InitialMarginRatio:     p.InitialMarginRatio,
			MaintenanceMarginRatio: p.MaintenanceMarginRatio,
			TwapDuration:           p.TwapDuration,
			IsAllowedForTrade:      p.IsAllowedForTrade,
			ProtocolFeePips:        p.ProtocolFeePips,
			ExtendedFeePips:        p.ExtendedFeePips,
		},
		SumAX128:            fromBig(s.Global.SumAX128),
		SumBX128:            fromBig(s.Global.SumBX128),
		SumFpX128:           fromBig(s.Global.SumFpX128),
		TimestampLast:       s.Global.TimestampLast,
		SumFeeGlobalX128:    fromBig(s.Fees.SumFeeGlobalX128),
		SumExtFeeGlobalX128: fromBig(s.Fees.SumExtFeeGlobalX128),
		ProtocolFees:        fromBig(s.Fees.ProtocolFees),
		SqrtPriceX96:        fromBig(s.SqrtPriceX96),
		Tick:                s.Tick,
		Liquidity:           fromBig(s.Liquidity),
	}
	r.Ticks = make([]tickRecord, 0, len(s.Ticks))
	for t, snap := range s.Ticks {
		r.Ticks = append(r.Ticks, tickRecord{
			Tick:              t,
			SumALastX128:      fromBig(snap.SumALastX128),
			SumBOutsideX128:   fromBig(snap.SumBOutsideX128),
			SumFpOutsideX128:  fromBig(snap.SumFpOutsideX128),
			SumFeeOutsideX128: fromBig(snap.SumFeeOutsideX128),
		})
	}
	sortTicks(r.Ticks)
	return r
}

func (r *marketRecord) decode() *clearinghouse.MarketState {
	s := &clearinghouse.MarketState{
		ID:     r.ID,
		VToken: r.VToken,
		Params: clearinghouse.MarketParams{
			InitialMarginRatio:     r.Params.InitialMarginRatio,
			MaintenanceMarginRatio: r.Params.MaintenanceMarginRatio,
			TwapDuration:           r.Params.TwapDuration,
			IsAllowedForTrade:      r.Params.IsAllowedForTrade,
			ProtocolFeePips:        r.Params.ProtocolFeePips,
			ExtendedFeePips:        r.Params.ExtendedFeePips,
		},
		Global: &funding.Global{
			SumAX128:      r.SumAX128.toBig(),
			SumBX128:      r.SumBX128.toBig(),
			SumFpX128:     r.SumFpX128.toBig(),
			TimestampLast: r.TimestampLast,
		},
		Fees: &fee.Ledger{
			SumFeeGlobalX128:    r.SumFeeGlobalX128.toBig(),
			SumExtFeeGlobalX128: r.SumExtFeeGlobalX128.toBig(),
			ProtocolFees:        r.ProtocolFees.toBig(),
		},
		Ticks:        make(map[int32]*tick.Snapshot, len(r.Ticks)),
		SqrtPriceX96: r.SqrtPriceX96.toBig(),
		Tick:         r.Tick,
		Liquidity:    r.Liquidity.toBig(),
	}
	for _, t := range r.Ticks {
		s.Ticks[t.Tick] = &tick.Snapshot{
			SumALastX128:      t.SumALastX128.toBig(),
			SumBOutsideX128:   t.SumBOutsideX128.toBig(),
			SumFpOutsideX128:  t.SumFpOutsideX128.toBig(),
			SumFeeOutsideX128: t.SumFeeOutsideX128.toBig(),
		}
	}
	return s
}

type insuranceRecord struct {
	Balance   bigInt `serialize:"true"`
	Covered   bigInt `serialize:"true"`
	Uncovered bigInt `serialize:"true"`
}

func encodeInsuranceFund(f *clearinghouse.InsuranceFund) *insuranceRecord {
	return &insuranceRecord{
		Balance:   fromBig(f.Balance),
		Covered:   fromBig(f.Covered),
		Uncovered: fromBig(f.Uncovered),
	}
}

func (r *insuranceRecord) decode() *clearinghouse.InsuranceFund {
	return &clearinghouse.InsuranceFund{
		Balance:   r.Balance.toBig(),
		Covered:   r.Covered.toBig(),
		Uncovered: r.Uncovered.toBig(),
	}
}
