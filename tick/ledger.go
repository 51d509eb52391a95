// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package tick tracks the funding and fee accumulators attributed to the
// outside of each initialized tick.
package tick

import (
	"fmt"
	"math/big"

	"github.com/luxfi/clearinghouse/fixedpoint"
	"github.com/luxfi/clearinghouse/funding"
)

// Snapshot is the outside state of one tick, captured when it was initialized
// or last crossed. SumFpOutsideX128 is only meaningful after extrapolating it
// from SumALastX128 to the current SumA.
type Snapshot struct {
	SumALastX128      *big.Int
	SumBOutsideX128   *big.Int
	SumFpOutsideX128  *big.Int
	SumFeeOutsideX128 *big.Int
}

func zeroSnapshot() *Snapshot {
	return &Snapshot{
		SumALastX128:      new(big.Int),
		SumBOutsideX128:   new(big.Int),
		SumFpOutsideX128:  new(big.Int),
		SumFeeOutsideX128: new(big.Int),
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	return &Snapshot{
		SumALastX128:      fixedpoint.Clone(s.SumALastX128),
		SumBOutsideX128:   fixedpoint.Clone(s.SumBOutsideX128),
		SumFpOutsideX128:  fixedpoint.Clone(s.SumFpOutsideX128),
		SumFeeOutsideX128: fixedpoint.Clone(s.SumFeeOutsideX128),
	}
}

// sumFpAt returns the outside SumFp projected to sumAX128.
func (s *Snapshot) sumFpAt(sumAX128 *big.Int) (*big.Int, error) {
	return funding.ExtrapolatedSumFpX128(s.SumALastX128, s.SumBOutsideX128, s.SumFpOutsideX128, sumAX128)
}

// Inside holds accumulator values attributed to a tick range.
type Inside struct {
	SumAX128         *big.Int
	SumBInsideX128   *big.Int
	SumFpInsideX128  *big.Int
	SumFeeInsideX128 *big.Int
}

// Ledger maps initialized ticks to their snapshots. An absent tick reads as a
// zero snapshot.
type Ledger struct {
	ticks map[int32]*Snapshot
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{ticks: make(map[int32]*Snapshot)}
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{ticks: make(map[int32]*Snapshot, len(l.ticks))}
	for t, s := range l.ticks {
		c.ticks[t] = s.Clone()
	}
	return c
}

// Has reports whether tick has a snapshot.
func (l *Ledger) Has(tick int32) bool {
	_, ok := l.ticks[tick]
	return ok
}

// Len returns the number of initialized ticks.
func (l *Ledger) Len() int {
	return len(l.ticks)
}

// Get returns a copy of the snapshot of tick, zero if absent.
func (l *Ledger) Get(tick int32) *Snapshot {
	if s, ok := l.ticks[tick]; ok {
		return s.Clone()
	}
	return zeroSnapshot()
}

// Set stores a snapshot, used when restoring persisted state.
func (l *Ledger) Set(tick int32, s *Snapshot) {
	l.ticks[tick] = s.Clone()
}

// Ticks calls fn for every initialized tick.
func (l *Ledger) Ticks(fn func(tick int32, s *Snapshot)) {
	for t, s := range l.ticks {
		fn(t, s.Clone())
	}
}

func (l *Ledger) get(tick int32) *Snapshot {
	if s, ok := l.ticks[tick]; ok {
		return s
	}
	return zeroSnapshot()
}

// Initialize seeds a newly referenced tick. Everything accrued so far is
// attributed below the current price, so ticks at or below currentTick start
// from the global values and ticks above start from zero. Initializing an
// existing tick is a no-op.
func (l *Ledger) Initialize(tick int32, g *funding.Global, sumFeeGlobalX128 *big.Int, currentTick int32) {
	if l.Has(tick) {
		return
	}
	s := zeroSnapshot()
	if tick <= currentTick {
		s.SumALastX128.Set(g.SumAX128)
		s.SumBOutsideX128.Set(g.SumBX128)
		s.SumFpOutsideX128.Set(g.SumFpX128)
		s.SumFeeOutsideX128.Set(sumFeeGlobalX128)
	}
	l.ticks[tick] = s
}

// Cross flips the outside values of tick when the price moves through it.
// Crossing an uninitialized tick is a no-op.
func (l *Ledger) Cross(tick int32, g *funding.Global, sumFeeGlobalX128 *big.Int) error {
	s, ok := l.ticks[tick]
	if !ok {
		return nil
	}
	fp, err := s.sumFpAt(g.SumAX128)
	if err != nil {
		return fmt.Errorf("cross tick %d: %w", tick, err)
	}
	s.SumFpOutsideX128 = new(big.Int).Sub(g.SumFpX128, fp)
	s.SumALastX128 = new(big.Int).Set(g.SumAX128)
	s.SumBOutsideX128 = new(big.Int).Sub(g.SumBX128, s.SumBOutsideX128)
	s.SumFeeOutsideX128 = new(big.Int).Sub(sumFeeGlobalX128, s.SumFeeOutsideX128)
	return nil
}

// Clear discards the snapshot of a tick no liquidity references any more.
func (l *Ledger) Clear(tick int32) {
	delete(l.ticks, tick)
}

// ValuesInside returns the accumulators attributed to [tickLower, tickUpper).
// SumAX128 is always the global value; the funding rate does not depend on the
// range.
func (l *Ledger) ValuesInside(tickLower, tickUpper int32, g *funding.Global, sumFeeGlobalX128 *big.Int, currentTick int32) (*Inside, error) {
	if tickLower >= tickUpper {
		return nil, fmt.Errorf("invalid range [%d, %d)", tickLower, tickUpper)
	}
	lower := l.get(tickLower)
	upper := l.get(tickUpper)

	lowerFp, err := lower.sumFpAt(g.SumAX128)
	if err != nil {
		return nil, err
	}
	upperFp, err := upper.sumFpAt(g.SumAX128)
	if err != nil {
		return nil, err
	}

	var (
		belowB, belowFp, belowFee *big.Int
		aboveB, aboveFp, aboveFee *big.Int
	)
	if tickLower <= currentTick {
		belowB, belowFp, belowFee = lower.SumBOutsideX128, lowerFp, lower.SumFeeOutsideX128
	} else {
		belowB = new(big.Int).Sub(g.SumBX128, lower.SumBOutsideX128)
		belowFp = new(big.Int).Sub(g.SumFpX128, lowerFp)
		belowFee = new(big.Int).Sub(sumFeeGlobalX128, lower.SumFeeOutsideX128)
	}
	if currentTick < tickUpper {
		aboveB, aboveFp, aboveFee = upper.SumBOutsideX128, upperFp, upper.SumFeeOutsideX128
	} else {
		aboveB = new(big.Int).Sub(g.SumBX128, upper.SumBOutsideX128)
		aboveFp = new(big.Int).Sub(g.SumFpX128, upperFp)
		aboveFee = new(big.Int).Sub(sumFeeGlobalX128, upper.SumFeeOutsideX128)
	}

	inside := func(global, below, above *big.Int) *big.Int {
		v := new(big.Int).Sub(global, below)
		return v.Sub(v, above)
	}
	return &Inside{
		SumAX128:         new(big.Int).Set(g.SumAX128),
		SumBInsideX128:   inside(g.SumBX128, belowB, aboveB),
		SumFpInsideX128:  inside(g.SumFpX128, belowFp, aboveFp),
		SumFeeInsideX128: inside(sumFeeGlobalX128, belowFee, aboveFee),
	}, nil
}
