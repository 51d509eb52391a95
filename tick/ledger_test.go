// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tick

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/clearinghouse/fixedpoint"
	"github.com/luxfi/clearinghouse/funding"
)

const (
	minTick = -887272
	maxTick = 887272
)

var (
	realPrice    = new(big.Int).Mul(big.NewInt(105), fixedpoint.Q128)
	virtualPrice = new(big.Int).Mul(big.NewInt(100), fixedpoint.Q128)
	liquidity    = big.NewInt(1_000_000)
)

func tradedGlobal(t *testing.T) *funding.Global {
	t.Helper()
	g := funding.NewGlobal(0)
	require.NoError(t, g.Update(big.NewInt(40_000), liquidity, 100, realPrice, virtualPrice))
	require.NoError(t, g.Update(big.NewInt(-15_000), liquidity, 700, realPrice, virtualPrice))
	require.NoError(t, g.Advance(2000, realPrice, virtualPrice, liquidity))
	return g
}

func TestInitializeSeeding(t *testing.T) {
	g := tradedGlobal(t)
	fee := big.NewInt(12345)
	l := NewLedger()

	l.Initialize(-60, g, fee, 0)
	l.Initialize(0, g, fee, 0)
	l.Initialize(60, g, fee, 0)

	tests := []struct {
		tick   int32
		seeded bool
	}{
		{-60, true},
		{0, true},
		{60, false},
	}
	for _, tt := range tests {
		s := l.Get(tt.tick)
		if tt.seeded {
			if s.SumBOutsideX128.Cmp(g.SumBX128) != 0 || s.SumFeeOutsideX128.Cmp(fee) != 0 {
				t.Errorf("tick %d: expected global seed", tt.tick)
			}
		} else if s.SumBOutsideX128.Sign() != 0 || s.SumALastX128.Sign() != 0 {
			t.Errorf("tick %d: expected zero seed", tt.tick)
		}
	}

	// Initializing twice keeps the first snapshot.
	g2 := g.Clone()
	g2.SumBX128.Add(g2.SumBX128, big.NewInt(1))
	l.Initialize(0, g2, fee, 0)
	if l.Get(0).SumBOutsideX128.Cmp(g.SumBX128) != 0 {
		t.Errorf("re-initialization overwrote snapshot")
	}
}

func TestFullRangeEqualsGlobal(t *testing.T) {
	require := require.New(t)

	g := funding.NewGlobal(0)
	fee := new(big.Int)
	l := NewLedger()
	l.Initialize(-120, g, fee, 0)
	l.Initialize(120, g, fee, 0)

	current := int32(0)
	steps := []struct {
		ts    uint64
		delta int64
		cross int32
		dir   int32
	}{
		{10, 5000, 120, 120},
		{50, -9000, 120, 119},
		{90, -3000, -120, -121},
		{130, 7000, -120, -120},
	}
	for _, s := range steps {
		require.NoError(g.Update(big.NewInt(s.delta), liquidity, s.ts, realPrice, virtualPrice))
		fee.Add(fee, big.NewInt(777))
		require.NoError(l.Cross(s.cross, g, fee))
		current = s.dir

		in, err := l.ValuesInside(minTick, maxTick, g, fee, current)
		require.NoError(err)
		require.Equal(g.SumAX128.String(), in.SumAX128.String())
		require.Equal(g.SumBX128.String(), in.SumBInsideX128.String())
		require.Equal(g.SumFpX128.String(), in.SumFpInsideX128.String())
		require.Equal(fee.String(), in.SumFeeInsideX128.String())
	}
}

func TestRangeBelowCurrentSeededZero(t *testing.T) {
	g := tradedGlobal(t)
	fee := big.NewInt(999)
	l := NewLedger()
	l.Initialize(-200, g, fee, 50)
	l.Initialize(-100, g, fee, 50)

	in, err := l.ValuesInside(-200, -100, g, fee, 50)
	if err != nil {
		t.Fatalf("ValuesInside: %v", err)
	}
	if in.SumBInsideX128.Sign() != 0 || in.SumFpInsideX128.Sign() != 0 || in.SumFeeInsideX128.Sign() != 0 {
		t.Errorf("expected zero inside values, got b=%s fp=%s fee=%s", in.SumBInsideX128, in.SumFpInsideX128, in.SumFeeInsideX128)
	}
	if in.SumAX128.Cmp(g.SumAX128) != 0 || in.SumAX128.Sign() == 0 {
		t.Errorf("expected global sumA %s, got %s", g.SumAX128, in.SumAX128)
	}
}

func TestRangeAboveCurrentSeededZero(t *testing.T) {
	g := tradedGlobal(t)
	fee := big.NewInt(999)
	l := NewLedger()
	l.Initialize(100, g, fee, 50)
	l.Initialize(200, g, fee, 50)

	in, err := l.ValuesInside(100, 200, g, fee, 50)
	if err != nil {
		t.Fatalf("ValuesInside: %v", err)
	}
	if in.SumBInsideX128.Sign() != 0 || in.SumFpInsideX128.Sign() != 0 || in.SumFeeInsideX128.Sign() != 0 {
		t.Errorf("expected zero inside values")
	}
}

func TestLowerTickAtCurrentCountsBelow(t *testing.T) {
	g := tradedGlobal(t)
	fee := big.NewInt(5)
	l := NewLedger()
	l.Initialize(0, g, fee, 0)
	l.Initialize(60, g, fee, 0)

	in, err := l.ValuesInside(0, 60, g, fee, 0)
	if err != nil {
		t.Fatalf("ValuesInside: %v", err)
	}
	if in.SumBInsideX128.Sign() != 0 || in.SumFeeInsideX128.Sign() != 0 {
		t.Errorf("range starting at current tick must start empty")
	}

	// Flow at the current tick now accrues inside the range.
	require.NoError(t, g.Update(big.NewInt(250), liquidity, 2500, realPrice, virtualPrice))
	in, err = l.ValuesInside(0, 60, g, fee, 0)
	require.NoError(t, err)
	want := new(big.Int).Mul(big.NewInt(250), fixedpoint.Q128)
	want.Quo(want, liquidity)
	require.Equal(t, want.String(), in.SumBInsideX128.String())
}

func TestInsideAccruesOnlyWhileActive(t *testing.T) {
	require := require.New(t)

	g := funding.NewGlobal(0)
	fee := new(big.Int)
	l := NewLedger()
	l.Initialize(10, g, fee, 0)
	l.Initialize(20, g, fee, 0)

	// Flow below the range.
	require.NoError(g.Update(big.NewInt(3000), liquidity, 10, realPrice, virtualPrice))
	fee.SetInt64(100)

	// Price moves up into the range.
	require.NoError(l.Cross(10, g, fee))
	current := int32(10)

	require.NoError(g.Update(big.NewInt(2000), liquidity, 20, realPrice, virtualPrice))
	fee.SetInt64(160)

	in, err := l.ValuesInside(10, 20, g, fee, current)
	require.NoError(err)
	b2 := new(big.Int).Div(new(big.Int).Mul(big.NewInt(2000), fixedpoint.Q128), liquidity)
	require.Equal(b2.String(), in.SumBInsideX128.String())
	require.Equal("60", in.SumFeeInsideX128.String())

	// Price leaves through the top; inside values freeze.
	require.NoError(l.Cross(20, g, fee))
	current = 20
	frozen, err := l.ValuesInside(10, 20, g, fee, current)
	require.NoError(err)

	require.NoError(g.Update(big.NewInt(-500), liquidity, 40, realPrice, virtualPrice))
	fee.SetInt64(400)
	later, err := l.ValuesInside(10, 20, g, fee, current)
	require.NoError(err)
	require.Equal(frozen.SumBInsideX128.String(), later.SumBInsideX128.String())
	require.Equal(frozen.SumFeeInsideX128.String(), later.SumFeeInsideX128.String())
}

func TestCrossTwiceRestores(t *testing.T) {
	g := tradedGlobal(t)
	fee := big.NewInt(42)
	l := NewLedger()
	l.Initialize(30, g, fee, 0)
	before := l.Get(30)

	require.NoError(t, l.Cross(30, g, fee))
	require.NoError(t, l.Cross(30, g, fee))
	after := l.Get(30)
	require.Equal(t, before.SumBOutsideX128.String(), after.SumBOutsideX128.String())
	require.Equal(t, before.SumFeeOutsideX128.String(), after.SumFeeOutsideX128.String())
}

func TestClearAndClone(t *testing.T) {
	g := funding.NewGlobal(0)
	l := NewLedger()
	l.Initialize(5, g, new(big.Int), 10)
	c := l.Clone()
	l.Clear(5)
	if l.Has(5) {
		t.Errorf("expected tick cleared")
	}
	if !c.Has(5) {
		t.Errorf("clone lost tick")
	}
	if err := l.Cross(5, g, new(big.Int)); err != nil {
		t.Errorf("crossing a cleared tick should be a no-op, got %v", err)
	}
}

func TestValuesInsideRejectsInvertedRange(t *testing.T) {
	l := NewLedger()
	if _, err := l.ValuesInside(10, 10, funding.NewGlobal(0), new(big.Int), 0); err == nil {
		t.Errorf("expected error for empty range")
	}
}
