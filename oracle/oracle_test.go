// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package oracle

import (
	"errors"
	"math/big"
	"testing"
)

func TestFeedTwap(t *testing.T) {
	f := NewFeed(16)
	for _, o := range []struct {
		ts    uint64
		price int64
	}{
		{100, 10},
		{200, 20},
		{250, 40},
	} {
		if err := f.Record(o.ts, big.NewInt(o.price)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	tests := []struct {
		name    string
		now     uint64
		window  uint32
		want    int64
		updated uint64
	}{
		// 50s at 20 and 50s at 40
		{"two segments", 300, 100, 30, 250},
		// window reaches before history: 100s@10, 50s@20, 50s@40
		{"clipped to history", 300, 1000, 20, 250},
		{"zero window", 300, 0, 40, 250},
		{"latest segment only", 260, 10, 40, 250},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, updated, err := f.TwapPriceX128(tt.now, tt.window)
			if err != nil {
				t.Fatalf("TwapPriceX128: %v", err)
			}
			if got.Int64() != tt.want {
				t.Errorf("expected %d, got %s", tt.want, got)
			}
			if updated != tt.updated {
				t.Errorf("expected updatedAt %d, got %d", tt.updated, updated)
			}
		})
	}
}

func TestFeedRecordOrdering(t *testing.T) {
	f := NewFeed(2)
	if _, _, err := f.TwapPriceX128(1, 1); !errors.Is(err, ErrNoObservations) {
		t.Errorf("expected ErrNoObservations, got %v", err)
	}
	if err := f.Record(10, big.NewInt(1)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := f.Record(9, big.NewInt(1)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder, got %v", err)
	}
	if err := f.Record(10, big.NewInt(5)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if o, _ := f.Latest(); o.PriceX128.Int64() != 5 {
		t.Errorf("same-timestamp observation should replace, got %s", o.PriceX128)
	}
	if err := f.Record(11, new(big.Int)); !errors.Is(err, ErrNonPositivePrice) {
		t.Errorf("expected ErrNonPositivePrice, got %v", err)
	}
	if _, _, err := f.TwapPriceX128(5, 1); !errors.Is(err, ErrFutureQuery) {
		t.Errorf("expected ErrFutureQuery, got %v", err)
	}

	// Capacity evicts the oldest observation.
	_ = f.Record(20, big.NewInt(2))
	_ = f.Record(30, big.NewInt(3))
	obs := f.Observations()
	if len(obs) != 2 || obs[0].Timestamp != 20 {
		t.Errorf("expected [20 30], got %v", obs)
	}
}

func TestFeedCloneIndependent(t *testing.T) {
	f := NewFeed(4)
	_ = f.Record(1, big.NewInt(1))
	c := f.Clone()
	_ = c.Record(2, big.NewInt(2))
	if o, _ := f.Latest(); o.Timestamp != 1 {
		t.Errorf("clone shares history with original")
	}
}

func TestStatic(t *testing.T) {
	s := Static{PriceX128: big.NewInt(7)}
	p, updated, err := s.TwapPriceX128(99, 300)
	if err != nil {
		t.Fatalf("TwapPriceX128: %v", err)
	}
	if p.Int64() != 7 || updated != 99 {
		t.Errorf("unexpected static result %s at %d", p, updated)
	}
}
