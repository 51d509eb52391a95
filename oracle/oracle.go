// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oracle provides time-weighted prices to the clearing house.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

var (
	ErrNoObservations   = errors.New("no price observations")
	ErrOutOfOrder       = errors.New("observation older than latest")
	ErrNonPositivePrice = errors.New("price must be positive")
	ErrFutureQuery      = errors.New("query time before latest observation")
)

// Oracle returns a Q128 price averaged over the window ending at now, and
// the timestamp of the newest observation it is based on.
type Oracle interface {
	TwapPriceX128(now uint64, window uint32) (*big.Int, uint64, error)
}

// Observation is a price that holds from Timestamp until the next one.
type Observation struct {
	Timestamp uint64
	PriceX128 *big.Int
}

// Feed is a bounded history of price observations.
type Feed struct {
	mu       sync.RWMutex
	capacity int
	obs      []Observation
}

// NewFeed returns a feed keeping at most capacity observations.
func NewFeed(capacity int) *Feed {
	if capacity < 1 {
		capacity = 1
	}
	return &Feed{capacity: capacity}
}

// Record appends an observation. An observation at the latest timestamp
// replaces it.
func (f *Feed) Record(timestamp uint64, priceX128 *big.Int) error {
	if priceX128 == nil || priceX128.Sign() <= 0 {
		return ErrNonPositivePrice
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	o := Observation{Timestamp: timestamp, PriceX128: new(big.Int).Set(priceX128)}
	if n := len(f.obs); n > 0 {
		last := f.obs[n-1].Timestamp
		if timestamp < last {
			return fmt.Errorf("%w: %d < %d", ErrOutOfOrder, timestamp, last)
		}
		if timestamp == last {
			f.obs[n-1] = o
			return nil
		}
	}
	f.obs = append(f.obs, o)
	if len(f.obs) > f.capacity {
		f.obs = append(f.obs[:0:0], f.obs[len(f.obs)-f.capacity:]...)
	}
	return nil
}

// Latest returns the newest observation.
func (f *Feed) Latest() (Observation, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.obs) == 0 {
		return Observation{}, false
	}
	o := f.obs[len(f.obs)-1]
	return Observation{Timestamp: o.Timestamp, PriceX128: new(big.Int).Set(o.PriceX128)}, true
}

// Clone returns an independent copy of the feed.
func (f *Feed) Clone() *Feed {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c := &Feed{capacity: f.capacity, obs: make([]Observation, len(f.obs))}
	for i, o := range f.obs {
		c.obs[i] = Observation{Timestamp: o.Timestamp, PriceX128: new(big.Int).Set(o.PriceX128)}
	}
	return c
}

// Observations returns a copy of the retained history, oldest first.
func (f *Feed) Observations() []Observation {
	return f.Clone().obs
}

// TwapPriceX128 averages the step function defined by the observations over
// [now-window, now]. History older than the first retained observation is
// ignored, and a zero window returns the latest price.
func (f *Feed) TwapPriceX128(now uint64, window uint32) (*big.Int, uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n := len(f.obs)
	if n == 0 {
		return nil, 0, ErrNoObservations
	}
	latest := f.obs[n-1]
	if now < latest.Timestamp {
		return nil, 0, fmt.Errorf("%w: %d < %d", ErrFutureQuery, now, latest.Timestamp)
	}

	start := uint64(0)
	if uint64(window) < now {
		start = now - uint64(window)
	}
	if start < f.obs[0].Timestamp {
		start = f.obs[0].Timestamp
	}
	if window == 0 || start >= now {
		return new(big.Int).Set(latest.PriceX128), latest.Timestamp, nil
	}

	weighted := new(big.Int)
	for i, o := range f.obs {
		end := now
		if i+1 < n {
			end = f.obs[i+1].Timestamp
		}
		from := o.Timestamp
		if from < start {
			from = start
		}
		if end <= from {
			continue
		}
		weighted.Add(weighted, new(big.Int).Mul(o.PriceX128, new(big.Int).SetUint64(end-from)))
	}
	return weighted.Div(weighted, new(big.Int).SetUint64(now-start)), latest.Timestamp, nil
}

// Static is an oracle with a fixed price that is never stale.
type Static struct {
	PriceX128 *big.Int
}

// TwapPriceX128 implements Oracle.
func (s Static) TwapPriceX128(now uint64, _ uint32) (*big.Int, uint64, error) {
	if s.PriceX128 == nil || s.PriceX128.Sign() <= 0 {
		return nil, 0, ErrNonPositivePrice
	}
	return new(big.Int).Set(s.PriceX128), now, nil
}

var (
	_ Oracle = (*Feed)(nil)
	_ Oracle = Static{}
)
