// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clearinghouse

import (
	"time"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Config wires a ClearingHouse to its environment.
type Config struct {
	Log log.Logger
	// Clock returns the current unix time in seconds.
	Clock func() uint64
	// Store persists state after every successful operation. Optional.
	Store StateStore
	// Registerer receives the clearing house metrics. Optional.
	Registerer prometheus.Registerer
	// SettlementToken is the collateral margin and fees are denominated in.
	SettlementToken common.Address
	Params          Params
	// ObservationCapacity bounds the virtual price history kept per market.
	ObservationCapacity int
	// LiquidationHistory bounds the liquidation events kept in memory.
	LiquidationHistory int
}

// DefaultConfig returns a config with a no-op logger and the wall clock.
func DefaultConfig() Config {
	return Config{
		Log:                 log.NewNoOpLogger(),
		Clock:               func() uint64 { return uint64(time.Now().Unix()) },
		Params:              DefaultParams(),
		ObservationCapacity: 1024,
		LiquidationHistory:  256,
	}
}
