// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clearinghouse

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clearinghouse"

type metrics struct {
	operations       *prometheus.CounterVec
	trades           prometheus.Counter
	tradedNotional   prometheus.Counter
	liquidityChanges prometheus.Counter
	liquidations     *prometheus.CounterVec
	badDebt          prometheus.Counter
	insuranceFund    prometheus.Gauge
	protocolTreasury prometheus.Gauge
}

// newMetrics creates the collectors. A nil registerer leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Operations by name and outcome",
		}, []string{"op", "result"}),
		trades: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Swaps executed against a market",
		}),
		tradedNotional: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traded_notional_total",
			Help:      "Quote notional exchanged with markets",
		}),
		liquidityChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidity_changes_total",
			Help:      "Range order updates",
		}),
		liquidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Liquidations by kind",
		}, []string{"kind"}),
		badDebt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_debt_covered_total",
			Help:      "Bad debt paid by the insurance fund",
		}),
		insuranceFund: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "insurance_fund_balance",
			Help:      "Insurance fund balance in settlement units",
		}),
		protocolTreasury: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "protocol_treasury",
			Help:      "Protocol fees accrued across markets",
		}),
	}
}

func toFloat(x *big.Int) float64 {
	f, _ := new(big.Float).SetInt(x).Float64()
	return f
}

func (m *metrics) observeResult(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *metrics) observeSwap(out *swapOutcome) {
	m.trades.Inc()
	m.tradedNotional.Add(toFloat(out.Notional))
}

func (m *metrics) observeLiquidation(ev *LiquidationEvent) {
	m.liquidations.WithLabelValues(ev.Kind.String()).Inc()
	if ev.BadDebtCovered != nil && ev.BadDebtCovered.Sign() > 0 {
		m.badDebt.Add(toFloat(ev.BadDebtCovered))
	}
}
