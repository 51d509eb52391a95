// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clearinghouse

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultParamsVerify(t *testing.T) {
	require.NoError(t, DefaultParams().Verify())
	require.NoError(t, DefaultMarketParams().Verify())
}

func TestParseParams(t *testing.T) {
	p, err := ParseParams(nil)
	require.NoError(t, err)
	require.Equal(t, DefaultParams(), p)

	p, err = ParseParams([]byte(`{
		"fixFee": "2500",
		"liquidation": {"insuranceFundFeeShareBps": 2000}
	}`))
	require.NoError(t, err)
	require.Equal(t, int64(2500), p.FixFee.Int64())
	require.Equal(t, uint32(2000), p.Liquidation.InsuranceFundFeeShareBps)
	require.Equal(t, uint32(3_000), p.Liquidation.TokenLiquidationFeeFraction)

	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{`},
		{"non numeric amount", `{"fixFee": "ten"}`},
		{"negative amount", `{"minRequiredMargin": "-1"}`},
		{"share above 100%", `{"liquidation": {"insuranceFundFeeShareBps": 10001}}`},
		{"zero close factor", `{"liquidation": {"partialLiquidationCloseFactorBps": 0}}`},
		{"full slippage", `{"liquidation": {"liquidationSlippageSqrtToleranceBps": 10000}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseParams([]byte(tt.json))
			require.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestParseMarketParams(t *testing.T) {
	p, err := ParseMarketParams([]byte(`{"twapDuration": 900, "isAllowedForTrade": false}`))
	require.NoError(t, err)
	require.Equal(t, uint32(900), p.TwapDuration)
	require.False(t, p.IsAllowedForTrade)
	require.Equal(t, uint32(20_000), p.InitialMarginRatio)

	tests := []struct {
		name string
		json string
	}{
		{"initial below maintenance", `{"initialMarginRatio": 5000}`},
		{"zero maintenance", `{"maintenanceMarginRatio": 0}`},
		{"initial above 100%", `{"initialMarginRatio": 100001}`},
		{"zero twap", `{"twapDuration": 0}`},
		{"fees at 100%", `{"protocolFeePips": 500000, "extendedFeePips": 500000}`},
		{"wrong type", `{"twapDuration": "slow"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMarketParams([]byte(tt.json))
			require.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestAmountJSON(t *testing.T) {
	b, err := json.Marshal(NewAmount(-42))
	require.NoError(t, err)
	require.JSONEq(t, `"-42"`, string(b))

	b, err = json.Marshal(Amount{})
	require.NoError(t, err)
	require.JSONEq(t, `"0"`, string(b))

	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`"340282366920938463463374607431768211456"`), &a))
	require.Equal(t, "340282366920938463463374607431768211456", a.String())
}
