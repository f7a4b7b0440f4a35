package exec

import (
	"testing"

	"github.com/highwatermark/cortexcore/internal/config"
)

func TestSize(t *testing.T) {
	cfg := config.Trading{
		MaxPerTradePct:      0.20,
		MaxPositionValueUSD: 1000,
		MaxTotalExposurePct: 0.25,
	}
	cases := []struct {
		name      string
		equity    float64
		exposure  float64
		limit     float64
		requested int
		want      int
	}{
		// 20% of 10k = 2000, absolute cap 1000, headroom 2500: the
		// absolute cap binds. $5.00 contracts cost $500 each.
		{"absolute_cap_binds", 10000, 0, 5.00, 5, 2},
		{"request_smaller_than_cap", 10000, 0, 5.00, 1, 1},
		// Headroom binds: 2500 - 2000 = 500 left.
		{"exposure_headroom_binds", 10000, 2000, 5.00, 5, 1},
		{"no_headroom", 10000, 2500, 5.00, 5, 0},
		// Per-trade fraction binds on a small account: 20% of 2000 =
		// 400, under one $500 contract.
		{"per_trade_pct_binds", 2000, 0, 5.00, 2, 0},
		{"cheap_contract", 10000, 0, 0.50, 30, 20},
		{"zero_requested", 10000, 0, 5.00, 0, 0},
		{"zero_price", 10000, 0, 0, 5, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Size(cfg, tc.equity, tc.exposure, tc.limit, tc.requested)
			if got != tc.want {
				t.Fatalf("Size = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct {
		name     string
		proposed float64
		ask      float64
		want     float64
	}{
		{"within_buffer", 5.00, 5.00, 5.00},
		{"clamped_to_ask_plus_buffer", 6.00, 5.00, 5.25},
		{"no_ask_passes_through", 6.00, 0, 6.00},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := clampLimit(tc.proposed, tc.ask, 5.0)
			if got != tc.want {
				t.Fatalf("clampLimit = %v, want %v", got, tc.want)
			}
		})
	}
}
