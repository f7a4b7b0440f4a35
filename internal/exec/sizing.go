package exec

import "github.com/highwatermark/cortexcore/internal/config"

// Size caps a requested contract count so the resulting notional fits
// under all three sizing limits at once: the per-trade fraction of
// equity, the absolute per-position cap, and whatever exposure headroom
// remains under the portfolio cap. Returns 0 when no contract fits.
func Size(cfg config.Trading, equity, openExposure, limitPrice float64, requested int) int {
	if requested <= 0 || limitPrice <= 0 {
		return 0
	}
	perContract := limitPrice * 100

	maxNotional := cfg.MaxPerTradePct * equity
	if cfg.MaxPositionValueUSD < maxNotional {
		maxNotional = cfg.MaxPositionValueUSD
	}
	headroom := cfg.MaxTotalExposurePct*equity - openExposure
	if headroom < maxNotional {
		maxNotional = headroom
	}
	if maxNotional < perContract {
		return 0
	}
	contracts := int(maxNotional / perContract)
	if contracts > requested {
		contracts = requested
	}
	return contracts
}
