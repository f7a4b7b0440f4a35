package gate

// Code identifies a gate check. Codes are ordered: evaluation runs them
// ascending and reports the first failure, so a rejection's code always
// names the highest-priority problem.
type Code int

const (
	ReasonNone Code = iota // allowed

	ReasonExcludedTicker    // 1
	ReasonMaxPositions      // 2
	ReasonMaxExposure       // 3
	ReasonMaxPositionValue  // 4
	ReasonDailyExecutionCap // 5
	ReasonDailyLossLimit    // 6
	ReasonWeeklyLossLimit   // 7
	ReasonConsecutiveLosses // 8
	ReasonIVRankTooHigh     // 9
	ReasonDTETooShort       // 10
	ReasonSpreadTooWide     // 11
	ReasonEarningsBlackout  // 12
	ReasonTimeWindow        // 13
	ReasonHaltActive        // 14
)

var codeNames = map[Code]string{
	ReasonNone:              "allowed",
	ReasonExcludedTicker:    "excluded_ticker",
	ReasonMaxPositions:      "max_positions",
	ReasonMaxExposure:       "max_exposure",
	ReasonMaxPositionValue:  "max_position_value",
	ReasonDailyExecutionCap: "daily_execution_cap",
	ReasonDailyLossLimit:    "daily_loss_limit",
	ReasonWeeklyLossLimit:   "weekly_loss_limit",
	ReasonConsecutiveLosses: "consecutive_losses",
	ReasonIVRankTooHigh:     "iv_rank_too_high",
	ReasonDTETooShort:       "dte_too_short",
	ReasonSpreadTooWide:     "spread_too_wide",
	ReasonEarningsBlackout:  "earnings_blackout",
	ReasonTimeWindow:        "time_window",
	ReasonHaltActive:        "halt_active",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown"
}
