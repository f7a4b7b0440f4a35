// Package gate is the safety gate in front of every order. It is the
// last deterministic word on whether a proposed trade runs: the decision
// layer proposes, the gate disposes, and there is no override path.
package gate

import (
	"fmt"
	"time"

	"github.com/highwatermark/cortexcore/internal/config"
	"github.com/highwatermark/cortexcore/internal/market"
	"github.com/highwatermark/cortexcore/internal/observ"
)

// Candidate is a proposed entry, reduced to the plain values the checks
// need. The gate never sees, and never branches on, why the decision
// layer proposed it.
type Candidate struct {
	SignalID     string
	Ticker       string
	OptionSymbol string
	Contracts    int
	LimitPrice   float64
	Notional     float64 // contracts * limit * 100
	IVRank       float64
	DTE          int
	Bid          float64
	Ask          float64
	// DaysToEarnings is -1 when the earnings calendar has no answer.
	DaysToEarnings int
}

// Snapshot is the portfolio and control state the gate evaluates
// against, assembled once per tick so every candidate in a tick sees the
// same world.
type Snapshot struct {
	Equity             float64
	OpenPositions      int
	OpenExposure       float64
	FilledEntriesToday int
	RealizedLossToday  float64 // positive = loss
	RealizedLossWeek   float64
	ConsecutiveLosses  int
	BreakersTripped    []string
	KillSwitchEngaged  bool
}

// Decision is the gate's verdict. Checked lists every check that ran,
// in order; on rejection Reason is the first failure and also the last
// element of Checked.
type Decision struct {
	Allowed bool
	Reason  Code
	Checked []Code
}

type Gate struct {
	trading config.Trading
	risk    config.Risk
	monitor config.Monitor
	cal     *market.Calendar
	audit   *Auditor
}

func New(cfg *config.Root, cal *market.Calendar, audit *Auditor) *Gate {
	return &Gate{
		trading: cfg.Trading,
		risk:    cfg.Risk,
		monitor: cfg.Monitor,
		cal:     cal,
		audit:   audit,
	}
}

type check struct {
	code Code
	fail func() (bool, string)
}

// EvaluateEntry runs the full check sequence against one candidate,
// short-circuiting on the first failure. Every evaluation, allowed or
// not, lands in the audit trail.
func (g *Gate) EvaluateEntry(c Candidate, snap Snapshot, now time.Time) Decision {
	checks := []check{
		{ReasonExcludedTicker, func() (bool, string) {
			if g.trading.Excluded(c.Ticker) {
				return true, fmt.Sprintf("%s is excluded", c.Ticker)
			}
			return false, ""
		}},
		{ReasonMaxPositions, func() (bool, string) {
			if snap.OpenPositions >= g.trading.MaxPositions {
				return true, fmt.Sprintf("%d open positions at cap %d",
					snap.OpenPositions, g.trading.MaxPositions)
			}
			return false, ""
		}},
		{ReasonMaxExposure, func() (bool, string) {
			// A zero-notional candidate adds no exposure and is not
			// subject to this check even at the cap.
			if c.Notional <= 0 {
				return false, ""
			}
			capUSD := snap.Equity * g.trading.MaxTotalExposurePct
			if snap.OpenExposure+c.Notional > capUSD {
				return true, fmt.Sprintf("exposure $%.2f + $%.2f exceeds cap $%.2f",
					snap.OpenExposure, c.Notional, capUSD)
			}
			return false, ""
		}},
		{ReasonMaxPositionValue, func() (bool, string) {
			if c.Notional > g.trading.MaxPositionValueUSD {
				return true, fmt.Sprintf("notional $%.2f over per-position cap $%.2f",
					c.Notional, g.trading.MaxPositionValueUSD)
			}
			return false, ""
		}},
		{ReasonDailyExecutionCap, func() (bool, string) {
			if snap.FilledEntriesToday >= g.trading.MaxExecutionsPerDay {
				return true, fmt.Sprintf("%d entries filled today at cap %d",
					snap.FilledEntriesToday, g.trading.MaxExecutionsPerDay)
			}
			return false, ""
		}},
		{ReasonDailyLossLimit, func() (bool, string) {
			limit := snap.Equity * g.monitor.MaxDailyLossPct
			if snap.RealizedLossToday > limit {
				return true, fmt.Sprintf("daily loss $%.2f over limit $%.2f",
					snap.RealizedLossToday, limit)
			}
			return false, ""
		}},
		{ReasonWeeklyLossLimit, func() (bool, string) {
			limit := snap.Equity * g.monitor.MaxWeeklyLossPct
			if snap.RealizedLossWeek > limit {
				return true, fmt.Sprintf("weekly loss $%.2f over limit $%.2f",
					snap.RealizedLossWeek, limit)
			}
			return false, ""
		}},
		{ReasonConsecutiveLosses, func() (bool, string) {
			if snap.ConsecutiveLosses >= g.monitor.MaxConsecutiveLosses {
				return true, fmt.Sprintf("%d consecutive losses at limit %d",
					snap.ConsecutiveLosses, g.monitor.MaxConsecutiveLosses)
			}
			return false, ""
		}},
		{ReasonIVRankTooHigh, func() (bool, string) {
			if c.IVRank > g.risk.MaxIVRankForEntry {
				return true, fmt.Sprintf("IV rank %.1f over cap %.1f",
					c.IVRank, g.risk.MaxIVRankForEntry)
			}
			return false, ""
		}},
		{ReasonDTETooShort, func() (bool, string) {
			if c.DTE < g.risk.MinDTEForEntry {
				return true, fmt.Sprintf("%d DTE under minimum %d",
					c.DTE, g.risk.MinDTEForEntry)
			}
			return false, ""
		}},
		{ReasonSpreadTooWide, func() (bool, string) {
			if c.Bid <= 0 || c.Ask <= 0 {
				// Quote unavailable: fail open, but say so.
				observ.Log("gate_spread_unavailable", map[string]any{
					"signal_id": c.SignalID, "ticker": c.Ticker,
				})
				return false, ""
			}
			mid := (c.Bid + c.Ask) / 2
			spreadPct := (c.Ask - c.Bid) / mid * 100
			if spreadPct > g.trading.MaxSpreadPct {
				return true, fmt.Sprintf("spread %.1f%% over cap %.1f%%",
					spreadPct, g.trading.MaxSpreadPct)
			}
			return false, ""
		}},
		{ReasonEarningsBlackout, func() (bool, string) {
			if c.DaysToEarnings < 0 {
				// No earnings data: fail open, but say so.
				observ.Log("gate_earnings_unavailable", map[string]any{
					"signal_id": c.SignalID, "ticker": c.Ticker,
				})
				return false, ""
			}
			if c.DaysToEarnings < g.trading.EarningsBlackoutDays {
				return true, fmt.Sprintf("earnings in %d days, blackout %d",
					c.DaysToEarnings, g.trading.EarningsBlackoutDays)
			}
			return false, ""
		}},
		{ReasonTimeWindow, func() (bool, string) {
			since := g.cal.MinutesSinceOpen(now)
			if since < float64(g.monitor.MarketOpenDelayMinutes) {
				return true, fmt.Sprintf("%.0f min after open, delay %d",
					since, g.monitor.MarketOpenDelayMinutes)
			}
			toClose := g.cal.MinutesToClose(now)
			if toClose < float64(g.monitor.MarketCloseBufferMinutes) {
				return true, fmt.Sprintf("%.0f min to close, buffer %d",
					toClose, g.monitor.MarketCloseBufferMinutes)
			}
			return false, ""
		}},
		{ReasonHaltActive, func() (bool, string) {
			if snap.KillSwitchEngaged {
				return true, "kill switch engaged"
			}
			if len(snap.BreakersTripped) > 0 {
				return true, fmt.Sprintf("breakers tripped: %v", snap.BreakersTripped)
			}
			return false, ""
		}},
	}

	d := Decision{Allowed: true}
	detail := ""
	for _, ck := range checks {
		d.Checked = append(d.Checked, ck.code)
		failed, why := ck.fail()
		if failed {
			d.Allowed = false
			d.Reason = ck.code
			detail = why
			break
		}
	}
	g.record("entry", c.SignalID, c.Ticker, d, detail, now)
	return d
}

// EvaluateExit gates a proposed exit. Exits bypass every risk check;
// only the kill switch can stop them, and even then only automated
// ones.
func (g *Gate) EvaluateExit(positionID, ticker string, snap Snapshot, now time.Time) Decision {
	d := Decision{Allowed: true, Checked: []Code{ReasonHaltActive}}
	detail := ""
	if snap.KillSwitchEngaged {
		d.Allowed = false
		d.Reason = ReasonHaltActive
		detail = "kill switch engaged"
	}
	g.record("exit", positionID, ticker, d, detail, now)
	return d
}

func (g *Gate) record(kind, ref, ticker string, d Decision, detail string, now time.Time) {
	checked := make([]int, len(d.Checked))
	for i, c := range d.Checked {
		checked[i] = int(c)
	}
	observ.Log("gate_decision", map[string]any{
		"kind":    kind,
		"ref":     ref,
		"ticker":  ticker,
		"allowed": d.Allowed,
		"reason":  d.Reason.String(),
		"code":    int(d.Reason),
		"checked": checked,
		"detail":  detail,
	})
	observ.IncCounter("gate_evaluations_total", map[string]string{
		"kind": kind, "allowed": fmt.Sprintf("%t", d.Allowed),
	})
	if !d.Allowed {
		observ.IncCounter("gate_rejections_total", map[string]string{"reason": d.Reason.String()})
	}
	if g.audit != nil {
		g.audit.Record(Entry{
			Timestamp: now.UTC(),
			Kind:      kind,
			Ref:       ref,
			Ticker:    ticker,
			Allowed:   d.Allowed,
			Reason:    d.Reason.String(),
			Code:      int(d.Reason),
			Checked:   checked,
			Detail:    detail,
		})
	}
}
