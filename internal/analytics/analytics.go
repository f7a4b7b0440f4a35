// Package analytics derives performance statistics from the trade log.
// Everything here is a pure computation over closed trades; nothing
// reads the clock or the database.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/highwatermark/cortexcore/internal/store"
)

const (
	tradingDaysPerYear = 252
	riskFreeRate       = 0.05
)

type Summary struct {
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`       // 0..1
	TotalPnL     float64 `json:"total_pnl"`      // dollars
	AvgWin       float64 `json:"avg_win"`        // dollars
	AvgLoss      float64 `json:"avg_loss"`       // dollars, negative
	ProfitFactor float64 `json:"profit_factor"`  // gross win / gross loss
	MaxDrawdown  float64 `json:"max_drawdown"`   // dollars, peak to trough
	Sharpe       float64 `json:"sharpe"`         // annualized, vs risk-free
	AvgHoldHours float64 `json:"avg_hold_hours"`
}

// Compute summarizes closed trades. equity is the account base used to
// turn daily dollar P&L into returns for the Sharpe ratio.
func Compute(trades []store.TradeLogEntry, equity float64) Summary {
	s := Summary{Trades: len(trades)}
	if len(trades) == 0 {
		return s
	}

	var grossWin, grossLoss, holdSum float64
	for _, t := range trades {
		s.TotalPnL += t.PnLDollars
		holdSum += t.HoldHours
		if t.Win {
			s.Wins++
			grossWin += t.PnLDollars
		} else {
			s.Losses++
			grossLoss += -t.PnLDollars
		}
	}
	s.WinRate = float64(s.Wins) / float64(s.Trades)
	s.AvgHoldHours = holdSum / float64(s.Trades)
	if s.Wins > 0 {
		s.AvgWin = grossWin / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = -grossLoss / float64(s.Losses)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		s.ProfitFactor = math.Inf(1)
	}
	s.MaxDrawdown = maxDrawdown(trades)
	s.Sharpe = sharpe(dailyPnL(trades), equity)
	return s
}

// maxDrawdown walks the cumulative P&L curve in close order and returns
// the deepest peak-to-trough fall, in dollars.
func maxDrawdown(trades []store.TradeLogEntry) float64 {
	ordered := make([]store.TradeLogEntry, len(trades))
	copy(ordered, trades)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ClosedAt.Before(ordered[j].ClosedAt) })

	var cum, peak, worst float64
	for _, t := range ordered {
		cum += t.PnLDollars
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > worst {
			worst = dd
		}
	}
	return worst
}

func dailyPnL(trades []store.TradeLogEntry) []float64 {
	byDay := make(map[string]float64)
	for _, t := range trades {
		byDay[t.ClosedAt.UTC().Format("2006-01-02")] += t.PnLDollars
	}
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)
	out := make([]float64, len(days))
	for i, d := range days {
		out[i] = byDay[d]
	}
	return out
}

// sharpe annualizes mean daily return over its standard deviation,
// net of the risk-free rate. Needs at least two trading days.
func sharpe(daily []float64, equity float64) float64 {
	if len(daily) < 2 || equity <= 0 {
		return 0
	}
	rfDaily := riskFreeRate / tradingDaysPerYear
	returns := make([]float64, len(daily))
	var mean float64
	for i, pnl := range daily {
		returns[i] = pnl/equity - rfDaily
		mean += returns[i]
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}

// FormatDaily renders the end-of-day summary sent after the close.
func FormatDaily(day time.Time, todays []store.TradeLogEntry, open []store.Position, equity float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily summary %s\n", day.Format("Mon Jan 2"))

	var pnl float64
	wins := 0
	for _, t := range todays {
		pnl += t.PnLDollars
		if t.Win {
			wins++
		}
	}
	fmt.Fprintf(&b, "Closed: %d trades, %d wins, P&L $%.2f\n", len(todays), wins, pnl)
	for _, t := range todays {
		fmt.Fprintf(&b, "  %s $%.2f (%.1f%%) %s\n", t.Ticker, t.PnLDollars, t.PnLPct, t.ExitReason)
	}

	fmt.Fprintf(&b, "Open: %d positions\n", len(open))
	for _, p := range open {
		unrealized := (p.CurrentPrice - p.EntryPrice) * float64(p.Quantity) * 100
		fmt.Fprintf(&b, "  %s x%d, unrealized $%.2f\n", p.OptionSymbol, p.Quantity, unrealized)
	}
	fmt.Fprintf(&b, "Equity: $%.2f", equity)
	return b.String()
}
