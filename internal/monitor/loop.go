// Package monitor runs the control loop: one cooperative tick at a
// time, in a fixed order, so every decision in a tick sees one
// consistent snapshot of portfolio and control state. The loop is the
// only caller of the trading path; operator tools act through the store
// and are arbitrated by the ledger.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/highwatermark/cortexcore/internal/alerts"
	"github.com/highwatermark/cortexcore/internal/analytics"
	"github.com/highwatermark/cortexcore/internal/breaker"
	"github.com/highwatermark/cortexcore/internal/broker"
	"github.com/highwatermark/cortexcore/internal/config"
	"github.com/highwatermark/cortexcore/internal/decide"
	"github.com/highwatermark/cortexcore/internal/exec"
	"github.com/highwatermark/cortexcore/internal/gate"
	"github.com/highwatermark/cortexcore/internal/health"
	"github.com/highwatermark/cortexcore/internal/killswitch"
	"github.com/highwatermark/cortexcore/internal/ledger"
	"github.com/highwatermark/cortexcore/internal/market"
	"github.com/highwatermark/cortexcore/internal/observ"
	"github.com/highwatermark/cortexcore/internal/reconcile"
	"github.com/highwatermark/cortexcore/internal/store"
)

// ErrHalted is returned when the loop stops itself after an integrity
// violation. Restarting requires an operator.
var ErrHalted = errors.New("monitor: halted on integrity violation")

type Loop struct {
	cfg      *config.Root
	store    *store.Store
	ledger   *ledger.Ledger
	breakers *breaker.Manager
	kill     *killswitch.Switch
	recon    *reconcile.Reconciler
	health   *health.Checker
	exec     *exec.Executor
	engine   decide.Engine
	broker   broker.Client
	cal      *market.Calendar
	clock    market.Clock
	notifier alerts.Notifier

	tick              int
	consecutiveErrors int
	lastHealthRun     time.Time
	lastSummaryDay    string
}

type Deps struct {
	Store    *store.Store
	Ledger   *ledger.Ledger
	Breakers *breaker.Manager
	Kill     *killswitch.Switch
	Recon    *reconcile.Reconciler
	Health   *health.Checker
	Exec     *exec.Executor
	Engine   decide.Engine
	Broker   broker.Client
	Calendar *market.Calendar
	Clock    market.Clock
	Notifier alerts.Notifier
}

func New(cfg *config.Root, d Deps) *Loop {
	clock := d.Clock
	if clock == nil {
		clock = market.SystemClock{}
	}
	n := d.Notifier
	if n == nil {
		n = alerts.Null{}
	}
	return &Loop{
		cfg: cfg, store: d.Store, ledger: d.Ledger, breakers: d.Breakers,
		kill: d.Kill, recon: d.Recon, health: d.Health, exec: d.Exec,
		engine: d.Engine, broker: d.Broker, cal: d.Calendar,
		clock: clock, notifier: n,
	}
}

// Run ticks until the context is cancelled or the loop halts itself.
// The sleep between ticks is cooperative: the kill switch and breakers
// are re-read at the top of every iteration, never mid-tick.
func (l *Loop) Run(ctx context.Context) error {
	observ.Log("monitor_started", map[string]any{
		"mode": l.cfg.TradingMode, "poll_seconds": l.cfg.Monitor.PollIntervalSeconds,
	})
	for {
		delay, err := l.Tick(ctx, l.clock.Now())
		if err != nil {
			if isIntegrity(err) {
				observ.Log("monitor_halted", map[string]any{"error": err.Error()})
				l.notifier.Notify(alerts.Critical, "Monitor halted",
					fmt.Sprintf("Integrity violation, refusing to continue: %v", err))
				return fmt.Errorf("%w: %v", ErrHalted, err)
			}
			l.consecutiveErrors++
			observ.Log("tick_error", map[string]any{
				"error": err.Error(), "consecutive": l.consecutiveErrors,
			})
			observ.IncCounter("tick_errors_total", nil)
			if l.consecutiveErrors >= l.cfg.Monitor.MaxConsecutiveErrors {
				delay = l.cfg.Monitor.ErrorCooldownSeconds
				l.notifier.Notify(alerts.Critical, "Monitor error circuit open",
					fmt.Sprintf("%d consecutive tick errors; cooling down %d minutes. Last: %v",
						l.consecutiveErrors, delay/60, err))
				l.consecutiveErrors = 0
			}
		} else {
			l.consecutiveErrors = 0
		}

		select {
		case <-time.After(time.Duration(delay) * time.Second):
		case <-ctx.Done():
			observ.Log("monitor_stopped", map[string]any{"ticks": l.tick})
			return ctx.Err()
		}
	}
}

// Tick executes one full iteration and returns the delay, in seconds,
// before the next one.
func (l *Loop) Tick(ctx context.Context, now time.Time) (int, error) {
	l.tick++
	observ.IncCounter("monitor_ticks_total", nil)
	start := time.Now()
	defer func() { observ.ObserveDuration("tick_duration", time.Since(start), nil) }()

	// Kill switch first, before anything else runs.
	engaged, err := l.kill.Engaged()
	if err != nil {
		return l.clampDelay(0), err
	}
	if engaged {
		if err := l.exec.CancelAll(ctx, "kill switch engaged"); err != nil {
			return l.clampDelay(0), err
		}
		observ.Log("tick_skipped", map[string]any{"why": "kill_switch"})
		return l.cfg.Monitor.MaxScanIntervalSeconds, nil
	}

	account, err := l.broker.Account(ctx)
	if err != nil {
		return l.clampDelay(0), fmt.Errorf("account read: %w", err)
	}
	observ.SetGauge("account_equity", account.Equity, nil)

	// Breakers re-evaluate every tick, before any entry is considered.
	tripped, err := l.breakers.Evaluate(now, account.Equity)
	if err != nil {
		return l.clampDelay(0), err
	}

	// Off-hours: no scanning, but the summary still goes out after the
	// close, and the next tick can be slow.
	if !l.cal.IsOpen(now) {
		if err := l.maybeDailySummary(now, account.Equity); err != nil {
			return l.cfg.Monitor.MaxScanIntervalSeconds, err
		}
		return l.cfg.Monitor.MaxScanIntervalSeconds, nil
	}

	// Periodic upkeep on the slow cadence.
	if l.cfg.Monitor.ReconcileEveryTicks > 0 && l.tick%l.cfg.Monitor.ReconcileEveryTicks == 0 {
		if _, err := l.recon.Run(ctx, now); err != nil {
			return l.clampDelay(0), err
		}
	}
	if now.Sub(l.lastHealthRun) >= time.Duration(l.cfg.Monitor.HealthIntervalSeconds)*time.Second {
		l.health.Run(ctx)
		l.lastHealthRun = now
	}

	// Resolve anything a previous tick left working at the broker
	// before making new decisions against it.
	if err := l.exec.ReconcileOrders(ctx, now); err != nil {
		return l.clampDelay(0), err
	}

	proposals, err := l.engine.Propose(ctx, now)
	if err != nil {
		return l.clampDelay(0), fmt.Errorf("decision layer: %w", err)
	}

	snap, err := l.snapshot(account.Equity, tripped, now)
	if err != nil {
		return l.clampDelay(0), err
	}

	for _, entry := range proposals.Entries {
		if err := l.exec.ExecuteEntry(ctx, entry, snap, now); err != nil {
			return l.clampDelay(proposals.NextDelaySeconds), err
		}
	}
	for _, exit := range proposals.Exits {
		pos, err := l.store.Position(exit.PositionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				observ.Log("exit_unknown_position", map[string]any{"position_id": exit.PositionID})
				continue
			}
			return l.clampDelay(proposals.NextDelaySeconds), err
		}
		if pos.Status != store.PositionOpen {
			continue
		}
		if err := l.exec.ExecuteExit(ctx, pos, exit.Reason, snap, now); err != nil {
			return l.clampDelay(proposals.NextDelaySeconds), err
		}
	}

	return l.clampDelay(proposals.NextDelaySeconds), nil
}

// snapshot assembles the per-tick view every gate evaluation shares.
func (l *Loop) snapshot(equity float64, tripped []store.BreakerState, now time.Time) (gate.Snapshot, error) {
	openCount, err := l.store.OpenPositionCount()
	if err != nil {
		return gate.Snapshot{}, err
	}
	exposure, err := l.store.OpenExposure()
	if err != nil {
		return gate.Snapshot{}, err
	}
	filledToday, err := l.ledger.FilledEntriesSince(l.cal.DayStart(now))
	if err != nil {
		return gate.Snapshot{}, err
	}
	dayPnL, err := l.store.RealizedPnLSince(l.cal.DayStart(now))
	if err != nil {
		return gate.Snapshot{}, err
	}
	weekPnL, err := l.store.RealizedPnLSince(l.cal.WeekStart(now))
	if err != nil {
		return gate.Snapshot{}, err
	}
	streak, err := l.trailingLosses()
	if err != nil {
		return gate.Snapshot{}, err
	}
	names := make([]string, 0, len(tripped))
	for _, b := range tripped {
		names = append(names, string(b.Type))
	}
	return gate.Snapshot{
		Equity:             equity,
		OpenPositions:      openCount,
		OpenExposure:       exposure,
		FilledEntriesToday: filledToday,
		RealizedLossToday:  lossOf(dayPnL),
		RealizedLossWeek:   lossOf(weekPnL),
		ConsecutiveLosses:  streak,
		BreakersTripped:    names,
		KillSwitchEngaged:  false, // checked at tick top; an engaged switch never reaches here
	}, nil
}

func (l *Loop) trailingLosses() (int, error) {
	limit := l.cfg.Monitor.MaxConsecutiveLosses
	trades, err := l.store.RecentTrades(limit)
	if err != nil {
		return 0, err
	}
	streak := 0
	for _, t := range trades { // most recent first
		if t.Win {
			break
		}
		streak++
	}
	return streak, nil
}

// maybeDailySummary sends one summary per calendar day, after the
// close.
func (l *Loop) maybeDailySummary(now time.Time, equity float64) error {
	local := now.In(l.cal.Location())
	if l.cal.MinutesToClose(now) > 0 && l.cal.MinutesSinceOpen(now) > 0 {
		return nil
	}
	if l.cal.MinutesSinceOpen(now) < 0 {
		return nil // pre-open, yesterday's summary already went out
	}
	day := local.Format("2006-01-02")
	if day == l.lastSummaryDay {
		return nil
	}
	trades, err := l.store.TradesSince(l.cal.DayStart(now))
	if err != nil {
		return err
	}
	open, err := l.store.OpenPositions()
	if err != nil {
		return err
	}
	l.lastSummaryDay = day
	l.notifier.Notify(alerts.Info, "Daily summary",
		analytics.FormatDaily(local, trades, open, equity))
	observ.Log("daily_summary_sent", map[string]any{"day": day, "trades": len(trades)})
	return nil
}

// clampDelay bounds the decision layer's suggested delay; zero or
// missing falls back to the configured poll interval.
func (l *Loop) clampDelay(suggested int) int {
	d := suggested
	if d <= 0 {
		d = l.cfg.Monitor.PollIntervalSeconds
	}
	if min := l.cfg.Monitor.MinScanIntervalSeconds; d < min {
		d = min
	}
	if max := l.cfg.Monitor.MaxScanIntervalSeconds; d > max {
		d = max
	}
	return d
}

func lossOf(pnl float64) float64 {
	if pnl < 0 {
		return -pnl
	}
	return 0
}

func isIntegrity(err error) bool {
	return errors.Is(err, store.ErrDuplicateKey) || errors.Is(err, store.ErrInvalidTransition)
}
