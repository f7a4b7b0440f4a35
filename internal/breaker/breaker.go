// Package breaker trips and resets the three loss circuit breakers:
// daily loss, weekly loss, and consecutive losses. State is persisted so
// a tripped breaker, and in particular its resume time, survives process
// restarts. Notifications fire once per transition, never per tick.
package breaker

import (
	"fmt"
	"time"

	"github.com/highwatermark/cortexcore/internal/alerts"
	"github.com/highwatermark/cortexcore/internal/config"
	"github.com/highwatermark/cortexcore/internal/market"
	"github.com/highwatermark/cortexcore/internal/observ"
	"github.com/highwatermark/cortexcore/internal/store"
)

type Manager struct {
	store    *store.Store
	cal      *market.Calendar
	cfg      config.Monitor
	notifier alerts.Notifier
}

func New(st *store.Store, cal *market.Calendar, cfg config.Monitor, n alerts.Notifier) *Manager {
	if n == nil {
		n = alerts.Null{}
	}
	return &Manager{store: st, cal: cal, cfg: cfg, notifier: n}
}

// Evaluate runs all three breakers against current realized losses and
// equity, then expires any breaker whose resume time has passed. It
// returns the breakers tripped after evaluation.
func (m *Manager) Evaluate(now time.Time, equity float64) ([]store.BreakerState, error) {
	if err := m.evalDaily(now, equity); err != nil {
		return nil, err
	}
	if err := m.evalWeekly(now, equity); err != nil {
		return nil, err
	}
	if err := m.evalConsecutive(now); err != nil {
		return nil, err
	}
	return m.Tripped(now)
}

func (m *Manager) evalDaily(now time.Time, equity float64) error {
	pnl, err := m.store.RealizedPnLSince(m.cal.DayStart(now))
	if err != nil {
		return fmt.Errorf("daily breaker: %w", err)
	}
	loss := -pnl
	threshold := equity * m.cfg.MaxDailyLossPct
	if loss >= threshold && threshold > 0 {
		reason := fmt.Sprintf("daily loss $%.2f >= $%.2f (%.0f%% of equity)",
			loss, threshold, m.cfg.MaxDailyLossPct*100)
		resumes := m.cal.NextOpen(m.cal.CloseAt(now))
		return m.trip(store.BreakerDaily, now, resumes, reason)
	}
	return nil
}

func (m *Manager) evalWeekly(now time.Time, equity float64) error {
	pnl, err := m.store.RealizedPnLSince(m.cal.WeekStart(now))
	if err != nil {
		return fmt.Errorf("weekly breaker: %w", err)
	}
	loss := -pnl
	threshold := equity * m.cfg.MaxWeeklyLossPct
	if loss >= threshold && threshold > 0 {
		reason := fmt.Sprintf("weekly loss $%.2f >= $%.2f (%.0f%% of equity)",
			loss, threshold, m.cfg.MaxWeeklyLossPct*100)
		return m.trip(store.BreakerWeekly, now, m.cal.NextMondayOpen(now), reason)
	}
	return nil
}

func (m *Manager) evalConsecutive(now time.Time) error {
	n := m.cfg.MaxConsecutiveLosses
	if n <= 0 {
		return nil
	}
	trades, err := m.store.RecentTrades(n)
	if err != nil {
		return fmt.Errorf("consecutive breaker: %w", err)
	}
	if len(trades) < n {
		return nil
	}
	for _, t := range trades {
		if t.Win {
			return nil
		}
	}
	// Only the streak's most recent loss can trip; a streak that ended
	// before an earlier trip-and-reset must not re-trip.
	st, err := m.store.BreakerState(store.BreakerConsecutive)
	if err != nil {
		return err
	}
	if st.TrippedAt != nil && !trades[0].ClosedAt.After(*st.TrippedAt) {
		return nil
	}
	reason := fmt.Sprintf("%d consecutive losses", n)
	resumes := now.Add(time.Duration(m.cfg.LossCooldownMinutes) * time.Minute)
	return m.trip(store.BreakerConsecutive, now, resumes, reason)
}

// trip persists the tripped state and notifies, but only on the
// untripped -> tripped edge.
func (m *Manager) trip(t store.BreakerType, now, resumes time.Time, reason string) error {
	st, err := m.store.BreakerState(t)
	if err != nil {
		return err
	}
	if st.Tripped {
		return nil
	}
	nowUTC := now.UTC()
	resumesUTC := resumes.UTC()
	st.Tripped = true
	st.TrippedAt = &nowUTC
	st.ResumesAt = &resumesUTC
	st.Reason = reason
	if err := m.store.SaveBreakerState(st); err != nil {
		return fmt.Errorf("persist %s breaker: %w", t, err)
	}
	observ.Log("breaker_tripped", map[string]any{
		"breaker": string(t), "reason": reason, "resumes_at": resumesUTC.Format(time.RFC3339),
	})
	observ.IncCounter("breaker_trips_total", map[string]string{"breaker": string(t)})
	m.notifier.Notify(alerts.Critical, fmt.Sprintf("Circuit breaker tripped: %s", t),
		fmt.Sprintf("%s\nTrading resumes %s", reason,
			resumesUTC.In(m.cal.Location()).Format("Mon Jan 2 15:04 MST")))
	return nil
}

// Tripped returns breakers still tripped at now, resetting any whose
// resume time has passed. Reset is also an edge: it persists and
// notifies once.
func (m *Manager) Tripped(now time.Time) ([]store.BreakerState, error) {
	var active []store.BreakerState
	for _, t := range []store.BreakerType{store.BreakerDaily, store.BreakerWeekly, store.BreakerConsecutive} {
		st, err := m.store.BreakerState(t)
		if err != nil {
			return nil, err
		}
		if !st.Tripped {
			continue
		}
		if st.ResumesAt != nil && !now.Before(*st.ResumesAt) {
			st.Tripped = false
			st.Reason = ""
			// TrippedAt stays: evalConsecutive needs it to tell a stale
			// streak from a fresh one. A closed breaker has no resume
			// time.
			st.ResumesAt = nil
			if err := m.store.SaveBreakerState(st); err != nil {
				return nil, fmt.Errorf("reset %s breaker: %w", t, err)
			}
			observ.Log("breaker_reset", map[string]any{"breaker": string(t)})
			m.notifier.Notify(alerts.Info, fmt.Sprintf("Circuit breaker reset: %s", t),
				"Trading has resumed.")
			continue
		}
		active = append(active, *st)
	}
	return active, nil
}

// Status reports all three breakers without mutating anything.
func (m *Manager) Status() ([]store.BreakerState, error) {
	out := make([]store.BreakerState, 0, 3)
	for _, t := range []store.BreakerType{store.BreakerDaily, store.BreakerWeekly, store.BreakerConsecutive} {
		st, err := m.store.BreakerState(t)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}
