package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/highwatermark/cortexcore/internal/alerts"
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
	"github.com/highwatermark/cortexcore/internal/reconcile"
	"github.com/highwatermark/cortexcore/internal/store"
)

type recordedAlert struct {
	sev   alerts.Severity
	title string
}

type recorder struct {
	sent []recordedAlert
}

func (r *recorder) Notify(sev alerts.Severity, title, _ string) {
	r.sent = append(r.sent, recordedAlert{sev, title})
}

// scripted is a decision engine that hands out a fixed set of proposals
// and records how often it was consulted.
type scripted struct {
	proposals decide.Proposals
	err       error
	calls     int
}

func (s *scripted) Propose(context.Context, time.Time) (*decide.Proposals, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	p := s.proposals
	return &p, nil
}

type loopHarness struct {
	cfg    *config.Root
	store  *store.Store
	ledger *ledger.Ledger
	broker *broker.Paper
	kill   *killswitch.Switch
	engine *scripted
	alerts *recorder
	loop   *Loop
}

func newLoopHarness(t *testing.T) *loopHarness {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Root{
		TradingMode: "offline",
		Trading: config.Trading{
			MaxPositions:         5,
			MaxPerTradePct:       0.20,
			MaxPositionValueUSD:  2000,
			MaxTotalExposurePct:  0.50,
			MaxExecutionsPerDay:  10,
			MaxSpreadPct:         20,
			LimitPriceBufferPct:  5,
			EarningsBlackoutDays: 2,
		},
		Risk: config.Risk{MaxIVRankForEntry: 70, MinDTEForEntry: 14},
		Monitor: config.Monitor{
			PollIntervalSeconds:      60,
			MinScanIntervalSeconds:   30,
			MaxScanIntervalSeconds:   180,
			MaxDailyLossPct:          0.05,
			MaxWeeklyLossPct:         0.10,
			MaxConsecutiveLosses:     3,
			LossCooldownMinutes:      120,
			MaxConsecutiveErrors:     3,
			ErrorCooldownSeconds:     900,
			ReconcileEveryTicks:      10,
			HealthIntervalSeconds:    300,
			MarketOpenDelayMinutes:   15,
			MarketCloseBufferMinutes: 15,
		},
		Broker: config.Broker{FillPollSeconds: 0, FillPollInterval: 1},
	}
	cal, err := market.NewCalendar(config.MarketHours{
		OpenHour: 9, OpenMinute: 30, CloseHour: 16, Timezone: "America/New_York",
	})
	require.NoError(t, err)

	rec := &recorder{}
	lg := ledger.New(st)
	pb := broker.NewPaper(10000)
	g := gate.New(cfg, cal, nil)
	ks := killswitch.New(st, rec)
	eng := &scripted{proposals: decide.Proposals{NextDelaySeconds: 60}}

	loop := New(cfg, Deps{
		Store:    st,
		Ledger:   lg,
		Breakers: breaker.New(st, cal, cfg.Monitor, rec),
		Kill:     ks,
		Recon:    reconcile.New(st, pb, rec),
		Health:   health.New(st, pb, t.TempDir(), rec),
		Exec:     exec.New(st, lg, pb, g, cfg.Trading, cfg.Broker, rec),
		Engine:   eng,
		Broker:   pb,
		Calendar: cal,
		Notifier: rec,
	})
	return &loopHarness{
		cfg: cfg, store: st, ledger: lg, broker: pb,
		kill: ks, engine: eng, alerts: rec, loop: loop,
	}
}

func marketHours(t *testing.T) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(2026, 8, 27, 13, 0, 0, 0, loc)
}

func TestTickExecutesProposedEntry(t *testing.T) {
	h := newLoopHarness(t)
	h.broker.SetQuote("NVDA261218C00200000", 4.90, 5.10)
	h.engine.proposals.Entries = []decide.EntryProposal{{
		SignalID:       "sig-1",
		Ticker:         "NVDA",
		OptionSymbol:   "NVDA261218C00200000",
		Contracts:      1,
		LimitPrice:     5.00,
		IVRank:         40,
		DTE:            30,
		DaysToEarnings: 30,
	}}

	delay, err := h.loop.Tick(context.Background(), marketHours(t))
	require.NoError(t, err)
	require.Equal(t, 60, delay)
	require.Equal(t, 1, h.engine.calls)

	pos, err := h.store.Position("pos-sig-1")
	require.NoError(t, err)
	require.Equal(t, store.PositionOpen, pos.Status)
}

func TestTickExecutesProposedExit(t *testing.T) {
	h := newLoopHarness(t)
	now := marketHours(t)
	require.NoError(t, h.store.CreatePosition(&store.Position{
		PositionID:   "pos-sig-9",
		SignalID:     "sig-9",
		Ticker:       "NVDA",
		OptionSymbol: "NVDA261218C00200000",
		Quantity:     1,
		EntryPrice:   5.00,
		EntryValue:   500,
		CurrentPrice: 6.00,
		Status:       store.PositionOpen,
		Source:       store.SourceSystem,
		OpenedAt:     now.Add(-24 * time.Hour).UTC(),
	}))
	h.broker.SetQuote("NVDA261218C00200000", 6.50, 6.70)
	h.engine.proposals.Exits = []decide.ExitProposal{{PositionID: "pos-sig-9", Reason: "profit target"}}

	_, err := h.loop.Tick(context.Background(), now)
	require.NoError(t, err)

	pos, err := h.store.Position("pos-sig-9")
	require.NoError(t, err)
	require.Equal(t, store.PositionClosed, pos.Status)
}

func TestTickSkipsUnknownAndClosedExitTargets(t *testing.T) {
	h := newLoopHarness(t)
	h.engine.proposals.Exits = []decide.ExitProposal{{PositionID: "pos-missing", Reason: "stop"}}

	_, err := h.loop.Tick(context.Background(), marketHours(t))
	require.NoError(t, err, "an unknown position is logged, not fatal")
}

func TestKillSwitchSkipsScanAndCancelsWork(t *testing.T) {
	h := newLoopHarness(t)
	require.NoError(t, h.kill.Set(true, "manual stop", "ops"))

	// Park a working order, as if a previous tick submitted it.
	key := ledger.EntryKey("sig-2")
	_, err := h.ledger.Reserve(key, &store.OrderIntent{
		SignalID:     "sig-2",
		Ticker:       "NVDA",
		OptionSymbol: "NVDA261218C00200000",
		Direction:    store.DirectionEntry,
		Quantity:     1,
		LimitPrice:   5.00,
	})
	require.NoError(t, err)
	h.broker.HoldFills = true
	o, err := h.broker.SubmitOrder(context.Background(), broker.OrderRequest{
		Symbol: "NVDA261218C00200000", Qty: 1, Side: broker.Buy,
		LimitPrice: 5.00, ClientOrderID: key,
	})
	require.NoError(t, err)
	require.NoError(t, h.ledger.MarkSubmitted(key, o.ID))

	delay, err := h.loop.Tick(context.Background(), marketHours(t))
	require.NoError(t, err)
	require.Equal(t, h.cfg.Monitor.MaxScanIntervalSeconds, delay, "engaged switch slows the loop")
	require.Zero(t, h.engine.calls, "no scan while the switch is engaged")

	open, err := h.broker.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Empty(t, open)
	in, err := h.store.Intent(key)
	require.NoError(t, err)
	require.Equal(t, store.IntentCancelled, in.Status)
}

func TestTrippedBreakerBlocksEntries(t *testing.T) {
	h := newLoopHarness(t)
	now := marketHours(t)
	// A big realized loss today trips the daily breaker inside the tick.
	require.NoError(t, h.store.AppendTrade(&store.TradeLogEntry{
		PositionID: "pos-old", Ticker: "TSLA",
		PnLDollars: -600, Win: false,
		OpenedAt: now.Add(-48 * time.Hour).UTC(), ClosedAt: now.Add(-2 * time.Hour).UTC(),
	}))
	h.broker.SetQuote("NVDA261218C00200000", 4.90, 5.10)
	h.engine.proposals.Entries = []decide.EntryProposal{{
		SignalID:       "sig-3",
		Ticker:         "NVDA",
		OptionSymbol:   "NVDA261218C00200000",
		Contracts:      1,
		LimitPrice:     5.00,
		IVRank:         40,
		DTE:            30,
		DaysToEarnings: 30,
	}}

	_, err := h.loop.Tick(context.Background(), now)
	require.NoError(t, err)

	_, err = h.store.Position("pos-sig-3")
	require.ErrorIs(t, err, store.ErrNotFound, "gate rejects while a breaker is tripped")
	_, err = h.store.Intent(ledger.EntryKey("sig-3"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOffHoursTickSendsOneSummary(t *testing.T) {
	h := newLoopHarness(t)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	evening := time.Date(2026, 8, 27, 17, 0, 0, 0, loc)

	delay, err := h.loop.Tick(context.Background(), evening)
	require.NoError(t, err)
	require.Equal(t, h.cfg.Monitor.MaxScanIntervalSeconds, delay)
	require.Zero(t, h.engine.calls, "no scanning off hours")

	summaries := 0
	for _, a := range h.alerts.sent {
		if a.title == "Daily summary" {
			summaries++
		}
	}
	require.Equal(t, 1, summaries)

	// A second off-hours tick the same evening stays quiet.
	_, err = h.loop.Tick(context.Background(), evening.Add(10*time.Minute))
	require.NoError(t, err)
	summaries = 0
	for _, a := range h.alerts.sent {
		if a.title == "Daily summary" {
			summaries++
		}
	}
	require.Equal(t, 1, summaries)
}

func TestPreOpenTickSendsNoSummary(t *testing.T) {
	h := newLoopHarness(t)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	morning := time.Date(2026, 8, 27, 8, 0, 0, 0, loc)

	_, err = h.loop.Tick(context.Background(), morning)
	require.NoError(t, err)
	for _, a := range h.alerts.sent {
		require.NotEqual(t, "Daily summary", a.title)
	}
}

func TestClampDelay(t *testing.T) {
	h := newLoopHarness(t)
	cases := []struct {
		suggested int
		want      int
	}{
		{60, 60},
		{0, 60},   // falls back to the poll interval
		{-5, 60},  // nonsense treated the same as missing
		{10, 30},  // floored
		{600, 180}, // capped
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, h.loop.clampDelay(tc.suggested))
	}
}

func TestEngineErrorIsNotFatal(t *testing.T) {
	h := newLoopHarness(t)
	h.engine.err = errors.New("upstream scan failed")

	delay, err := h.loop.Tick(context.Background(), marketHours(t))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrHalted)
	require.Equal(t, 60, delay)
}

func TestIntegrityViolationsAreFatal(t *testing.T) {
	h := newLoopHarness(t)
	now := marketHours(t)
	// A resurrected terminal intent is the kind of error the loop must
	// halt on rather than retry.
	require.NoError(t, h.store.CreatePosition(&store.Position{
		PositionID:   "pos-sig-7",
		SignalID:     "sig-7",
		Ticker:       "NVDA",
		OptionSymbol: "NVDA261218C00200000",
		Quantity:     1,
		EntryPrice:   5.00,
		EntryValue:   500,
		CurrentPrice: 5.00,
		Status:       store.PositionOpen,
		Source:       store.SourceSystem,
		OpenedAt:     now.Add(-24 * time.Hour).UTC(),
	}))
	require.NoError(t, h.store.CreateIntent(&store.OrderIntent{
		IdempotencyKey: ledger.ExitKey("pos-sig-7"),
		PositionID:     "pos-sig-7",
		Ticker:         "NVDA",
		OptionSymbol:   "NVDA261218C00200000",
		Direction:      store.DirectionExit,
		Quantity:       1,
		LimitPrice:     5.00,
		Status:         store.IntentFilled,
	}))
	require.True(t, isIntegrity(h.store.TransitionIntent(ledger.ExitKey("pos-sig-7"), store.IntentSubmitted, nil)))
	require.True(t, isIntegrity(store.ErrDuplicateKey))
	require.False(t, isIntegrity(errors.New("transient broker error")))
}

func TestSnapshotReflectsStoreState(t *testing.T) {
	h := newLoopHarness(t)
	now := marketHours(t)
	require.NoError(t, h.store.CreatePosition(&store.Position{
		PositionID: "pos-a", SignalID: "sig-a", Ticker: "NVDA",
		OptionSymbol: "NVDA261218C00200000", Quantity: 1,
		EntryPrice: 5, EntryValue: 500, CurrentPrice: 5,
		Status: store.PositionOpen, Source: store.SourceSystem,
		OpenedAt: now.Add(-24 * time.Hour).UTC(),
	}))
	require.NoError(t, h.store.AppendTrade(&store.TradeLogEntry{
		PositionID: "pos-b", Ticker: "AMD",
		PnLDollars: -150, Win: false,
		OpenedAt: now.Add(-30 * time.Hour).UTC(), ClosedAt: now.Add(-3 * time.Hour).UTC(),
	}))

	snap, err := h.loop.snapshot(10000, nil, now)
	require.NoError(t, err)
	require.Equal(t, 1, snap.OpenPositions)
	require.InDelta(t, 500.0, snap.OpenExposure, 1e-9)
	require.InDelta(t, 150.0, snap.RealizedLossToday, 1e-9)
	require.InDelta(t, 150.0, snap.RealizedLossWeek, 1e-9)
	require.Equal(t, 1, snap.ConsecutiveLosses)
	require.False(t, snap.KillSwitchEngaged)
}
