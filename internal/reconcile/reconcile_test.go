package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/highwatermark/cortexcore/internal/alerts"
	"github.com/highwatermark/cortexcore/internal/broker"
	"github.com/highwatermark/cortexcore/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	titles []string
}

func (r *recorder) Notify(_ alerts.Severity, title, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
}

func localPos(id, symbol string, qty int) store.Position {
	return store.Position{
		PositionID: id, OptionSymbol: symbol, Ticker: "X",
		Quantity: qty, EntryPrice: 2, EntryValue: float64(qty) * 200,
		Status: store.PositionOpen,
	}
}

func brokerPos(symbol string, qty int) broker.Position {
	return broker.Position{Symbol: symbol, Qty: qty, AvgEntryPrice: 2}
}

func localAt(id, symbol string, qty int, mark float64) store.Position {
	p := localPos(id, symbol, qty)
	p.CurrentPrice = mark
	return p
}

func brokerAt(symbol string, qty int, mark float64) broker.Position {
	p := brokerPos(symbol, qty)
	p.CurrentPrice = mark
	return p
}

func TestCompare(t *testing.T) {
	cases := []struct {
		name     string
		local    []store.Position
		remote   []broker.Position
		orphans  int
		phantoms int
		drifted  int
		clean    int
	}{
		{
			name:   "all_clean",
			local:  []store.Position{localPos("a", "AAA250620C00100000", 2)},
			remote: []broker.Position{brokerPos("AAA250620C00100000", 2)},
			clean:  1,
		},
		{
			name:    "orphan_at_broker",
			remote:  []broker.Position{brokerPos("BBB250620C00100000", 1)},
			orphans: 1,
		},
		{
			name:     "phantom_locally",
			local:    []store.Position{localPos("a", "CCC250620C00100000", 1)},
			phantoms: 1,
		},
		{
			name:    "quantity_drift_over_tolerance",
			local:   []store.Position{localPos("a", "DDD250620C00100000", 10)},
			remote:  []broker.Position{brokerPos("DDD250620C00100000", 8)}, // 20% apart
			drifted: 1,
		},
		{
			name:   "quantity_drift_within_tolerance",
			local:  []store.Position{localPos("a", "EEE250620C00100000", 10)},
			remote: []broker.Position{brokerPos("EEE250620C00100000", 9)}, // exactly 10%
			clean:  1,
		},
		{
			name:    "price_drift_over_tolerance",
			local:   []store.Position{localAt("a", "FFF250620C00100000", 2, 4.00)},
			remote:  []broker.Position{brokerAt("FFF250620C00100000", 2, 6.00)}, // 50% apart
			drifted: 1,
		},
		{
			name:   "price_drift_within_tolerance",
			local:  []store.Position{localAt("a", "GGG250620C00100000", 2, 2.00)},
			remote: []broker.Position{brokerAt("GGG250620C00100000", 2, 2.10)}, // 5%
			clean:  1,
		},
		{
			name:   "unpriced_local_is_refresh_not_drift",
			local:  []store.Position{localPos("a", "HHH250620C00100000", 2)},
			remote: []broker.Position{brokerAt("HHH250620C00100000", 2, 6.00)},
			clean:  1,
		},
		{
			name: "mixed",
			local: []store.Position{
				localPos("a", "AAA250620C00100000", 2),
				localPos("b", "CCC250620C00100000", 1),
			},
			remote: []broker.Position{
				brokerPos("AAA250620C00100000", 2),
				brokerPos("BBB250620C00100000", 3),
			},
			orphans:  1,
			phantoms: 1,
			clean:    1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Compare(tc.local, tc.remote, DriftTolerance)
			require.Len(t, d.Orphans, tc.orphans)
			require.Len(t, d.Phantoms, tc.phantoms)
			require.Len(t, d.Drifted, tc.drifted)
			require.Len(t, d.Clean, tc.clean)
		})
	}
}

func TestRunAppliesCorrections(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	paper := broker.NewPaper(10000)
	rec := &recorder{}
	r := New(st, paper, rec)
	now := time.Now().UTC()

	// Matched position on both sides.
	require.NoError(t, st.CreatePosition(ptr(localPos("pos-ok", "NVDA250918C00150000", 2))))
	paper.SeedPosition("NVDA250918C00150000", 2, 2)
	// Orphan: broker only.
	paper.SeedPosition("AMD250918C00120000", 1, 3.5)
	// Phantom: local only.
	require.NoError(t, st.CreatePosition(ptr(localPos("pos-ghost", "TSLA250918P00200000", 1))))
	// Drift: 10 local vs 8 at broker.
	require.NoError(t, st.CreatePosition(ptr(localPos("pos-drift", "MSFT250918C00400000", 10))))
	paper.SeedPosition("MSFT250918C00400000", 8, 2)

	rep, err := r.Run(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Orphans)
	require.Equal(t, 1, rep.Phantoms)
	require.Equal(t, 1, rep.Drifted)
	require.Equal(t, 1, rep.Clean)

	// Orphan adopted with the right provenance.
	open, err := st.OpenPositions()
	require.NoError(t, err)
	var adopted *store.Position
	for i := range open {
		if open[i].OptionSymbol == "AMD250918C00120000" {
			adopted = &open[i]
		}
	}
	require.NotNil(t, adopted, "orphan must be adopted into the local book")
	require.Equal(t, store.SourceAdoptedOrphan, adopted.Source)
	require.Equal(t, "AMD", adopted.Ticker)

	// Phantom closed and flagged for review.
	ghost, err := st.Position("pos-ghost")
	require.NoError(t, err)
	require.Equal(t, store.PositionClosed, ghost.Status)
	require.True(t, ghost.NeedsReview)

	// Drift overwritten with the broker's numbers, not a blend.
	drift, err := st.Position("pos-drift")
	require.NoError(t, err)
	require.Equal(t, 8, drift.Quantity)
	require.Equal(t, 2.0, drift.EntryPrice)
	require.Equal(t, 1600.0, drift.EntryValue)
	require.Equal(t, 2.0, drift.CurrentPrice)

	// The clean match still picks up the broker's mark.
	ok, err := st.Position("pos-ok")
	require.NoError(t, err)
	require.Equal(t, 2.0, ok.CurrentPrice)

	require.Len(t, rec.titles, 2, "orphan and phantom each alert once")
}

func TestPriceDriftTakesBrokerMark(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	paper := broker.NewPaper(10000)
	rec := &recorder{}
	r := New(st, paper, rec)

	// Same quantity on both sides, mark price 50% apart.
	lp := localAt("pos-mark", "NVDA250918C00150000", 2, 4.00)
	require.NoError(t, st.CreatePosition(&lp))
	paper.SeedPosition("NVDA250918C00150000", 2, 6.00)

	rep, err := r.Run(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Drifted)
	require.Equal(t, 0, rep.Clean)

	got, err := st.Position("pos-mark")
	require.NoError(t, err)
	require.Equal(t, 2, got.Quantity)
	require.Equal(t, 6.0, got.CurrentPrice)
	require.Equal(t, 6.0, got.EntryPrice, "broker-reported entry replaces the local one")
	require.Empty(t, rec.titles, "drift corrections log but do not page")
}

func TestRunReportsAllClean(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	paper := broker.NewPaper(10000)
	r := New(st, paper, nil)

	rep, err := r.Run(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, rep, "the all-clean run still reports")
	require.Zero(t, rep.Orphans+rep.Phantoms+rep.Drifted)
}

func ptr(p store.Position) *store.Position { return &p }
