package health

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/highwatermark/cortexcore/internal/alerts"
	"github.com/highwatermark/cortexcore/internal/broker"
	"github.com/highwatermark/cortexcore/internal/store"
)

type recorder struct {
	titles []string
}

func (r *recorder) Notify(_ alerts.Severity, title, _ string) {
	r.titles = append(r.titles, title)
}

func TestRunAllHealthy(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	rec := &recorder{}

	results, ok := New(st, broker.NewPaper(10000), t.TempDir(), rec).Run(context.Background())
	require.True(t, ok)
	require.Len(t, results, 4)
	for _, r := range results {
		require.True(t, r.Healthy, r.Probe)
	}
	require.Empty(t, rec.titles)
}

func TestQuoteProbeUsesHeldSymbol(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.CreatePosition(&store.Position{
		PositionID:   "pos-1",
		Ticker:       "NVDA",
		OptionSymbol: "NVDA261218C00200000",
		Quantity:     1,
		Status:       store.PositionOpen,
		Source:       store.SourceSystem,
	}))
	pb := broker.NewPaper(10000)
	rec := &recorder{}
	checker := New(st, pb, t.TempDir(), rec)

	// No quote available for the held symbol: the data side is down.
	_, ok := checker.Run(context.Background())
	require.False(t, ok)

	pb.SetQuote("NVDA261218C00200000", 4.90, 5.10)
	_, ok = checker.Run(context.Background())
	require.True(t, ok)
}

func TestRunReportsUnwritableDataDir(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	rec := &recorder{}
	missing := filepath.Join(t.TempDir(), "does", "not", "exist")

	results, ok := New(st, broker.NewPaper(10000), missing, rec).Run(context.Background())
	require.False(t, ok)
	for _, r := range results {
		if r.Probe == "disk" {
			require.False(t, r.Healthy)
			require.Contains(t, r.Detail, "not writable")
		} else {
			require.True(t, r.Healthy, r.Probe)
		}
	}
	require.Equal(t, []string{"Health probe failed"}, rec.titles)
}
