// Package health runs the periodic liveness probes: database, disk,
// and broker reachability. A failed probe alerts the operator; it does
// not halt trading on its own, because a flapping probe must not become
// an accidental kill switch.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/highwatermark/cortexcore/internal/alerts"
	"github.com/highwatermark/cortexcore/internal/broker"
	"github.com/highwatermark/cortexcore/internal/observ"
	"github.com/highwatermark/cortexcore/internal/store"
)

type Result struct {
	Probe   string        `json:"probe"`
	Healthy bool          `json:"healthy"`
	Detail  string        `json:"detail,omitempty"`
	Took    time.Duration `json:"took_ms"`
}

type Checker struct {
	store    *store.Store
	broker   broker.Client
	dataDir  string
	notifier alerts.Notifier
}

func New(st *store.Store, bk broker.Client, dataDir string, n alerts.Notifier) *Checker {
	if n == nil {
		n = alerts.Null{}
	}
	return &Checker{store: st, broker: bk, dataDir: dataDir, notifier: n}
}

// Run executes all probes and reports each outcome. Returns true when
// everything passed.
func (c *Checker) Run(ctx context.Context) ([]Result, bool) {
	results := []Result{
		c.probe("database", c.checkDB),
		c.probe("disk", c.checkDisk),
		c.probe("broker", func() error { return c.broker.HealthCheck(ctx) }),
		c.probe("quotes", func() error { return c.checkQuotes(ctx) }),
	}
	allOK := true
	for _, r := range results {
		observ.SetGauge("health_probe_ok", boolGauge(r.Healthy), map[string]string{"probe": r.Probe})
		if !r.Healthy {
			allOK = false
			observ.Log("health_probe_failed", map[string]any{
				"probe": r.Probe, "detail": r.Detail,
			})
			c.notifier.Notify(alerts.Warning, "Health probe failed",
				fmt.Sprintf("%s: %s", r.Probe, r.Detail))
		}
	}
	observ.IncCounter("health_runs_total", nil)
	return results, allOK
}

func (c *Checker) probe(name string, fn func() error) Result {
	start := time.Now()
	err := fn()
	r := Result{Probe: name, Healthy: err == nil, Took: time.Since(start)}
	if err != nil {
		r.Detail = err.Error()
	}
	return r
}

func (c *Checker) checkDB() error {
	_, err := c.store.OpenPositionCount()
	if err != nil {
		return fmt.Errorf("read open positions: %w", err)
	}
	return nil
}

// checkDisk verifies the data volume still accepts writes. A full or
// read-only volume surfaces here before it corrupts the next DB write.
func (c *Checker) checkDisk() error {
	probe := filepath.Join(c.dataDir, ".health-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("data volume not writable: %w", err)
	}
	return os.Remove(probe)
}

// checkQuotes verifies the market-data side answers for a symbol we
// actually hold. With no open positions there is nothing meaningful to
// ask for, so the probe passes vacuously.
func (c *Checker) checkQuotes(ctx context.Context) error {
	open, err := c.store.OpenPositions()
	if err != nil {
		return fmt.Errorf("read open positions: %w", err)
	}
	if len(open) == 0 {
		return nil
	}
	if _, err := c.broker.Quote(ctx, open[0].OptionSymbol); err != nil {
		return fmt.Errorf("quote %s: %w", open[0].OptionSymbol, err)
	}
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
