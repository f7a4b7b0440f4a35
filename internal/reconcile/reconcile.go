// Package reconcile keeps the local position book honest against the
// broker's. The comparison itself is a pure function over two position
// lists; the reconciler wraps it with fetch, apply, and reporting. Every
// run emits a report, including the all-clean case, so a silent
// reconciler is indistinguishable from a broken one.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/highwatermark/cortexcore/internal/alerts"
	"github.com/highwatermark/cortexcore/internal/broker"
	"github.com/highwatermark/cortexcore/internal/market"
	"github.com/highwatermark/cortexcore/internal/observ"
	"github.com/highwatermark/cortexcore/internal/store"
)

// DriftTolerance is the relative quantity or price mismatch below which
// local and broker are considered in agreement.
const DriftTolerance = 0.10

// Pair joins a local position with its broker-side counterpart.
type Pair struct {
	Local  store.Position
	Broker broker.Position
}

// Diff is the pure comparison result.
type Diff struct {
	// Orphans exist at the broker with no local record.
	Orphans []broker.Position
	// Phantoms are locally OPEN but absent at the broker.
	Phantoms []store.Position
	// Drifted exist on both sides with quantity or mark price apart by
	// more than the tolerance.
	Drifted []Pair
	// Clean holds positions that matched within tolerance.
	Clean []Pair
}

// Compare diffs local open positions against broker holdings. It reads
// nothing and writes nothing; callers apply the result.
func Compare(local []store.Position, remote []broker.Position, tolerance float64) Diff {
	bySymbol := make(map[string]broker.Position, len(remote))
	for _, p := range remote {
		bySymbol[p.Symbol] = p
	}
	var d Diff
	seen := make(map[string]bool, len(local))
	for _, lp := range local {
		seen[lp.OptionSymbol] = true
		bp, ok := bySymbol[lp.OptionSymbol]
		if !ok {
			d.Phantoms = append(d.Phantoms, lp)
			continue
		}
		pair := Pair{Local: lp, Broker: bp}
		if quantityDrifted(lp.Quantity, bp.Qty, tolerance) ||
			priceDrifted(lp.CurrentPrice, bp.CurrentPrice, tolerance) {
			d.Drifted = append(d.Drifted, pair)
			continue
		}
		d.Clean = append(d.Clean, pair)
	}
	for _, bp := range remote {
		if !seen[bp.Symbol] {
			d.Orphans = append(d.Orphans, bp)
		}
	}
	return d
}

func quantityDrifted(local, remote int, tolerance float64) bool {
	if local == remote {
		return false
	}
	if local == 0 {
		return true
	}
	diff := float64(local - remote)
	if diff < 0 {
		diff = -diff
	}
	return diff/float64(local) > tolerance
}

// priceDrifted compares mark prices. A local mark of zero means we have
// never priced the position; that is a refresh, not drift.
func priceDrifted(local, remote, tolerance float64) bool {
	if local <= 0 || remote <= 0 {
		return false
	}
	diff := local - remote
	if diff < 0 {
		diff = -diff
	}
	return diff/local > tolerance
}

// Report is the per-run summary.
type Report struct {
	Orphans  int       `json:"orphans"`
	Phantoms int       `json:"phantoms"`
	Drifted  int       `json:"drifted"`
	Clean    int       `json:"clean"`
	RanAt    time.Time `json:"ran_at"`
}

type Reconciler struct {
	store    *store.Store
	broker   broker.Client
	notifier alerts.Notifier
}

func New(st *store.Store, bk broker.Client, n alerts.Notifier) *Reconciler {
	if n == nil {
		n = alerts.Null{}
	}
	return &Reconciler{store: st, broker: bk, notifier: n}
}

// Run fetches both sides, compares, and applies corrections: orphans
// are adopted so they get managed rather than ignored, phantoms are
// closed locally flagged for review, drifted positions are overwritten
// with the broker's reported values, and clean matches get their mark
// price refreshed. The broker is the source of truth throughout.
func (r *Reconciler) Run(ctx context.Context, now time.Time) (*Report, error) {
	remote, err := r.broker.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: broker positions: %w", err)
	}
	local, err := r.store.OpenPositions()
	if err != nil {
		return nil, fmt.Errorf("reconcile: local positions: %w", err)
	}
	d := Compare(local, remote, DriftTolerance)

	for _, bp := range d.Orphans {
		if err := r.adopt(bp, now); err != nil {
			return nil, err
		}
	}
	for _, lp := range d.Phantoms {
		if err := r.closePhantom(lp, now); err != nil {
			return nil, err
		}
	}
	for _, dr := range d.Drifted {
		if err := r.correctDrift(dr); err != nil {
			return nil, err
		}
	}
	for _, p := range d.Clean {
		if err := r.refreshPrice(p); err != nil {
			return nil, err
		}
	}

	rep := &Report{
		Orphans:  len(d.Orphans),
		Phantoms: len(d.Phantoms),
		Drifted:  len(d.Drifted),
		Clean:    len(d.Clean),
		RanAt:    now.UTC(),
	}
	observ.Log("reconcile_report", map[string]any{
		"orphans": rep.Orphans, "phantoms": rep.Phantoms,
		"drifted": rep.Drifted, "clean": rep.Clean,
	})
	observ.IncCounter("reconcile_runs_total", nil)
	if rep.Orphans > 0 || rep.Phantoms > 0 || rep.Drifted > 0 {
		observ.IncCounter("reconcile_divergences_total", nil)
	}
	return rep, nil
}

func (r *Reconciler) adopt(bp broker.Position, now time.Time) error {
	p := &store.Position{
		PositionID:   fmt.Sprintf("adopted-%s-%d", bp.Symbol, now.UTC().Unix()),
		Ticker:       tickerOf(bp.Symbol),
		OptionSymbol: bp.Symbol,
		Quantity:     bp.Qty,
		EntryPrice:   bp.AvgEntryPrice,
		EntryValue:   float64(bp.Qty) * bp.AvgEntryPrice * 100,
		CurrentPrice: bp.CurrentPrice,
		Status:       store.PositionOpen,
		Source:       store.SourceAdoptedOrphan,
		OpenedAt:     now.UTC(),
	}
	if err := r.store.CreatePosition(p); err != nil {
		return fmt.Errorf("reconcile: adopt %s: %w", bp.Symbol, err)
	}
	observ.Log("reconcile_orphan_adopted", map[string]any{
		"symbol": bp.Symbol, "qty": bp.Qty, "position_id": p.PositionID,
	})
	r.notifier.Notify(alerts.Warning, "Orphan position adopted",
		fmt.Sprintf("%s x%d exists at the broker with no local record; now tracked as %s.",
			bp.Symbol, bp.Qty, p.PositionID))
	return nil
}

func (r *Reconciler) closePhantom(lp store.Position, now time.Time) error {
	if err := r.store.ClosePosition(lp.PositionID, now, true); err != nil {
		return fmt.Errorf("reconcile: close phantom %s: %w", lp.PositionID, err)
	}
	observ.Log("reconcile_phantom_closed", map[string]any{
		"position_id": lp.PositionID, "symbol": lp.OptionSymbol,
	})
	r.notifier.Notify(alerts.Warning, "Phantom position closed",
		fmt.Sprintf("%s (%s) is open locally but gone at the broker. Closed for review; realized P&L unknown.",
			lp.PositionID, lp.OptionSymbol))
	return nil
}

func (r *Reconciler) correctDrift(dr Pair) error {
	bp := dr.Broker
	entryValue := float64(bp.Qty) * bp.AvgEntryPrice * 100
	if err := r.store.OverwritePositionFromBroker(dr.Local.PositionID, bp.Qty, bp.AvgEntryPrice, entryValue, bp.CurrentPrice); err != nil {
		return fmt.Errorf("reconcile: correct drift %s: %w", dr.Local.PositionID, err)
	}
	observ.Log("reconcile_drift_corrected", map[string]any{
		"position_id":  dr.Local.PositionID,
		"local_qty":    dr.Local.Quantity,
		"broker_qty":   bp.Qty,
		"local_price":  dr.Local.CurrentPrice,
		"broker_price": bp.CurrentPrice,
	})
	return nil
}

// refreshPrice takes the broker's mark for an otherwise-clean match so
// the local book never quotes against a frozen price.
func (r *Reconciler) refreshPrice(p Pair) error {
	if p.Broker.CurrentPrice <= 0 || p.Broker.CurrentPrice == p.Local.CurrentPrice {
		return nil
	}
	if err := r.store.UpdatePositionPrice(p.Local.PositionID, p.Broker.CurrentPrice); err != nil {
		return fmt.Errorf("reconcile: refresh price %s: %w", p.Local.PositionID, err)
	}
	return nil
}

// tickerOf extracts the underlying from an OCC symbol; falls back to the
// raw symbol for anything unparseable.
func tickerOf(symbol string) string {
	if occ, ok := market.ParseOCC(symbol); ok {
		return occ.Ticker
	}
	return symbol
}
