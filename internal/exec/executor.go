// Package exec carries admitted proposals through the order lifecycle:
// size, gate, reserve, submit, poll, record. Every order passes through
// the ledger before it can touch the broker, and no failure path ever
// resubmits an order whose outcome is unknown.
package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/highwatermark/cortexcore/internal/alerts"
	"github.com/highwatermark/cortexcore/internal/broker"
	"github.com/highwatermark/cortexcore/internal/config"
	"github.com/highwatermark/cortexcore/internal/decide"
	"github.com/highwatermark/cortexcore/internal/gate"
	"github.com/highwatermark/cortexcore/internal/ledger"
	"github.com/highwatermark/cortexcore/internal/market"
	"github.com/highwatermark/cortexcore/internal/observ"
	"github.com/highwatermark/cortexcore/internal/store"
)

// StalePendingExitAge is how long a PENDING exit may sit unsubmitted
// before it is presumed crashed and released for retry.
const StalePendingExitAge = 4 * time.Hour

type Executor struct {
	store    *store.Store
	ledger   *ledger.Ledger
	broker   broker.Client
	gate     *gate.Gate
	trading  config.Trading
	brokerCf config.Broker
	notifier alerts.Notifier
}

func New(st *store.Store, lg *ledger.Ledger, bk broker.Client, g *gate.Gate,
	trading config.Trading, brokerCf config.Broker, n alerts.Notifier) *Executor {
	if n == nil {
		n = alerts.Null{}
	}
	return &Executor{
		store: st, ledger: lg, broker: bk, gate: g,
		trading: trading, brokerCf: brokerCf, notifier: n,
	}
}

// ExecuteEntry runs one proposed entry end to end. A gate rejection is
// a normal outcome, not an error; errors mean the tick itself went
// wrong.
func (e *Executor) ExecuteEntry(ctx context.Context, p decide.EntryProposal, snap gate.Snapshot, now time.Time) error {
	limit := p.LimitPrice
	bid, ask := p.Bid, p.Ask
	if q, err := e.broker.Quote(ctx, p.OptionSymbol); err == nil {
		bid, ask = q.Bid, q.Ask
		limit = clampLimit(limit, ask, e.trading.LimitPriceBufferPct)
	} else {
		observ.Log("entry_quote_unavailable", map[string]any{
			"symbol": p.OptionSymbol, "error": err.Error(),
		})
	}

	contracts := Size(e.trading, snap.Equity, snap.OpenExposure, limit, p.Contracts)
	if contracts == 0 {
		observ.Log("entry_sized_to_zero", map[string]any{
			"signal_id": p.SignalID, "ticker": p.Ticker,
		})
		return nil
	}
	notional := float64(contracts) * limit * 100

	decision := e.gate.EvaluateEntry(gate.Candidate{
		SignalID:       p.SignalID,
		Ticker:         p.Ticker,
		OptionSymbol:   p.OptionSymbol,
		Contracts:      contracts,
		LimitPrice:     limit,
		Notional:       notional,
		IVRank:         p.IVRank,
		DTE:            p.DTE,
		Bid:            bid,
		Ask:            ask,
		DaysToEarnings: p.DaysToEarnings,
	}, snap, now)
	if !decision.Allowed {
		return nil
	}

	key := ledger.EntryKey(p.SignalID)
	outcome, err := e.ledger.Reserve(key, &store.OrderIntent{
		SignalID:     p.SignalID,
		Ticker:       p.Ticker,
		OptionSymbol: p.OptionSymbol,
		Direction:    store.DirectionEntry,
		Quantity:     contracts,
		LimitPrice:   limit,
		Reason:       p.Thesis,
	})
	if err != nil {
		return err
	}
	if outcome != ledger.Granted {
		observ.Log("entry_skipped", map[string]any{"key": key, "outcome": outcome.String()})
		return nil
	}

	order, err := e.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:        p.OptionSymbol,
		Qty:           contracts,
		Side:          broker.Buy,
		LimitPrice:    limit,
		ClientOrderID: key,
	})
	if err != nil {
		// Unknown or rejected outcome: the intent stays FAILED and is
		// never resubmitted. Reconciliation will adopt the position if
		// the order actually went through.
		if mErr := e.ledger.MarkFailed(key, err.Error()); mErr != nil {
			return mErr
		}
		observ.IncCounter("orders_failed_total", map[string]string{"direction": "entry"})
		e.notifier.Notify(alerts.Warning, "Entry submission failed",
			fmt.Sprintf("%s %s x%d: %v\nIntent left FAILED for manual review.",
				p.Ticker, p.OptionSymbol, contracts, err))
		return nil
	}
	if err := e.ledger.MarkSubmitted(key, order.ID); err != nil {
		return err
	}
	observ.IncCounter("orders_submitted_total", map[string]string{"direction": "entry"})

	final, err := e.pollFill(ctx, order.ID)
	if err != nil {
		return err
	}
	switch {
	case final != nil && final.Status == broker.OrderFilled:
		return e.recordEntryFill(p, key, final, now)
	case final != nil && final.Status.Terminal():
		return e.ledger.MarkFailed(key, fmt.Sprintf("order %s", final.Status))
	default:
		// Still working at poll timeout: cancel so a day order doesn't
		// fill hours later against a stale decision.
		if err := e.broker.CancelOrder(ctx, order.ID); err != nil {
			observ.Log("entry_cancel_error", map[string]any{"order_id": order.ID, "error": err.Error()})
			return nil // reconciliation picks it up next tick
		}
		return e.ledger.MarkCancelled(key, "unfilled at poll timeout")
	}
}

func (e *Executor) recordEntryFill(p decide.EntryProposal, key string, order *broker.Order, now time.Time) error {
	if err := e.ledger.MarkFilled(key); err != nil {
		return err
	}
	pos := &store.Position{
		PositionID:   "pos-" + p.SignalID,
		SignalID:     p.SignalID,
		Ticker:       p.Ticker,
		OptionSymbol: p.OptionSymbol,
		Quantity:     order.FilledQty,
		EntryPrice:   order.FilledAvgPrice,
		EntryValue:   float64(order.FilledQty) * order.FilledAvgPrice * 100,
		CurrentPrice: order.FilledAvgPrice,
		Status:       store.PositionOpen,
		Source:       store.SourceSystem,
		Thesis:       p.Thesis,
		OpenedAt:     now.UTC(),
	}
	if occ, ok := market.ParseOCC(p.OptionSymbol); ok {
		pos.Strike = occ.Strike
		pos.Expiration = occ.Expiration
	}
	if err := e.store.CreatePosition(pos); err != nil {
		return err
	}
	observ.IncCounter("orders_filled_total", map[string]string{"direction": "entry"})
	e.notifier.Notify(alerts.Info, "Entry filled",
		fmt.Sprintf("%s %s x%d @ $%.2f ($%.2f)",
			p.Ticker, p.OptionSymbol, order.FilledQty, order.FilledAvgPrice, pos.EntryValue))
	return nil
}

// ExecuteExit closes an open position. Exits bypass the risk checks;
// only the kill switch stops them. A failed exit is released so the
// next tick retries it, because an unclosed position is itself risk.
func (e *Executor) ExecuteExit(ctx context.Context, pos *store.Position, reason string, snap gate.Snapshot, now time.Time) error {
	decision := e.gate.EvaluateExit(pos.PositionID, pos.Ticker, snap, now)
	if !decision.Allowed {
		return nil
	}

	limit := pos.CurrentPrice
	if q, err := e.broker.Quote(ctx, pos.OptionSymbol); err == nil && q.Bid > 0 {
		limit = q.Bid
	}
	if limit <= 0 {
		return fmt.Errorf("exit %s: no usable price", pos.PositionID)
	}

	key := ledger.ExitKey(pos.PositionID)
	outcome, err := e.ledger.Reserve(key, &store.OrderIntent{
		PositionID:   pos.PositionID,
		Ticker:       pos.Ticker,
		OptionSymbol: pos.OptionSymbol,
		Direction:    store.DirectionExit,
		Quantity:     pos.Quantity,
		LimitPrice:   limit,
		Reason:       reason,
	})
	if err != nil {
		return err
	}
	if outcome != ledger.Granted {
		observ.Log("exit_skipped", map[string]any{"key": key, "outcome": outcome.String()})
		return nil
	}

	order, err := e.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:        pos.OptionSymbol,
		Qty:           pos.Quantity,
		Side:          broker.Sell,
		LimitPrice:    limit,
		ClientOrderID: key,
	})
	if err != nil {
		if mErr := e.ledger.MarkFailed(key, err.Error()); mErr != nil {
			return mErr
		}
		if rErr := e.ledger.Release(key); rErr != nil {
			return rErr
		}
		observ.IncCounter("orders_failed_total", map[string]string{"direction": "exit"})
		e.notifier.Notify(alerts.Warning, "Exit submission failed",
			fmt.Sprintf("%s (%s): %v\nWill retry next tick.", pos.PositionID, pos.OptionSymbol, err))
		return nil
	}
	if err := e.ledger.MarkSubmitted(key, order.ID); err != nil {
		return err
	}
	observ.IncCounter("orders_submitted_total", map[string]string{"direction": "exit"})

	final, err := e.pollFill(ctx, order.ID)
	if err != nil {
		return err
	}
	switch {
	case final != nil && final.Status == broker.OrderFilled:
		return e.recordExitFill(pos, key, reason, final, now)
	case final != nil && final.Status.Terminal():
		if err := e.ledger.MarkFailed(key, fmt.Sprintf("order %s", final.Status)); err != nil {
			return err
		}
		return e.ledger.Release(key)
	default:
		if err := e.broker.CancelOrder(ctx, order.ID); err != nil {
			observ.Log("exit_cancel_error", map[string]any{"order_id": order.ID, "error": err.Error()})
			return nil
		}
		if err := e.ledger.MarkCancelled(key, "unfilled at poll timeout"); err != nil {
			return err
		}
		return e.ledger.Release(key)
	}
}

func (e *Executor) recordExitFill(pos *store.Position, key, reason string, order *broker.Order, now time.Time) error {
	if err := e.ledger.MarkFilled(key); err != nil {
		return err
	}
	if err := e.store.ClosePosition(pos.PositionID, now, false); err != nil {
		return err
	}
	pnl := (order.FilledAvgPrice - pos.EntryPrice) * float64(order.FilledQty) * 100
	pnlPct := 0.0
	if pos.EntryValue > 0 {
		pnlPct = pnl / pos.EntryValue * 100
	}
	trade := &store.TradeLogEntry{
		PositionID: pos.PositionID,
		Ticker:     pos.Ticker,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  order.FilledAvgPrice,
		Quantity:   order.FilledQty,
		PnLDollars: pnl,
		PnLPct:     pnlPct,
		Win:        pnl > 0,
		HoldHours:  now.Sub(pos.OpenedAt).Hours(),
		ExitReason: reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   now.UTC(),
	}
	if err := e.store.AppendTrade(trade); err != nil {
		return err
	}
	observ.IncCounter("orders_filled_total", map[string]string{"direction": "exit"})
	sev := alerts.Info
	if pnl < 0 {
		sev = alerts.Warning
	}
	e.notifier.Notify(sev, "Exit filled",
		fmt.Sprintf("%s %s x%d @ $%.2f, P&L $%.2f (%.1f%%): %s",
			pos.Ticker, pos.OptionSymbol, order.FilledQty, order.FilledAvgPrice, pnl, pnlPct, reason))
	return nil
}

// pollFill watches an order until it goes terminal or the poll window
// closes. Returns the last observed state, nil only if never observed.
func (e *Executor) pollFill(ctx context.Context, orderID string) (*broker.Order, error) {
	window := time.Duration(e.brokerCf.FillPollSeconds) * time.Second
	interval := time.Duration(e.brokerCf.FillPollInterval) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}
	deadline := time.Now().Add(window)
	var last *broker.Order
	for {
		o, err := e.broker.Order(ctx, orderID)
		if err == nil {
			last = o
			if o.Status.Terminal() {
				return o, nil
			}
		} else if !errors.Is(err, broker.ErrNotFound) {
			observ.Log("fill_poll_error", map[string]any{"order_id": orderID, "error": err.Error()})
		}
		if time.Now().After(deadline) {
			return last, nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

// ReconcileOrders resolves intents the normal flow lost track of: a
// crash between reserve and submit, or between submit and the fill
// poll. Runs once per tick before new work.
func (e *Executor) ReconcileOrders(ctx context.Context, now time.Time) error {
	if _, err := e.ledger.ResetStaleExits(StalePendingExitAge, now); err != nil {
		return err
	}
	open, err := e.ledger.NonTerminal()
	if err != nil {
		return err
	}
	for _, in := range open {
		switch in.Status {
		case store.IntentPending:
			// An entry reserved but never submitted: the process died
			// before the broker call. Safe to fail; nothing was sent.
			if in.Direction == store.DirectionEntry && now.Sub(in.CreatedAt) > time.Minute {
				if err := e.ledger.MarkFailed(in.IdempotencyKey, "never submitted"); err != nil {
					return err
				}
			}
		case store.IntentSubmitted:
			if err := e.resolveSubmitted(ctx, in, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) resolveSubmitted(ctx context.Context, in store.OrderIntent, now time.Time) error {
	o, err := e.broker.Order(ctx, in.BrokerOrderID)
	if errors.Is(err, broker.ErrNotFound) {
		return e.ledger.MarkFailed(in.IdempotencyKey, "broker order not found")
	}
	if err != nil {
		return nil // transient read failure, try again next tick
	}
	key := in.IdempotencyKey
	switch o.Status {
	case broker.OrderFilled:
		if in.Direction == store.DirectionExit {
			pos, err := e.store.Position(in.PositionID)
			if err != nil {
				return err
			}
			return e.recordExitFill(pos, key, in.Reason, o, now)
		}
		return e.recordEntryFill(decide.EntryProposal{
			SignalID:     in.SignalID,
			Ticker:       in.Ticker,
			OptionSymbol: in.OptionSymbol,
			Thesis:       in.Reason,
		}, key, o, now)
	case broker.OrderCancelled, broker.OrderExpired:
		if err := e.ledger.MarkCancelled(key, fmt.Sprintf("order %s", o.Status)); err != nil {
			return err
		}
		if in.Direction == store.DirectionExit {
			return e.ledger.Release(key)
		}
		return nil
	case broker.OrderRejected:
		if err := e.ledger.MarkFailed(key, "order rejected"); err != nil {
			return err
		}
		if in.Direction == store.DirectionExit {
			return e.ledger.Release(key)
		}
		return nil
	default:
		// Still working: a day order left from a previous tick is
		// stale by definition; cancel it.
		if err := e.broker.CancelOrder(ctx, o.ID); err != nil {
			observ.Log("order_reconcile_cancel_error", map[string]any{
				"order_id": o.ID, "error": err.Error(),
			})
		}
		return nil
	}
}

// CancelAll abandons every non-terminal intent. The kill-switch path:
// the next tick after engagement must leave nothing working at the
// broker.
func (e *Executor) CancelAll(ctx context.Context, reason string) error {
	open, err := e.ledger.NonTerminal()
	if err != nil {
		return err
	}
	for _, in := range open {
		if in.BrokerOrderID != "" {
			if err := e.broker.CancelOrder(ctx, in.BrokerOrderID); err != nil && !errors.Is(err, broker.ErrNotFound) {
				observ.Log("cancel_all_error", map[string]any{
					"order_id": in.BrokerOrderID, "error": err.Error(),
				})
			}
		}
		if err := e.ledger.MarkCancelled(in.IdempotencyKey, reason); err != nil {
			return err
		}
		observ.IncCounter("orders_cancelled_total", map[string]string{"direction": string(in.Direction)})
	}
	return nil
}

// clampLimit caps a buy limit at ask plus the configured buffer so a
// stale proposal can't cross a moved market.
func clampLimit(proposed, ask, bufferPct float64) float64 {
	if ask <= 0 {
		return proposed
	}
	ceiling := ask * (1 + bufferPct/100)
	if proposed > ceiling {
		return ceiling
	}
	return proposed
}
