// Package ledger implements idempotent order admission on top of the
// store's unique-index guarantee. Every order attempt first reserves a
// deterministic key; only the attempt that wins the insert proceeds to
// the broker, so a re-delivered signal or a crashed-and-restarted loop
// can never produce a second live order.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/highwatermark/cortexcore/internal/observ"
	"github.com/highwatermark/cortexcore/internal/store"
)

// Outcome of a Reserve call.
type Outcome int

const (
	// Granted means this caller won the key and must carry the order
	// through to a terminal status.
	Granted Outcome = iota
	// AlreadyPending means another attempt holds the key and is not yet
	// terminal; the caller must stand down.
	AlreadyPending
	// AlreadyResolved means the key reached a terminal status earlier;
	// the work is done (or permanently failed) and must not repeat.
	AlreadyResolved
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case AlreadyPending:
		return "already_pending"
	case AlreadyResolved:
		return "already_resolved"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// EntryKey derives the idempotency key for an entry order. One signal,
// one entry, forever.
func EntryKey(signalID string) string { return "entry-" + signalID }

// ExitKey derives the idempotency key for an exit order. One position,
// one live exit attempt at a time.
func ExitKey(positionID string) string { return "exit-" + positionID }

type Ledger struct {
	store *store.Store
}

func New(st *store.Store) *Ledger {
	return &Ledger{store: st}
}

// Reserve attempts to claim key by inserting a PENDING intent. The
// unique index arbitrates concurrent callers: exactly one insert
// succeeds, the rest read back the existing row and are told whether it
// is still in flight or already resolved.
func (l *Ledger) Reserve(key string, in *store.OrderIntent) (Outcome, error) {
	in.IdempotencyKey = key
	in.Status = store.IntentPending
	in.CreatedAt = time.Now().UTC()

	err := l.store.CreateIntent(in)
	if err == nil {
		observ.Log("ledger_reserved", map[string]any{
			"key": key, "direction": string(in.Direction), "ticker": in.Ticker,
		})
		return Granted, nil
	}
	if !errors.Is(err, store.ErrDuplicateKey) {
		return AlreadyPending, fmt.Errorf("reserve %s: %w", key, err)
	}

	existing, err := l.store.Intent(key)
	if err != nil {
		return AlreadyPending, fmt.Errorf("reserve %s: read existing: %w", key, err)
	}
	observ.IncCounter("ledger_duplicate_reserve_total", map[string]string{
		"direction": string(in.Direction),
	})
	if existing.Status.Terminal() {
		return AlreadyResolved, nil
	}
	return AlreadyPending, nil
}

// MarkSubmitted records the broker order id after a successful submit.
func (l *Ledger) MarkSubmitted(key, brokerOrderID string) error {
	return l.store.TransitionIntent(key, store.IntentSubmitted, map[string]any{
		"broker_order_id": brokerOrderID,
	})
}

// MarkFilled resolves the intent after the broker confirms the fill.
func (l *Ledger) MarkFilled(key string) error {
	return l.store.TransitionIntent(key, store.IntentFilled, nil)
}

// MarkFailed resolves the intent after a rejected or errored submit.
// Failed entries stay failed; they are never retried automatically.
func (l *Ledger) MarkFailed(key, reason string) error {
	return l.store.TransitionIntent(key, store.IntentFailed, map[string]any{
		"reason": reason,
	})
}

// MarkCancelled resolves the intent after an operator or reconciliation
// cancel.
func (l *Ledger) MarkCancelled(key, reason string) error {
	return l.store.TransitionIntent(key, store.IntentCancelled, map[string]any{
		"reason": reason,
	})
}

// Release deletes a terminal FAILED or CANCELLED intent so the key can
// be reserved again. Exits use this: an exit that failed to submit must
// remain retryable on the next tick.
func (l *Ledger) Release(key string) error {
	return l.store.DeleteIntent(key)
}

// NonTerminal returns all intents still in flight, oldest first.
func (l *Ledger) NonTerminal() ([]store.OrderIntent, error) {
	return l.store.NonTerminalIntents()
}

// FilledEntriesSince counts entries filled at or after t, for the daily
// execution cap. Exits are deliberately excluded.
func (l *Ledger) FilledEntriesSince(t time.Time) (int, error) {
	return l.store.FilledEntriesSince(t)
}

// ResetStaleExits fails and releases PENDING exit intents older than
// maxAge. A PENDING exit that old means the process died between reserve
// and submit; the position still needs to be exited, so the key is freed
// for the next tick. Returns the keys that were reset.
func (l *Ledger) ResetStaleExits(maxAge time.Duration, now time.Time) ([]string, error) {
	open, err := l.store.NonTerminalIntents()
	if err != nil {
		return nil, err
	}
	var reset []string
	for _, in := range open {
		if in.Direction != store.DirectionExit || in.Status != store.IntentPending {
			continue
		}
		if now.Sub(in.CreatedAt) < maxAge {
			continue
		}
		key := in.IdempotencyKey
		if err := l.store.TransitionIntent(key, store.IntentFailed, map[string]any{
			"reason": "stale pending exit, never submitted",
		}); err != nil {
			observ.Log("ledger_stale_reset_error", map[string]any{"key": key, "error": err.Error()})
			continue
		}
		if err := l.store.DeleteIntent(key); err != nil {
			observ.Log("ledger_stale_reset_error", map[string]any{"key": key, "error": err.Error()})
			continue
		}
		observ.Log("ledger_stale_exit_reset", map[string]any{
			"key": key, "age_hours": now.Sub(in.CreatedAt).Hours(),
		})
		reset = append(reset, key)
	}
	return reset, nil
}
