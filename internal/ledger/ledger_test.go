package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/highwatermark/cortexcore/internal/store"
)

func newLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	return New(st), st
}

func entryIntent(signalID string) *store.OrderIntent {
	return &store.OrderIntent{
		SignalID:  signalID,
		Ticker:    "NVDA",
		Direction: store.DirectionEntry,
		Quantity:  1,
	}
}

func TestKeyDerivation(t *testing.T) {
	if got := EntryKey("sig-42"); got != "entry-sig-42" {
		t.Fatalf("EntryKey = %q", got)
	}
	if got := ExitKey("pos-7"); got != "exit-pos-7" {
		t.Fatalf("ExitKey = %q", got)
	}
}

func TestConcurrentReserveGrantsExactlyOnce(t *testing.T) {
	lg, _ := newLedger(t)
	key := EntryKey("sig-race")

	const callers = 16
	outcomes := make([]Outcome, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = lg.Reserve(key, entryIntent("sig-race"))
		}(i)
	}
	wg.Wait()

	granted := 0
	for i, o := range outcomes {
		require.NoError(t, errs[i])
		switch o {
		case Granted:
			granted++
		case AlreadyPending:
		default:
			t.Fatalf("unexpected outcome %v", o)
		}
	}
	require.Equal(t, 1, granted, "exactly one caller must win the key")
}

func TestReserveAfterResolution(t *testing.T) {
	lg, _ := newLedger(t)
	key := EntryKey("sig-1")

	out, err := lg.Reserve(key, entryIntent("sig-1"))
	require.NoError(t, err)
	require.Equal(t, Granted, out)

	out, err = lg.Reserve(key, entryIntent("sig-1"))
	require.NoError(t, err)
	require.Equal(t, AlreadyPending, out)

	require.NoError(t, lg.MarkSubmitted(key, "ord-1"))
	out, err = lg.Reserve(key, entryIntent("sig-1"))
	require.NoError(t, err)
	require.Equal(t, AlreadyPending, out, "submitted is still in flight")

	require.NoError(t, lg.MarkFilled(key))
	out, err = lg.Reserve(key, entryIntent("sig-1"))
	require.NoError(t, err)
	require.Equal(t, AlreadyResolved, out, "a filled entry never runs again")
}

func TestReleaseMakesExitRetryable(t *testing.T) {
	lg, _ := newLedger(t)
	key := ExitKey("pos-1")
	intent := &store.OrderIntent{
		PositionID: "pos-1", Ticker: "AMD", Direction: store.DirectionExit, Quantity: 1,
	}

	out, err := lg.Reserve(key, intent)
	require.NoError(t, err)
	require.Equal(t, Granted, out)

	require.NoError(t, lg.MarkFailed(key, "submit timed out"))
	out, err = lg.Reserve(key, &store.OrderIntent{
		PositionID: "pos-1", Direction: store.DirectionExit, Quantity: 1,
	})
	require.NoError(t, err)
	require.Equal(t, AlreadyResolved, out, "failed exit blocks until released")

	require.NoError(t, lg.Release(key))
	out, err = lg.Reserve(key, &store.OrderIntent{
		PositionID: "pos-1", Direction: store.DirectionExit, Quantity: 1,
	})
	require.NoError(t, err)
	require.Equal(t, Granted, out, "released key must be reservable again")
}

func TestResetStaleExits(t *testing.T) {
	lg, st := newLedger(t)
	now := time.Now().UTC()

	// Reserved five hours ago, never submitted: the process died
	// between reserve and submit.
	freshPendingExit(t, st, "pos-stale", now.Add(-5*time.Hour))
	// Old but SUBMITTED: the broker has this order, order
	// reconciliation owns it, not the stale reset.
	freshPendingExit(t, st, "pos-working", now.Add(-5*time.Hour))
	require.NoError(t, st.TransitionIntent(ExitKey("pos-working"), store.IntentSubmitted, nil))
	// Pending but recent.
	freshPendingExit(t, st, "pos-fresh", now.Add(-time.Hour))

	reset, err := lg.ResetStaleExits(4*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, []string{ExitKey("pos-stale")}, reset)

	// The stale key is free for the next tick's retry.
	out, err := lg.Reserve(ExitKey("pos-stale"), &store.OrderIntent{
		PositionID: "pos-stale", Direction: store.DirectionExit, Quantity: 1,
	})
	require.NoError(t, err)
	require.Equal(t, Granted, out)

	in, err := st.Intent(ExitKey("pos-working"))
	require.NoError(t, err)
	require.Equal(t, store.IntentSubmitted, in.Status)

	in, err = st.Intent(ExitKey("pos-fresh"))
	require.NoError(t, err)
	require.Equal(t, store.IntentPending, in.Status)
}

func freshPendingExit(t *testing.T, st *store.Store, positionID string, createdAt time.Time) string {
	t.Helper()
	key := ExitKey(positionID)
	require.NoError(t, st.CreateIntent(&store.OrderIntent{
		IdempotencyKey: key,
		PositionID:     positionID,
		Direction:      store.DirectionExit,
		Quantity:       1,
		Status:         store.IntentPending,
		CreatedAt:      createdAt,
	}))
	return key
}
