package killswitch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/highwatermark/cortexcore/internal/alerts"
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

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func newSwitch(t *testing.T) (*Switch, *recorder) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	rec := &recorder{}
	return New(st, rec), rec
}

func TestSetIsIdempotent(t *testing.T) {
	s, rec := newSwitch(t)

	require.NoError(t, s.Set(true, "suspicious fills", "ops"))
	engaged, err := s.Engaged()
	require.NoError(t, err)
	require.True(t, engaged)
	require.Equal(t, 1, rec.count())

	// A retried "kill on" must not page again or rewrite the record.
	require.NoError(t, s.Set(true, "retry of the same command", "ops"))
	require.Equal(t, 1, rec.count())
	state, err := s.State()
	require.NoError(t, err)
	require.Equal(t, "suspicious fills", state.Reason)

	require.NoError(t, s.Set(false, "resolved", "ops"))
	engaged, err = s.Engaged()
	require.NoError(t, err)
	require.False(t, engaged)
	require.Equal(t, 2, rec.count())
}

func TestStateRecordsActor(t *testing.T) {
	s, _ := newSwitch(t)
	require.NoError(t, s.Set(true, "broker outage", "alice"))
	state, err := s.State()
	require.NoError(t, err)
	require.True(t, state.Engaged)
	require.Equal(t, "alice", state.Actor)
	require.Equal(t, "broker outage", state.Reason)
}
