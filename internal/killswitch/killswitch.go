// Package killswitch is the manual halt: a single durable flag that,
// while engaged, stops all entries and confines exits to operator
// action. Unlike breakers it never expires on its own; only an operator
// flips it back.
package killswitch

import (
	"fmt"

	"github.com/highwatermark/cortexcore/internal/alerts"
	"github.com/highwatermark/cortexcore/internal/observ"
	"github.com/highwatermark/cortexcore/internal/store"
)

type Switch struct {
	store    *store.Store
	notifier alerts.Notifier
}

func New(st *store.Store, n alerts.Notifier) *Switch {
	if n == nil {
		n = alerts.Null{}
	}
	return &Switch{store: st, notifier: n}
}

// Engaged reports whether the switch is on.
func (s *Switch) Engaged() (bool, error) {
	k, err := s.store.KillSwitch()
	if err != nil {
		return false, err
	}
	return k.Engaged, nil
}

// State returns the full record, including who set it and why.
func (s *Switch) State() (*store.KillSwitchState, error) {
	return s.store.KillSwitch()
}

// Set engages or disengages the switch. Setting it to its current value
// is a no-op: state is not rewritten and no notification fires, so a
// retried "kill on" cannot page twice.
func (s *Switch) Set(engaged bool, reason, actor string) error {
	cur, err := s.store.KillSwitch()
	if err != nil {
		return err
	}
	if cur.Engaged == engaged {
		return nil
	}
	if err := s.store.SetKillSwitch(engaged, reason, actor); err != nil {
		return fmt.Errorf("persist kill switch: %w", err)
	}
	observ.Log("killswitch_changed", map[string]any{
		"engaged": engaged, "reason": reason, "actor": actor,
	})
	observ.SetGauge("killswitch_engaged", boolGauge(engaged), nil)
	if engaged {
		s.notifier.Notify(alerts.Critical, "Kill switch ENGAGED",
			fmt.Sprintf("By %s: %s\nEntries halted; exits require operator action.", actor, reason))
	} else {
		s.notifier.Notify(alerts.Info, "Kill switch disengaged",
			fmt.Sprintf("By %s: %s", actor, reason))
	}
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
