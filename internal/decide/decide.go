// Package decide is the boundary to the external decision layer. The
// core treats that layer purely as a producer of plain candidate-action
// values: it never sees why something was proposed, and nothing a
// proposal carries can loosen a gate check.
package decide

import (
	"context"
	"time"
)

// EntryProposal is a proposed option purchase.
type EntryProposal struct {
	SignalID     string
	Ticker       string
	OptionSymbol string
	Contracts    int
	LimitPrice   float64
	IVRank       float64
	DTE          int
	Bid          float64
	Ask          float64
	// DaysToEarnings is -1 when unknown.
	DaysToEarnings int
	Thesis         string
}

// ExitProposal asks to close an open position.
type ExitProposal struct {
	PositionID string
	Reason     string
}

// Proposals is one scan's worth of candidate actions plus the delay the
// layer wants before the next scan. The control loop clamps the delay;
// the layer only suggests.
type Proposals struct {
	Entries          []EntryProposal
	Exits            []ExitProposal
	NextDelaySeconds int
}

// Engine is implemented by the external decision layer.
type Engine interface {
	Propose(ctx context.Context, now time.Time) (*Proposals, error)
}

// Static is an Engine that proposes nothing at a fixed cadence. It
// stands in when no decision layer is wired up, and keeps the rest of
// the loop (breakers, reconciliation, health) running.
type Static struct {
	DelaySeconds int
}

func (s Static) Propose(context.Context, time.Time) (*Proposals, error) {
	return &Proposals{NextDelaySeconds: s.DelaySeconds}, nil
}
