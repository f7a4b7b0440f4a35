package store

import "time"

type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

type PositionSource string

const (
	SourceSystem        PositionSource = "SYSTEM"
	SourceAdoptedOrphan PositionSource = "ADOPTED_ORPHAN"
)

type IntentDirection string

const (
	DirectionEntry IntentDirection = "ENTRY"
	DirectionExit  IntentDirection = "EXIT"
)

type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentSubmitted IntentStatus = "SUBMITTED"
	IntentFilled    IntentStatus = "FILLED"
	IntentFailed    IntentStatus = "FAILED"
	IntentCancelled IntentStatus = "CANCELLED"
)

// Terminal reports whether s is an end state of the intent machine.
func (s IntentStatus) Terminal() bool {
	return s == IntentFilled || s == IntentFailed || s == IntentCancelled
}

type BreakerType string

const (
	BreakerDaily       BreakerType = "DAILY"
	BreakerWeekly      BreakerType = "WEEKLY"
	BreakerConsecutive BreakerType = "CONSECUTIVE"
)

// Position is one option contract held or previously held. Status moves
// OPEN -> CLOSED exactly once; a closed position is immutable.
type Position struct {
	ID           uint           `gorm:"primaryKey;autoIncrement"`
	PositionID   string         `gorm:"uniqueIndex;size:64;not null"`
	SignalID     string         `gorm:"index;size:64"`
	Ticker       string         `gorm:"index;size:10;not null"`
	OptionSymbol string         `gorm:"index;size:30;not null"`
	Strike       float64
	Expiration   string `gorm:"size:10"` // YYYY-MM-DD
	Quantity     int    `gorm:"not null"`
	EntryPrice   float64
	EntryValue   float64
	CurrentPrice float64
	Status       PositionStatus `gorm:"index;size:10;not null"`
	Source       PositionSource `gorm:"size:16;not null;default:SYSTEM"`
	// NeedsReview marks a phantom close where the fill price is unknown
	// and realized P&L must be verified manually.
	NeedsReview bool
	Thesis      string `gorm:"type:text"`
	OpenedAt    time.Time
	ClosedAt    *time.Time
}

// OrderIntent is the idempotency record created before any order is
// submitted. The unique index on IdempotencyKey is the storage-level
// guarantee that re-delivery of a trigger cannot produce a second live
// order, even across processes.
type OrderIntent struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	IdempotencyKey string          `gorm:"uniqueIndex;size:64;not null"`
	SignalID       string          `gorm:"index;size:64"`
	PositionID     string          `gorm:"index;size:64"`
	Ticker         string          `gorm:"size:10"`
	OptionSymbol   string          `gorm:"size:30"`
	Direction      IntentDirection `gorm:"size:8;not null"`
	Quantity       int
	LimitPrice     float64
	Status         IntentStatus `gorm:"index;size:12;not null"`
	BrokerOrderID  string       `gorm:"size:64"`
	Reason         string       `gorm:"type:text"`
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// TradeLogEntry is the append-only realized-outcome ledger, one row per
// closed position. Breakers and analytics read it; nothing updates it.
type TradeLogEntry struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	PositionID string `gorm:"index;size:64;not null"`
	Ticker     string `gorm:"size:10;not null"`
	EntryPrice float64
	ExitPrice  float64
	Quantity   int
	PnLDollars float64 `gorm:"column:pnl_dollars"`
	PnLPct     float64 `gorm:"column:pnl_pct"`
	Win        bool
	HoldHours  float64
	ExitReason string `gorm:"size:200"`
	OpenedAt   time.Time
	ClosedAt   time.Time `gorm:"index"`
}

// BreakerState is one singleton row per breaker type. ResumesAt is only
// meaningful while Tripped is true.
type BreakerState struct {
	Type      BreakerType `gorm:"primaryKey;size:12"`
	Tripped   bool
	TrippedAt *time.Time
	ResumesAt *time.Time
	Reason    string `gorm:"size:200"`
	UpdatedAt time.Time
}

// KillSwitchState is the single durable manual-halt record.
type KillSwitchState struct {
	ID        uint `gorm:"primaryKey"`
	Engaged   bool
	Reason    string `gorm:"size:200"`
	Actor     string `gorm:"size:64"`
	UpdatedAt time.Time
}
