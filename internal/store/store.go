// Package store persists positions, order intents, trade outcomes, and
// control state (breakers, kill switch) in SQLite via GORM. It is the
// only component that touches the database; everything above it works
// with the types in models.go.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrDuplicateKey is returned when an insert collides with a unique
	// index, most importantly the order-intent idempotency key.
	ErrDuplicateKey = errors.New("store: duplicate key")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidTransition is returned when a status update would move
	// backwards in the intent or position state machine.
	ErrInvalidTransition = errors.New("store: invalid state transition")
)

type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and runs
// migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		// WAL keeps the control loop and the CLI from blocking each other.
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// One connection, or every pool conn gets its own empty DB.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := db.AutoMigrate(
		&Position{},
		&OrderIntent{},
		&TradeLogEntry{},
		&BreakerState{},
		&KillSwitchState{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// Fallback for driver paths TranslateError misses.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// --- positions ---

func (s *Store) CreatePosition(p *Position) error {
	if err := s.db.Create(p).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *Store) Position(positionID string) (*Position, error) {
	var p Position
	err := s.db.Where("position_id = ?", positionID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) OpenPositions() ([]Position, error) {
	var out []Position
	err := s.db.Where("status = ?", PositionOpen).Order("opened_at asc").Find(&out).Error
	return out, err
}

func (s *Store) OpenPositionCount() (int, error) {
	var n int64
	err := s.db.Model(&Position{}).Where("status = ?", PositionOpen).Count(&n).Error
	return int(n), err
}

// OpenExposure returns the summed entry value of all open positions.
func (s *Store) OpenExposure() (float64, error) {
	var total float64
	err := s.db.Model(&Position{}).
		Where("status = ?", PositionOpen).
		Select("COALESCE(SUM(entry_value), 0)").
		Scan(&total).Error
	return total, err
}

// OverwritePositionFromBroker replaces an open position's quantity,
// entry price, entry value and mark price with the broker's reported
// numbers after reconciliation flags a drift.
func (s *Store) OverwritePositionFromBroker(positionID string, qty int, entryPrice, entryValue, currentPrice float64) error {
	return s.db.Model(&Position{}).
		Where("position_id = ? AND status = ?", positionID, PositionOpen).
		Updates(map[string]any{
			"quantity":      qty,
			"entry_price":   entryPrice,
			"entry_value":   entryValue,
			"current_price": currentPrice,
		}).Error
}

// UpdatePositionPrice refreshes an open position's mark price.
func (s *Store) UpdatePositionPrice(positionID string, price float64) error {
	return s.db.Model(&Position{}).
		Where("position_id = ? AND status = ?", positionID, PositionOpen).
		Update("current_price", price).Error
}

// ClosePosition moves a position OPEN -> CLOSED. The WHERE clause makes
// the transition single-shot: a second close reports ErrInvalidTransition
// instead of rewriting ClosedAt.
func (s *Store) ClosePosition(positionID string, closedAt time.Time, needsReview bool) error {
	res := s.db.Model(&Position{}).
		Where("position_id = ? AND status = ?", positionID, PositionOpen).
		Updates(map[string]any{
			"status":       PositionClosed,
			"closed_at":    closedAt.UTC(),
			"needs_review": needsReview,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Position(positionID); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// --- order intents ---

// CreateIntent inserts a new intent row. A collision on the idempotency
// key returns ErrDuplicateKey; that is the signal the ledger turns into
// AlreadyPending / AlreadyResolved.
func (s *Store) CreateIntent(in *OrderIntent) error {
	if err := s.db.Create(in).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *Store) Intent(key string) (*OrderIntent, error) {
	var in OrderIntent
	err := s.db.Where("idempotency_key = ?", key).First(&in).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// allowedPrior lists the statuses an intent may hold immediately before
// moving to the given status. Transitions only move forward.
func allowedPrior(to IntentStatus) []IntentStatus {
	switch to {
	case IntentSubmitted:
		return []IntentStatus{IntentPending}
	case IntentFilled, IntentFailed:
		return []IntentStatus{IntentPending, IntentSubmitted}
	case IntentCancelled:
		return []IntentStatus{IntentPending, IntentSubmitted}
	default:
		return nil
	}
}

// TransitionIntent advances the intent's status, enforcing monotonicity
// in the UPDATE itself so concurrent writers cannot race a terminal row
// back to life. Extra columns (broker order id, reason, resolved_at) are
// folded into the same statement.
func (s *Store) TransitionIntent(key string, to IntentStatus, updates map[string]any) error {
	prior := allowedPrior(to)
	if prior == nil {
		return fmt.Errorf("%w: no transition to %s", ErrInvalidTransition, to)
	}
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to
	if _, ok := updates["resolved_at"]; to.Terminal() && !ok {
		now := time.Now().UTC()
		updates["resolved_at"] = &now
	}
	res := s.db.Model(&OrderIntent{}).
		Where("idempotency_key = ? AND status IN ?", key, prior).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Intent(key); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// NonTerminalIntents returns intents still PENDING or SUBMITTED, oldest
// first, for order reconciliation.
func (s *Store) NonTerminalIntents() ([]OrderIntent, error) {
	var out []OrderIntent
	err := s.db.Where("status IN ?", []IntentStatus{IntentPending, IntentSubmitted}).
		Order("created_at asc").Find(&out).Error
	return out, err
}

// DeleteIntent removes a terminal intent row so a later attempt can
// reserve the key again. Non-terminal rows are never deleted.
func (s *Store) DeleteIntent(key string) error {
	res := s.db.Where("idempotency_key = ? AND status IN ?",
		key, []IntentStatus{IntentFailed, IntentCancelled}).
		Delete(&OrderIntent{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FilledEntriesSince counts entry intents that reached FILLED at or
// after t. Exits never count toward the daily execution cap.
func (s *Store) FilledEntriesSince(t time.Time) (int, error) {
	var n int64
	err := s.db.Model(&OrderIntent{}).
		Where("direction = ? AND status = ? AND resolved_at >= ?",
			DirectionEntry, IntentFilled, t.UTC()).
		Count(&n).Error
	return int(n), err
}

// --- trade log ---

func (s *Store) AppendTrade(t *TradeLogEntry) error {
	return s.db.Create(t).Error
}

func (s *Store) TradesSince(t time.Time) ([]TradeLogEntry, error) {
	var out []TradeLogEntry
	err := s.db.Where("closed_at >= ?", t.UTC()).Order("closed_at asc").Find(&out).Error
	return out, err
}

// RecentTrades returns the last n closed trades, most recent first.
func (s *Store) RecentTrades(n int) ([]TradeLogEntry, error) {
	var out []TradeLogEntry
	err := s.db.Order("closed_at desc").Limit(n).Find(&out).Error
	return out, err
}

// RealizedPnLSince sums realized P&L over trades closed at or after t.
func (s *Store) RealizedPnLSince(t time.Time) (float64, error) {
	var total float64
	err := s.db.Model(&TradeLogEntry{}).
		Where("closed_at >= ?", t.UTC()).
		Select("COALESCE(SUM(pnl_dollars), 0)").
		Scan(&total).Error
	return total, err
}

// --- breaker state ---

func (s *Store) BreakerState(t BreakerType) (*BreakerState, error) {
	var b BreakerState
	err := s.db.Where("type = ?", t).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &BreakerState{Type: t}, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) SaveBreakerState(b *BreakerState) error {
	b.UpdatedAt = time.Now().UTC()
	return s.db.Save(b).Error
}

// --- kill switch ---

func (s *Store) KillSwitch() (*KillSwitchState, error) {
	var k KillSwitchState
	err := s.db.First(&k, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &KillSwitchState{ID: 1}, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *Store) SetKillSwitch(engaged bool, reason, actor string) error {
	k := KillSwitchState{
		ID:        1,
		Engaged:   engaged,
		Reason:    reason,
		Actor:     actor,
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.Save(&k).Error
}
