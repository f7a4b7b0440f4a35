// Package broker defines the brokerage surface the control loop depends
// on and its two implementations: the Alpaca HTTP client for real (paper
// or live) accounts and an in-process simulator for offline runs and
// tests. All calls carry a context and a timeout; an expired read is an
// error, never a guess.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrOrderRejected is returned when the brokerage refused the order
	// outright. The intent stays FAILED; submission is never retried.
	ErrOrderRejected = errors.New("broker: order rejected")
	// ErrNotFound is returned for an unknown order or position id.
	ErrNotFound = errors.New("broker: not found")
)

// Account is the equity snapshot a tick evaluates against.
type Account struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// Position is a broker-side holding, the reconciler's source of truth.
type Position struct {
	Symbol        string // OCC option symbol
	Qty           int
	AvgEntryPrice float64
	CurrentPrice  float64
	MarketValue   float64
}

// OrderSide is buy or sell.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderRequest is a limit day order for an option contract.
type OrderRequest struct {
	Symbol        string
	Qty           int
	Side          OrderSide
	LimitPrice    float64
	ClientOrderID string // idempotency key, passed through to the broker
}

// OrderStatus mirrors the broker's lifecycle, reduced to what the
// executor acts on.
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderAccepted        OrderStatus = "accepted"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected || s == OrderExpired
}

type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Qty            int
	Side           OrderSide
	LimitPrice     float64
	Status         OrderStatus
	FilledQty      int
	FilledAvgPrice float64
	SubmittedAt    time.Time
}

// Quote is a live option quote for limit pricing and spread checks.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	AsOf   time.Time
}

// Client is the full brokerage dependency. The Alpaca implementation
// satisfies it in production; Paper satisfies it everywhere else.
type Client interface {
	Account(ctx context.Context) (*Account, error)
	Positions(ctx context.Context) ([]Position, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	Order(ctx context.Context, id string) (*Order, error)
	OpenOrders(ctx context.Context) ([]Order, error)
	CancelOrder(ctx context.Context, id string) error
	Quote(ctx context.Context, symbol string) (*Quote, error)
	HealthCheck(ctx context.Context) error
}
