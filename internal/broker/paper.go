package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Paper is an in-process brokerage simulator. Limit orders fill
// immediately at the limit price; quotes come from a settable book.
// Tests drive it directly, and offline runs use it as a stand-in for
// the real paper account.
type Paper struct {
	mu        sync.Mutex
	equity    float64
	cash      float64
	positions map[string]*Position
	orders    map[string]*Order
	quotes    map[string]Quote
	nextID    int

	// RejectNext forces the next SubmitOrder to fail, for exercising
	// the failure path.
	RejectNext bool
	// HoldFills leaves submitted orders accepted instead of filling
	// them, so fill polling and cancellation can be exercised.
	HoldFills bool
}

func NewPaper(startingEquity float64) *Paper {
	return &Paper{
		equity:    startingEquity,
		cash:      startingEquity,
		positions: make(map[string]*Position),
		orders:    make(map[string]*Order),
		quotes:    make(map[string]Quote),
	}
}

func (p *Paper) SetQuote(symbol string, bid, ask float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = Quote{Symbol: symbol, Bid: bid, Ask: ask, AsOf: time.Now()}
}

// SeedPosition places a holding directly on the broker side, bypassing
// the order flow. Reconciliation tests use it to fabricate orphans.
func (p *Paper) SeedPosition(symbol string, qty int, avgPrice float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol] = &Position{
		Symbol:        symbol,
		Qty:           qty,
		AvgEntryPrice: avgPrice,
		CurrentPrice:  avgPrice,
		MarketValue:   float64(qty) * avgPrice * 100,
	}
}

// RemovePosition drops a holding broker-side, fabricating a phantom.
func (p *Paper) RemovePosition(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, symbol)
}

func (p *Paper) Account(context.Context) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Account{Equity: p.equity, Cash: p.cash, BuyingPower: p.cash}, nil
}

func (p *Paper) Positions(context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *Paper) SubmitOrder(_ context.Context, req OrderRequest) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RejectNext {
		p.RejectNext = false
		return nil, fmt.Errorf("%w: simulated rejection", ErrOrderRejected)
	}
	p.nextID++
	o := &Order{
		ID:            fmt.Sprintf("paper-%d", p.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Qty:           req.Qty,
		Side:          req.Side,
		LimitPrice:    req.LimitPrice,
		Status:        OrderAccepted,
		SubmittedAt:   time.Now(),
	}
	p.orders[o.ID] = o
	if !p.HoldFills {
		p.fillLocked(o)
	}
	cp := *o
	return &cp, nil
}

// FillOpen fills all held orders. Only meaningful with HoldFills.
func (p *Paper) FillOpen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.orders {
		if !o.Status.Terminal() {
			p.fillLocked(o)
		}
	}
}

func (p *Paper) fillLocked(o *Order) {
	o.Status = OrderFilled
	o.FilledQty = o.Qty
	o.FilledAvgPrice = o.LimitPrice
	notional := float64(o.Qty) * o.LimitPrice * 100
	if o.Side == Buy {
		p.cash -= notional
		pos := p.positions[o.Symbol]
		if pos == nil {
			pos = &Position{Symbol: o.Symbol}
			p.positions[o.Symbol] = pos
		}
		total := float64(pos.Qty)*pos.AvgEntryPrice + float64(o.Qty)*o.LimitPrice
		pos.Qty += o.Qty
		pos.AvgEntryPrice = total / float64(pos.Qty)
		pos.CurrentPrice = o.LimitPrice
		pos.MarketValue = float64(pos.Qty) * o.LimitPrice * 100
	} else {
		p.cash += notional
		if pos := p.positions[o.Symbol]; pos != nil {
			pos.Qty -= o.Qty
			if pos.Qty <= 0 {
				delete(p.positions, o.Symbol)
			}
		}
	}
}

func (p *Paper) Order(_ context.Context, id string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (p *Paper) OpenOrders(context.Context) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Order
	for _, o := range p.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (p *Paper) CancelOrder(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status.Terminal() {
		return fmt.Errorf("paper: order %s already %s", id, o.Status)
	}
	o.Status = OrderCancelled
	return nil
}

func (p *Paper) Quote(_ context.Context, symbol string) (*Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("paper: no quote for %s: %w", symbol, ErrNotFound)
	}
	return &q, nil
}

func (p *Paper) HealthCheck(context.Context) error { return nil }
