package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/highwatermark/cortexcore/internal/config"
	"github.com/highwatermark/cortexcore/internal/observ"
)

const alpacaDataURL = "https://data.alpaca.markets"

// Alpaca talks to the Alpaca trading API. The same client serves paper
// and live accounts; only the configured base URL differs.
type Alpaca struct {
	cfg         config.Broker
	dataURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	maxRetries  int
	backoffBase time.Duration
}

func NewAlpaca(cfg config.Broker) (*Alpaca, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("alpaca: missing API credentials")
	}
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 200
	}
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 10
	}
	return &Alpaca{
		cfg:         cfg,
		dataURL:     alpacaDataURL,
		httpClient:  &http.Client{Timeout: time.Duration(timeout) * time.Second},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(perMin)/60), 5),
		maxRetries:  3,
		backoffBase: time.Second,
	}, nil
}

func (a *Alpaca) do(ctx context.Context, method, base, path string, body, out any) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("alpaca: rate wait: %w", err)
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("alpaca: marshal body: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, rd)
	if err != nil {
		return fmt.Errorf("alpaca: build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", a.cfg.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.cfg.APISecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alpaca: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusForbidden && method == http.MethodPost:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s", ErrOrderRejected, string(msg))
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("alpaca: %s %s: HTTP %d: %s", method, path, resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("alpaca: decode %s: %w", path, err)
	}
	return nil
}

// getWithRetry retries idempotent reads with exponential backoff. Order
// submission is never routed through here.
func (a *Alpaca) getWithRetry(ctx context.Context, base, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.backoffBase * time.Duration(1<<attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = a.do(ctx, http.MethodGet, base, path, nil, out)
		if lastErr == nil || errors.Is(lastErr, ErrNotFound) {
			return lastErr
		}
		observ.IncCounter("broker_read_retries_total", nil)
	}
	return lastErr
}

// Alpaca encodes money as JSON strings.
func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseI(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

type alpacaAccount struct {
	Equity      string `json:"equity"`
	Cash        string `json:"cash"`
	BuyingPower string `json:"buying_power"`
}

func (a *Alpaca) Account(ctx context.Context) (*Account, error) {
	var raw alpacaAccount
	if err := a.getWithRetry(ctx, a.cfg.BaseURL, "/v2/account", &raw); err != nil {
		return nil, err
	}
	return &Account{
		Equity:      parseF(raw.Equity),
		Cash:        parseF(raw.Cash),
		BuyingPower: parseF(raw.BuyingPower),
	}, nil
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	MarketValue   string `json:"market_value"`
}

func (a *Alpaca) Positions(ctx context.Context) ([]Position, error) {
	var raw []alpacaPosition
	if err := a.getWithRetry(ctx, a.cfg.BaseURL, "/v2/positions", &raw); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, Position{
			Symbol:        p.Symbol,
			Qty:           parseI(p.Qty),
			AvgEntryPrice: parseF(p.AvgEntryPrice),
			CurrentPrice:  parseF(p.CurrentPrice),
			MarketValue:   parseF(p.MarketValue),
		})
	}
	return out, nil
}

type alpacaOrder struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	Side           string `json:"side"`
	LimitPrice     string `json:"limit_price"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	SubmittedAt    string `json:"submitted_at"`
}

func (o alpacaOrder) toOrder() *Order {
	submitted, _ := time.Parse(time.RFC3339, o.SubmittedAt)
	return &Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Qty:            parseI(o.Qty),
		Side:           OrderSide(o.Side),
		LimitPrice:     parseF(o.LimitPrice),
		Status:         OrderStatus(o.Status),
		FilledQty:      parseI(o.FilledQty),
		FilledAvgPrice: parseF(o.FilledAvgPrice),
		SubmittedAt:    submitted,
	}
}

// SubmitOrder places a limit day order. No retry on any failure: an
// ambiguous outcome is surfaced as-is and resolved by reconciliation,
// never by resubmitting.
func (a *Alpaca) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	payload := map[string]any{
		"symbol":          req.Symbol,
		"qty":             strconv.Itoa(req.Qty),
		"side":            string(req.Side),
		"type":            "limit",
		"limit_price":     fmt.Sprintf("%.2f", req.LimitPrice),
		"time_in_force":   "day",
		"client_order_id": req.ClientOrderID,
	}
	var raw alpacaOrder
	if err := a.do(ctx, http.MethodPost, a.cfg.BaseURL, "/v2/orders", payload, &raw); err != nil {
		return nil, err
	}
	return raw.toOrder(), nil
}

func (a *Alpaca) Order(ctx context.Context, id string) (*Order, error) {
	var raw alpacaOrder
	if err := a.getWithRetry(ctx, a.cfg.BaseURL, "/v2/orders/"+id, &raw); err != nil {
		return nil, err
	}
	return raw.toOrder(), nil
}

func (a *Alpaca) OpenOrders(ctx context.Context) ([]Order, error) {
	var raw []alpacaOrder
	if err := a.getWithRetry(ctx, a.cfg.BaseURL, "/v2/orders?status=open&limit=100", &raw); err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(raw))
	for _, o := range raw {
		out = append(out, *o.toOrder())
	}
	return out, nil
}

func (a *Alpaca) CancelOrder(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, a.cfg.BaseURL, "/v2/orders/"+id, nil, nil)
}

type alpacaQuoteResponse struct {
	Quotes map[string]struct {
		Bid float64 `json:"bp"`
		Ask float64 `json:"ap"`
		TS  string  `json:"t"`
	} `json:"quotes"`
}

// Quote fetches the latest option quote from the data API.
func (a *Alpaca) Quote(ctx context.Context, symbol string) (*Quote, error) {
	var raw alpacaQuoteResponse
	path := "/v1beta1/options/quotes/latest?feed=indicative&symbols=" + symbol
	if err := a.getWithRetry(ctx, a.dataURL, path, &raw); err != nil {
		return nil, err
	}
	q, ok := raw.Quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("alpaca: no quote for %s: %w", symbol, ErrNotFound)
	}
	asOf, _ := time.Parse(time.RFC3339, q.TS)
	return &Quote{Symbol: symbol, Bid: q.Bid, Ask: q.Ask, AsOf: asOf}, nil
}

func (a *Alpaca) HealthCheck(ctx context.Context) error {
	_, err := a.Account(ctx)
	if err != nil {
		return fmt.Errorf("alpaca health: %w", err)
	}
	return nil
}
