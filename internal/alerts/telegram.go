// Package alerts delivers operator notifications over Telegram. Sends
// are fire-and-forget: the caller never blocks on the network, and a
// delivery failure never fails the trading path that raised the alert.
package alerts

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/highwatermark/cortexcore/internal/config"
	"github.com/highwatermark/cortexcore/internal/observ"
)

// Severity orders alerts; CRITICAL alerts survive queue pressure.
type Severity string

const (
	Info     Severity = "INFO"
	Warning  Severity = "WARNING"
	Critical Severity = "CRITICAL"
)

// Notifier is the send surface the rest of the system depends on.
// TelegramClient implements it for production; tests use a recorder.
type Notifier interface {
	Notify(sev Severity, title, body string)
}

// Null discards all alerts. Used when Telegram is not configured.
type Null struct{}

func (Null) Notify(Severity, string, string) {}

type queuedAlert struct {
	sev       Severity
	text      string
	attempts  int
	nextRetry time.Time
}

type TelegramClient struct {
	cfg        config.Telegram
	httpClient *http.Client
	queue      chan queuedAlert
	dedupe     map[string]time.Time
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewTelegramClient(cfg config.Telegram) *TelegramClient {
	ctx, cancel := context.WithCancel(context.Background())
	size := cfg.QueueSize
	if size <= 0 {
		size = 200
	}
	c := &TelegramClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan queuedAlert, size),
		dedupe:     make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}
	go c.worker()
	go c.cleanup()
	return c
}

func (c *TelegramClient) Notify(sev Severity, title, body string) {
	if !c.cfg.Enabled {
		return
	}
	text := formatMessage(sev, title, body)

	// Dedupe identical alerts inside the window so a condition that
	// persists across ticks pages once, not every 90 seconds.
	hash := fmt.Sprintf("%x", sha256.Sum256([]byte(text)))[:16]
	window := time.Duration(c.cfg.DedupeWindowSecs) * time.Second
	c.mu.Lock()
	if last, ok := c.dedupe[hash]; ok && time.Since(last) < window {
		c.mu.Unlock()
		observ.IncCounter("alerts_deduped_total", nil)
		return
	}
	c.dedupe[hash] = time.Now()
	c.mu.Unlock()

	a := queuedAlert{sev: sev, text: text, nextRetry: time.Now()}
	select {
	case c.queue <- a:
	default:
		c.dropOldestNonCritical(a)
	}
}

func formatMessage(sev Severity, title, body string) string {
	icon := "ℹ️"
	switch sev {
	case Warning:
		icon = "⚠️"
	case Critical:
		icon = "🚨"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n", icon, title)
	if body != "" {
		b.WriteString(body)
	}
	msg := b.String()
	// Telegram caps messages at 4096 chars.
	if len(msg) > 4000 {
		msg = msg[:4000] + "…"
	}
	return msg
}

func (c *TelegramClient) dropOldestNonCritical(newAlert queuedAlert) {
	select {
	case old := <-c.queue:
		if old.sev == Critical {
			// Keep the critical one; the new alert loses instead.
			select {
			case c.queue <- old:
			default:
			}
			if newAlert.sev != Critical {
				observ.IncCounter("alerts_dropped_total", nil)
				return
			}
		}
		select {
		case c.queue <- newAlert:
			observ.IncCounter("alerts_dropped_total", nil)
		default:
			observ.IncCounter("alerts_dropped_total", nil)
		}
	default:
		select {
		case c.queue <- newAlert:
		default:
			observ.IncCounter("alerts_dropped_total", nil)
		}
	}
}

func (c *TelegramClient) worker() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case a := <-c.queue:
			if wait := time.Until(a.nextRetry); wait > 0 {
				select {
				case <-time.After(wait):
				case <-c.ctx.Done():
					return
				}
			}
			if c.send(a.text) {
				observ.IncCounter("alerts_sent_total", map[string]string{"severity": string(a.sev)})
				continue
			}
			a.attempts++
			if a.attempts >= 3 {
				observ.IncCounter("alerts_failed_total", nil)
				continue
			}
			backoff := time.Duration(math.Pow(2, float64(a.attempts))) * time.Second
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			a.nextRetry = time.Now().Add(backoff + jitter)
			select {
			case c.queue <- a:
			default:
				observ.IncCounter("alerts_dropped_total", nil)
			}
		}
	}
}

func (c *TelegramClient) send(text string) bool {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.cfg.BotToken)
	form := url.Values{
		"chat_id":    {c.cfg.ChatID},
		"text":       {text},
		"parse_mode": {"Markdown"},
	}
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observ.Log("telegram_send_error", map[string]any{"error": err.Error()})
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		observ.Log("telegram_send_error", map[string]any{"status": resp.StatusCode})
		return false
	}
	return true
}

func (c *TelegramClient) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(c.cfg.DedupeWindowSecs) * time.Second)
			c.mu.Lock()
			for h, ts := range c.dedupe {
				if ts.Before(cutoff) {
					delete(c.dedupe, h)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *TelegramClient) Close() { c.cancel() }
