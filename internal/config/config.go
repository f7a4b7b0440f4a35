package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Trading holds the hard position-sizing and liquidity limits enforced by
// the safety gate. These are policy, not tuning knobs: the decision layer
// cannot override any of them.
type Trading struct {
	MaxPositions         int      `yaml:"max_positions"`          // open position count cap
	MaxPositionValueUSD  float64  `yaml:"max_position_value_usd"` // absolute per-position cap
	MaxPerTradePct       float64  `yaml:"max_per_trade_pct"`      // fraction of equity per trade
	MaxTotalExposurePct  float64  `yaml:"max_total_exposure_pct"` // fraction of equity across all open positions
	MaxExecutionsPerDay  int      `yaml:"max_executions_per_day"`
	MaxSpreadPct         float64  `yaml:"max_spread_pct"` // bid/ask spread cap, percent of ask
	LimitPriceBufferPct  float64  `yaml:"limit_price_buffer_pct"`
	EarningsBlackoutDays int      `yaml:"earnings_blackout_days"`
	ExcludedTickers      []string `yaml:"excluded_tickers"`
}

type Risk struct {
	MaxIVRankForEntry float64 `yaml:"max_iv_rank_for_entry"`
	MinDTEForEntry    int     `yaml:"min_dte_for_entry"`
}

// Monitor configures the control loop cadence and the loss breakers.
type Monitor struct {
	PollIntervalSeconds      int     `yaml:"poll_interval_seconds"`
	MinScanIntervalSeconds   int     `yaml:"min_scan_interval_seconds"`
	MaxScanIntervalSeconds   int     `yaml:"max_scan_interval_seconds"`
	ReconcileEveryTicks      int     `yaml:"reconcile_every_ticks"`
	HealthIntervalSeconds    int     `yaml:"health_interval_seconds"`
	MaxConsecutiveErrors     int     `yaml:"max_consecutive_errors"`
	ErrorCooldownSeconds     int     `yaml:"error_cooldown_seconds"`
	MaxDailyLossPct          float64 `yaml:"max_daily_loss_pct"`
	MaxWeeklyLossPct         float64 `yaml:"max_weekly_loss_pct"`
	MaxConsecutiveLosses     int     `yaml:"max_consecutive_losses"`
	LossCooldownMinutes      int     `yaml:"loss_cooldown_minutes"`
	MarketOpenDelayMinutes   int     `yaml:"market_open_delay_minutes"`
	MarketCloseBufferMinutes int     `yaml:"market_close_buffer_minutes"`
}

type MarketHours struct {
	OpenHour    int    `yaml:"open_hour"`
	OpenMinute  int    `yaml:"open_minute"`
	CloseHour   int    `yaml:"close_hour"`
	CloseMinute int    `yaml:"close_minute"`
	Timezone    string `yaml:"timezone"`
}

type Broker struct {
	BaseURL          string `yaml:"base_url"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	RateLimitPerMin  int    `yaml:"rate_limit_per_minute"`
	FillPollSeconds  int    `yaml:"fill_poll_seconds"`
	FillPollInterval int    `yaml:"fill_poll_interval_seconds"`
	// APIKey and APISecret come from the environment, never from yaml.
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

type Telegram struct {
	Enabled bool `yaml:"enabled"`
	// BotToken and ChatID come from the environment.
	BotToken         string `yaml:"-"`
	ChatID           string `yaml:"-"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds"`
	QueueSize        int    `yaml:"queue_size"`
}

type Root struct {
	TradingMode string      `yaml:"trading_mode"` // paper | live | offline
	DBPath      string      `yaml:"db_path"`
	AuditPath   string      `yaml:"audit_path"`
	ListenAddr  string      `yaml:"listen_addr"`
	Trading     Trading     `yaml:"trading"`
	Risk        Risk        `yaml:"risk"`
	Monitor     Monitor     `yaml:"monitor"`
	MarketHours MarketHours `yaml:"market_hours"`
	Broker      Broker      `yaml:"broker"`
	Telegram    Telegram    `yaml:"telegram"`
}

// defaultExcluded mirrors the operator's standing exclusion list: index and
// sector ETFs, volatility products, leveraged funds, and meme names where
// flow signals are structurally unreliable.
var defaultExcluded = []string{
	"SPY", "QQQ", "IWM", "DIA",
	"XLF", "XLE", "XLK", "XLV", "XLI", "XLU", "XLB", "XLC", "XLY", "XLP", "XLRE",
	"GLD", "SLV", "TLT", "HYG", "EEM", "EFA", "UNG",
	"VXX", "UVXY", "SVXY",
	"SQQQ", "TQQQ", "SPXU", "SPXL", "UPRO",
	"AMC", "GME", "BBBY", "MULN", "HYMC", "MMAT", "ATER", "DWAC",
	"SPXW", "SPX", "NDX", "XSP",
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	if c.DBPath == "" {
		c.DBPath = "data/cortexcore.db"
	}
	if c.AuditPath == "" {
		c.AuditPath = "data/gate_audit.jsonl"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8090"
	}

	if c.Trading.MaxPositions == 0 {
		c.Trading.MaxPositions = 3
	}
	if c.Trading.MaxPositionValueUSD == 0 {
		c.Trading.MaxPositionValueUSD = 1000
	}
	if c.Trading.MaxPerTradePct == 0 {
		c.Trading.MaxPerTradePct = 0.20
	}
	if c.Trading.MaxTotalExposurePct == 0 {
		c.Trading.MaxTotalExposurePct = 0.25
	}
	if c.Trading.MaxExecutionsPerDay == 0 {
		c.Trading.MaxExecutionsPerDay = 2
	}
	if c.Trading.MaxSpreadPct == 0 {
		c.Trading.MaxSpreadPct = 15.0
	}
	if c.Trading.LimitPriceBufferPct == 0 {
		c.Trading.LimitPriceBufferPct = 5.0
	}
	if c.Trading.EarningsBlackoutDays == 0 {
		c.Trading.EarningsBlackoutDays = 2
	}
	if len(c.Trading.ExcludedTickers) == 0 {
		c.Trading.ExcludedTickers = defaultExcluded
	}

	if c.Risk.MaxIVRankForEntry == 0 {
		c.Risk.MaxIVRankForEntry = 70
	}
	if c.Risk.MinDTEForEntry == 0 {
		c.Risk.MinDTEForEntry = 14
	}

	if c.Monitor.PollIntervalSeconds == 0 {
		c.Monitor.PollIntervalSeconds = 90
	}
	if c.Monitor.MinScanIntervalSeconds == 0 {
		c.Monitor.MinScanIntervalSeconds = 30
	}
	if c.Monitor.MaxScanIntervalSeconds == 0 {
		c.Monitor.MaxScanIntervalSeconds = 180
	}
	if c.Monitor.ReconcileEveryTicks == 0 {
		c.Monitor.ReconcileEveryTicks = 5
	}
	if c.Monitor.HealthIntervalSeconds == 0 {
		c.Monitor.HealthIntervalSeconds = 1800
	}
	if c.Monitor.MaxConsecutiveErrors == 0 {
		c.Monitor.MaxConsecutiveErrors = 5
	}
	if c.Monitor.ErrorCooldownSeconds == 0 {
		c.Monitor.ErrorCooldownSeconds = 7200
	}
	if c.Monitor.MaxDailyLossPct == 0 {
		c.Monitor.MaxDailyLossPct = 0.05
	}
	if c.Monitor.MaxWeeklyLossPct == 0 {
		c.Monitor.MaxWeeklyLossPct = 0.10
	}
	if c.Monitor.MaxConsecutiveLosses == 0 {
		c.Monitor.MaxConsecutiveLosses = 2
	}
	if c.Monitor.LossCooldownMinutes == 0 {
		c.Monitor.LossCooldownMinutes = 120
	}
	if c.Monitor.MarketOpenDelayMinutes == 0 {
		c.Monitor.MarketOpenDelayMinutes = 15
	}
	if c.Monitor.MarketCloseBufferMinutes == 0 {
		c.Monitor.MarketCloseBufferMinutes = 15
	}

	if c.MarketHours.OpenHour == 0 {
		c.MarketHours.OpenHour = 9
		c.MarketHours.OpenMinute = 30
	}
	if c.MarketHours.CloseHour == 0 {
		c.MarketHours.CloseHour = 16
	}
	if c.MarketHours.Timezone == "" {
		c.MarketHours.Timezone = "America/New_York"
	}

	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://paper-api.alpaca.markets"
	}
	if c.Broker.TimeoutSeconds == 0 {
		c.Broker.TimeoutSeconds = 10
	}
	if c.Broker.RateLimitPerMin == 0 {
		c.Broker.RateLimitPerMin = 200
	}
	if c.Broker.FillPollSeconds == 0 {
		c.Broker.FillPollSeconds = 30
	}
	if c.Broker.FillPollInterval == 0 {
		c.Broker.FillPollInterval = 3
	}
	c.Broker.APIKey = os.Getenv("BROKER_API_KEY")
	c.Broker.APISecret = os.Getenv("BROKER_API_SECRET")

	if c.Telegram.DedupeWindowSecs == 0 {
		c.Telegram.DedupeWindowSecs = 60
	}
	if c.Telegram.QueueSize == 0 {
		c.Telegram.QueueSize = 1000
	}
	c.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	c.Telegram.ChatID = os.Getenv("TELEGRAM_CHAT_ID")

	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c Root) validate() error {
	switch c.TradingMode {
	case "paper", "live", "offline":
	default:
		return fmt.Errorf("trading_mode must be paper, live, or offline, got %q", c.TradingMode)
	}
	if c.Monitor.MinScanIntervalSeconds > c.Monitor.MaxScanIntervalSeconds {
		return fmt.Errorf("min_scan_interval_seconds %d > max_scan_interval_seconds %d",
			c.Monitor.MinScanIntervalSeconds, c.Monitor.MaxScanIntervalSeconds)
	}
	if c.Trading.MaxTotalExposurePct <= 0 || c.Trading.MaxTotalExposurePct > 1 {
		return fmt.Errorf("max_total_exposure_pct must be in (0,1], got %v", c.Trading.MaxTotalExposurePct)
	}
	if c.Monitor.MaxDailyLossPct <= 0 || c.Monitor.MaxDailyLossPct > 1 {
		return fmt.Errorf("max_daily_loss_pct must be in (0,1], got %v", c.Monitor.MaxDailyLossPct)
	}
	return nil
}

// Excluded reports whether ticker is on the exclusion list.
func (t Trading) Excluded(ticker string) bool {
	for _, x := range t.ExcludedTickers {
		if x == ticker {
			return true
		}
	}
	return false
}
