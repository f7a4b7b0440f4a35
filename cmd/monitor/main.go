package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/highwatermark/cortexcore/internal/alerts"
	"github.com/highwatermark/cortexcore/internal/breaker"
	"github.com/highwatermark/cortexcore/internal/broker"
	"github.com/highwatermark/cortexcore/internal/config"
	"github.com/highwatermark/cortexcore/internal/decide"
	"github.com/highwatermark/cortexcore/internal/exec"
	"github.com/highwatermark/cortexcore/internal/gate"
	"github.com/highwatermark/cortexcore/internal/health"
	"github.com/highwatermark/cortexcore/internal/killswitch"
	"github.com/highwatermark/cortexcore/internal/ledger"
	"github.com/highwatermark/cortexcore/internal/market"
	"github.com/highwatermark/cortexcore/internal/monitor"
	"github.com/highwatermark/cortexcore/internal/observ"
	"github.com/highwatermark/cortexcore/internal/reconcile"
	"github.com/highwatermark/cortexcore/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// Secrets come from the environment; .env is a convenience for
	// local runs and absent in deployment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observ.Error("config_load_failed", map[string]any{"error": err.Error(), "path": *configPath})
		os.Exit(1)
	}

	cal, err := market.NewCalendar(cfg.MarketHours)
	if err != nil {
		observ.Error("calendar_init_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		observ.Error("data_dir_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		observ.Error("store_open_failed", map[string]any{"error": err.Error(), "path": cfg.DBPath})
		os.Exit(1)
	}
	defer st.Close()

	var notifier alerts.Notifier = alerts.Null{}
	if cfg.Telegram.Enabled {
		tg := alerts.NewTelegramClient(cfg.Telegram)
		defer tg.Close()
		notifier = tg
	}

	var bk broker.Client
	if cfg.TradingMode == "offline" {
		bk = broker.NewPaper(10000)
	} else {
		bk, err = broker.NewAlpaca(cfg.Broker)
		if err != nil {
			observ.Error("broker_init_failed", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}

	auditor, err := gate.NewAuditor(cfg.AuditPath)
	if err != nil {
		observ.Error("audit_open_failed", map[string]any{"error": err.Error(), "path": cfg.AuditPath})
		os.Exit(1)
	}
	defer auditor.Close()

	lg := ledger.New(st)
	g := gate.New(&cfg, cal, auditor)
	ex := exec.New(st, lg, bk, g, cfg.Trading, cfg.Broker, notifier)
	recon := reconcile.New(st, bk, notifier)

	loop := monitor.New(&cfg, monitor.Deps{
		Store:    st,
		Ledger:   lg,
		Breakers: breaker.New(st, cal, cfg.Monitor, notifier),
		Kill:     killswitch.New(st, notifier),
		Recon:    recon,
		Health:   health.New(st, bk, filepath.Dir(cfg.DBPath), notifier),
		Exec:     ex,
		Engine:   decide.Static{DelaySeconds: cfg.Monitor.PollIntervalSeconds},
		Broker:   bk,
		Calendar: cal,
		Notifier: notifier,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.Health())
	go func() {
		if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
			observ.Error("http_listen_failed", map[string]any{"error": err.Error(), "addr": cfg.ListenAddr})
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Reconcile before the first tick: whatever happened while we were
	// down is corrected before any new decision runs against it.
	if _, err := recon.Run(ctx, time.Now()); err != nil {
		observ.Error("startup_reconcile_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		observ.Error("monitor_exit", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}
