// cortexctl is the operator's control surface: flip the kill switch,
// inspect breakers and intents, and print performance. It acts on the
// same database as the monitor; the store's constraints arbitrate any
// overlap with a running tick.
package main

import (
	"fmt"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/highwatermark/cortexcore/internal/alerts"
	"github.com/highwatermark/cortexcore/internal/analytics"
	"github.com/highwatermark/cortexcore/internal/config"
	"github.com/highwatermark/cortexcore/internal/killswitch"
	"github.com/highwatermark/cortexcore/internal/store"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: cortexctl [-config path] <command>

commands:
  kill on <reason>    engage the kill switch
  kill off <reason>   disengage the kill switch
  status              kill switch, breakers, open positions, working intents
  perf                performance summary over the full trade log`)
	os.Exit(2)
}

func main() {
	args := os.Args[1:]
	configPath := "config/config.yaml"
	if len(args) >= 2 && args[0] == "-config" {
		configPath = args[1]
		args = args[2:]
	}
	if len(args) == 0 {
		usage()
	}

	_ = godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fatal("open store: %v", err)
	}

	var notifier alerts.Notifier = alerts.Null{}
	if cfg.Telegram.Enabled {
		tg := alerts.NewTelegramClient(cfg.Telegram)
		defer tg.Close()
		notifier = tg
	}

	switch args[0] {
	case "kill":
		if len(args) < 3 {
			usage()
		}
		runKill(st, notifier, args[1], strings.Join(args[2:], " "))
	case "status":
		runStatus(st)
	case "perf":
		runPerf(st)
	default:
		usage()
	}
}

func runKill(st *store.Store, notifier alerts.Notifier, verb, reason string) {
	var engaged bool
	switch verb {
	case "on":
		engaged = true
	case "off":
		engaged = false
	default:
		usage()
	}
	ks := killswitch.New(st, notifier)
	if err := ks.Set(engaged, reason, actor()); err != nil {
		fatal("set kill switch: %v", err)
	}
	state := "disengaged"
	if engaged {
		state = "ENGAGED"
	}
	fmt.Printf("kill switch %s: %s\n", state, reason)
}

func runStatus(st *store.Store) {
	ks, err := st.KillSwitch()
	if err != nil {
		fatal("read kill switch: %v", err)
	}
	if ks.Engaged {
		fmt.Printf("kill switch: ENGAGED by %s (%s)\n", ks.Actor, ks.Reason)
	} else {
		fmt.Println("kill switch: off")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nBREAKER\tSTATE\tRESUMES\tREASON")
	for _, t := range []store.BreakerType{store.BreakerDaily, store.BreakerWeekly, store.BreakerConsecutive} {
		b, err := st.BreakerState(t)
		if err != nil {
			fatal("read breaker %s: %v", t, err)
		}
		state, resumes := "closed", "-"
		if b.Tripped {
			state = "OPEN"
			if b.ResumesAt != nil {
				resumes = b.ResumesAt.Local().Format("Jan 2 15:04")
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t, state, resumes, b.Reason)
	}
	w.Flush()

	open, err := st.OpenPositions()
	if err != nil {
		fatal("read positions: %v", err)
	}
	fmt.Printf("\nopen positions: %d\n", len(open))
	for _, p := range open {
		flag := ""
		if p.NeedsReview {
			flag = " [needs review]"
		}
		fmt.Printf("  %s %s x%d @ $%.2f (%s)%s\n",
			p.PositionID, p.OptionSymbol, p.Quantity, p.EntryPrice, p.Source, flag)
	}

	intents, err := st.NonTerminalIntents()
	if err != nil {
		fatal("read intents: %v", err)
	}
	fmt.Printf("\nworking intents: %d\n", len(intents))
	for _, in := range intents {
		fmt.Printf("  %s %s %s x%d, %s since %s\n",
			in.IdempotencyKey, in.Direction, in.OptionSymbol, in.Quantity,
			in.Status, in.CreatedAt.Local().Format("Jan 2 15:04"))
	}
}

func runPerf(st *store.Store) {
	trades, err := st.TradesSince(time.Time{})
	if err != nil {
		fatal("read trades: %v", err)
	}
	if len(trades) == 0 {
		fmt.Println("no closed trades yet")
		return
	}
	// Sharpe needs an equity base; the trade log doesn't carry one, so
	// use total entry value per trade averaged as a rough proxy.
	var base float64
	for _, t := range trades {
		base += t.EntryPrice * float64(t.Quantity) * 100
	}
	base /= float64(len(trades))

	s := analytics.Compute(trades, base)
	fmt.Printf("trades:         %d (%d wins, %d losses)\n", s.Trades, s.Wins, s.Losses)
	fmt.Printf("win rate:       %.1f%%\n", s.WinRate*100)
	fmt.Printf("total P&L:      $%.2f\n", s.TotalPnL)
	fmt.Printf("avg win/loss:   $%.2f / $%.2f\n", s.AvgWin, s.AvgLoss)
	fmt.Printf("profit factor:  %.2f\n", s.ProfitFactor)
	fmt.Printf("max drawdown:   $%.2f\n", s.MaxDrawdown)
	fmt.Printf("sharpe:         %.2f\n", s.Sharpe)
	fmt.Printf("avg hold:       %.1f h\n", s.AvgHoldHours)
}

func actor() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "operator"
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "cortexctl: "+format+"\n", args...)
	os.Exit(1)
}
