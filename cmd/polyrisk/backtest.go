package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyrisk/internal/adapters/files"
	"github.com/alejandrodnm/polyrisk/internal/adapters/storage"
	"github.com/alejandrodnm/polyrisk/internal/application/backtest"
	"github.com/alejandrodnm/polyrisk/internal/application/killswitch"
	"github.com/alejandrodnm/polyrisk/internal/application/sizer"
	"github.com/alejandrodnm/polyrisk/internal/domain"
	"github.com/alejandrodnm/polyrisk/internal/ports"
)

func (a *app) runBacktest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	ticksPath := fs.String("ticks", "", "tick CSV (market_id,timestamp,price[,volume,liquidity])")
	entryBelow := fs.Float64("entry-below", 0.40, "enter when price <= this")
	exitAbove := fs.Float64("exit-above", 0.60, "exit when price >= this")
	stopBelow := fs.Float64("stop-below", 0, "also exit when price <= this (0 = no stop)")
	minVolume := fs.Float64("min-volume", 0, "only enter when tick volume >= this")
	fraction := fs.Float64("fraction", a.cfg.Backtest.DefaultFraction, "fixed fraction of capital per trade")
	kellyWinRate := fs.Float64("kelly-winrate", 0, "size with the Kelly sizer at this win rate instead of -fraction")
	parallel := fs.Bool("parallel", false, "run markets concurrently with isolated capital")
	workers := fs.Int("workers", a.cfg.Backtest.Workers, "parallel workers (0 = NumCPU)")
	guard := fs.Bool("guard", false, "gate entries with an in-memory kill switch fed by simulated capital")
	showTrades := fs.Bool("trades", false, "print the trade ledger")
	out := fs.String("out", "", "export the ledger to .csv, .json or .xlsx")
	save := fs.Bool("save", false, "persist the run to the configured storage")
	label := fs.String("label", a.cfg.Backtest.Strategy, "strategy label for trades and saved runs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ticksPath == "" {
		return errors.New("backtest: -ticks is required")
	}

	ticks, err := files.NewCSVTickSource(*ticksPath).LoadTicks(ctx)
	if err != nil {
		return err
	}

	entry := backtest.PriceBelow(*entryBelow)
	if *minVolume > 0 {
		entry = backtest.All(entry, backtest.MinVolume(*minVolume))
	}
	exit := backtest.PriceAbove(*exitAbove)
	if *stopBelow > 0 {
		exit = backtest.Any(exit, backtest.PriceBelow(*stopBelow))
	}

	initial := a.cfg.Backtest.InitialCapital
	opts := backtest.Options{
		InitialCapital: initial,
		Fees:           a.cfg.Fees,
		Strategy:       *label,
		Sizing:         backtest.FixedFraction(*fraction),
	}
	if *kellyWinRate > 0 {
		sz := sizer.New(a.sizerLimits(initial), nil, a.metrics)
		opts.Sizing = backtest.KellySizing(sz, *label, *kellyWinRate)
	}

	observers := tradeObservers{a.metrics}
	var ks *killswitch.KillSwitch
	if *guard {
		clock := &tradeClock{now: firstTimestamp(ticks)}
		observers = append(tradeObservers{clock}, observers...)
		ks, err = killswitch.New(ctx, storage.NewMemoryStorage(), a.killSwitchConfig(), clock, a.metrics)
		if err != nil {
			return fmt.Errorf("backtest: guard: %w", err)
		}
		// registra el capital inicial como peak antes del primer trade
		if _, err := ks.CheckBalance(ctx, initial); err != nil {
			return fmt.Errorf("backtest: guard: %w", err)
		}
		opts.Guard = ks
	}
	opts.Observer = observers

	sim, err := backtest.New(opts)
	if err != nil {
		return err
	}

	started := time.Now().UTC()
	var res backtest.Result
	if *parallel {
		res, err = sim.RunParallel(ctx, ticks, entry, exit, *workers)
	} else {
		res, err = sim.Run(ctx, ticks, entry, exit)
	}
	if err != nil {
		return err
	}

	slog.Debug("backtest timing",
		"ticks", len(ticks),
		"parallel", *parallel,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)

	a.reporter.PrintMetrics(*label, res.Metrics)
	if *showTrades {
		a.reporter.PrintTrades(res.Trades)
	}
	if ks != nil && !ks.CanTrade() {
		a.reporter.PrintKillSwitchStatus(ks.Status())
	}

	if *out != "" {
		if err := files.ExportLedger(*out, res.Trades, res.Metrics); err != nil {
			return err
		}
		slog.Info("ledger exported", "path", *out)
	}

	if *save {
		st, closeStores, err := a.openStores()
		if err != nil {
			return err
		}
		defer closeStores()

		run := ports.BacktestRun{
			ID:        uuid.NewString(),
			Label:     *label,
			StartedAt: started,
			Markets:   res.Markets,
			Metrics:   res.Metrics,
		}
		if err := st.backtests.SaveBacktest(ctx, run, res.Trades); err != nil {
			return err
		}
		slog.Info("backtest saved", "run_id", run.ID)
		if a.cfg.Storage.Backend == "file" {
			slog.Warn("file backend keeps backtests in memory only; use storage.backend=sqlite to keep runs")
		}
	}
	return nil
}

func (a *app) runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	days := fs.Int("days", 30, "list runs started in the last N days")
	runID := fs.String("id", "", "print the ledger of this run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, closeStores, err := a.openStores()
	if err != nil {
		return err
	}
	defer closeStores()

	if *runID != "" {
		run, ok, err := st.backtests.GetBacktestRun(ctx, *runID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("runs: no saved backtest %q", *runID)
		}
		trades, err := st.backtests.GetBacktestTrades(ctx, *runID)
		if err != nil {
			return err
		}
		label := run.Label
		if label == "" {
			label = run.ID
		}
		a.reporter.PrintMetrics(label, run.Metrics)
		a.reporter.PrintTrades(trades)
		return nil
	}

	to := time.Now().UTC()
	runs, err := st.backtests.ListBacktests(ctx, to.AddDate(0, 0, -*days), to)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("  No saved backtests in range.")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  %-20s markets=%d trades=%d pnl=$%.2f\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04"), r.Label,
			r.Markets, r.Metrics.TotalTrades, r.Metrics.TotalPnL)
	}
	return nil
}

// tradeObservers reparte cada trade cerrado entre varios observers.
type tradeObservers []backtest.Observer

func (o tradeObservers) ObserveTrade(t domain.Trade) {
	for _, obs := range o {
		obs.ObserveTrade(t)
	}
}

// tradeClock avanza con el exit_timestamp de cada trade, así la sesión diaria
// del guard sigue los días simulados y no el reloj de pared.
type tradeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tradeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *tradeClock) ObserveTrade(t domain.Trade) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.ExitTimestamp.After(c.now) {
		c.now = t.ExitTimestamp
	}
}

func firstTimestamp(ticks []domain.PriceTick) time.Time {
	var first time.Time
	for _, t := range ticks {
		if t.Valid() && (first.IsZero() || t.Timestamp.Before(first)) {
			first = t.Timestamp
		}
	}
	return first
}
