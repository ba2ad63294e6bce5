package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alejandrodnm/polyrisk/config"
	"github.com/alejandrodnm/polyrisk/internal/adapters/notify"
	"github.com/alejandrodnm/polyrisk/internal/adapters/storage"
	"github.com/alejandrodnm/polyrisk/internal/application/killswitch"
	"github.com/alejandrodnm/polyrisk/internal/application/sizer"
	"github.com/alejandrodnm/polyrisk/internal/observability"
	"github.com/alejandrodnm/polyrisk/internal/ports"
)

const usageText = `usage: polyrisk [flags] <command> [command flags]

commands:
  backtest    replay a tick CSV through an entry/exit rule pair
  runs        list saved backtests, or print one run's ledger
  size        Kelly position size for one opportunity or a batch
  killswitch  status|history|arm|disarm|trigger|reset|check
  watch       poll a balance file and trip the kill switch on losses

flags:
`

// app agrupa lo que comparten todos los subcomandos.
type app struct {
	cfg      *config.Config
	metrics  *observability.Metrics
	reporter *notify.Console
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus /metrics on this address (e.g. :9090)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &app{
		cfg:      cfg,
		metrics:  observability.NewMetrics(""),
		reporter: notify.NewConsole(),
	}
	if *metricsAddr != "" {
		a.metrics.Registry().MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		go serveMetrics(ctx, *metricsAddr, a.metrics)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	slog.Debug("polyrisk starting", "config", *configPath, "command", cmd)

	switch cmd {
	case "backtest":
		err = a.runBacktest(ctx, args)
	case "runs":
		err = a.runRuns(ctx, args)
	case "size":
		err = a.runSize(ctx, args)
	case "killswitch":
		err = a.runKillSwitch(ctx, args)
	case "watch":
		err = a.runWatch(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("command failed", "command", cmd, "err", err)
		os.Exit(1)
	}
}

// stores son los backends abiertos según storage.backend.
type stores struct {
	killSwitch ports.KillSwitchStorage
	backtests  ports.BacktestStorage
}

// openStores abre el backend configurado. Con backend "file" el estado del
// kill switch va a ficheros JSON y los backtests solo viven en memoria.
func (a *app) openStores() (stores, func(), error) {
	switch a.cfg.Storage.Backend {
	case "file":
		fs, err := storage.NewFileKillSwitchStore(a.cfg.KillSwitch.StateFile, a.cfg.KillSwitch.HistoryFile)
		if err != nil {
			return stores{}, nil, err
		}
		mem := storage.NewMemoryStorage()
		return stores{killSwitch: fs, backtests: mem}, func() {}, nil
	default:
		db, err := storage.NewSQLiteStorage(a.cfg.Storage.DSN)
		if err != nil {
			return stores{}, nil, err
		}
		closeFn := func() {
			if err := db.Close(); err != nil {
				slog.Warn("failed to close storage", "err", err)
			}
		}
		return stores{killSwitch: db, backtests: db}, closeFn, nil
	}
}

func (a *app) killSwitchConfig() killswitch.Config {
	return killswitch.Config{
		CircuitBreakerPct: a.cfg.KillSwitch.CircuitBreakerPct,
		DailyLossPct:      a.cfg.KillSwitch.DailyLossPct,
		Cooldown:          a.cfg.Cooldown(),
		SentinelPath:      a.cfg.KillSwitch.SentinelPath,
	}
}

// openKillSwitch carga el kill switch persistido.
func (a *app) openKillSwitch(ctx context.Context, st stores) (*killswitch.KillSwitch, error) {
	ks, err := killswitch.New(ctx, st.killSwitch, a.killSwitchConfig(), nil, a.metrics)
	if err != nil {
		return nil, err
	}
	return ks, nil
}

func (a *app) sizerLimits(bankroll float64) sizer.Limits {
	return sizer.Limits{
		Bankroll:               bankroll,
		KellyMultiplier:        a.cfg.Sizer.KellyMultiplier,
		MaxSinglePositionPct:   a.cfg.Sizer.MaxSinglePositionPct,
		MaxTotalExposurePct:    a.cfg.Sizer.MaxTotalExposurePct,
		MaxStrategyExposurePct: a.cfg.Sizer.MaxStrategyExposurePct,
	}
}

func serveMetrics(ctx context.Context, addr string, m *observability.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "err", err)
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
