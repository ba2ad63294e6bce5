package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"

	"github.com/alejandrodnm/polyrisk/internal/adapters/files"
	"github.com/alejandrodnm/polyrisk/internal/application/killswitch"
)

func (a *app) runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	balancesPath := fs.String("balances", "", "file holding the current balance, rewritten by the trading loop")
	interval := fs.Duration("interval", a.cfg.MonitorInterval(), "balance poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *balancesPath == "" {
		return errors.New("watch: -balances is required")
	}
	if *interval <= 0 {
		return errors.New("watch: -interval must be > 0")
	}

	st, closeStores, err := a.openStores()
	if err != nil {
		return err
	}
	defer closeStores()
	ks, err := a.openKillSwitch(ctx, st)
	if err != nil {
		return err
	}

	m := killswitch.NewMonitor(ks, files.NewFileBalance(*balancesPath), *interval, a.cfg.ReadTimeout())
	m.OnTrigger = func(context.Context) {
		a.reporter.PrintKillSwitchStatus(ks.Status())
	}

	slog.Info("watching balance",
		"file", *balancesPath,
		"interval", *interval,
		"sentinel", ks.SentinelPath(),
		"phase", ks.State().Phase(),
	)
	if err := m.Run(ctx); err != nil {
		return err
	}
	slog.Info("watch stopped cleanly")
	return nil
}
