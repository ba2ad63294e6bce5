package main

import (
	"context"
	"errors"
	"flag"

	"github.com/alejandrodnm/polyrisk/internal/adapters/files"
	"github.com/alejandrodnm/polyrisk/internal/application/sizer"
	"github.com/alejandrodnm/polyrisk/internal/domain"
)

func (a *app) runSize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("size", flag.ContinueOnError)
	strategy := fs.String("strategy", "manual", "strategy label")
	winRate := fs.Float64("winrate", 0, "estimated probability of winning, in (0,1)")
	price := fs.Float64("price", 0, "market price of the side to buy, in (0,1)")
	multiplier := fs.Float64("multiplier", 0, "Kelly multiplier (0 = config)")
	bankroll := fs.Float64("bankroll", a.cfg.Sizer.Bankroll, "bankroll in USDC")
	positionsPath := fs.String("positions", "", "JSON array of open positions")
	batchPath := fs.String("batch", "", "JSON array of opportunities to size together")
	gate := fs.Bool("gate", true, "block recommendations while the persisted kill switch is triggered")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *batchPath == "" && (*winRate == 0 || *price == 0) {
		return errors.New("size: -winrate and -price are required (or -batch)")
	}

	var positions []domain.Position
	if *positionsPath != "" {
		var err error
		if positions, err = files.LoadPositions(*positionsPath); err != nil {
			return err
		}
	}

	var g sizer.Gate
	if *gate {
		st, closeStores, err := a.openStores()
		if err != nil {
			return err
		}
		defer closeStores()
		ks, err := a.openKillSwitch(ctx, st)
		if err != nil {
			return err
		}
		g = ks
	}
	sz := sizer.New(a.sizerLimits(*bankroll), g, a.metrics)

	if *batchPath != "" {
		opps, err := files.LoadOpportunities(*batchPath)
		if err != nil {
			return err
		}
		recs, err := sz.Batch(opps, positions)
		if err != nil {
			return err
		}
		a.reporter.PrintRecommendations(recs)
		return nil
	}

	var (
		rec domain.PositionRecommendation
		err error
	)
	if *multiplier > 0 {
		rec, err = sz.RecommendWithMultiplier(*strategy, *winRate, *price, positions, *multiplier)
	} else {
		rec, err = sz.Recommend(*strategy, *winRate, *price, positions)
	}
	if err != nil {
		return err
	}
	a.reporter.PrintRecommendations([]domain.PositionRecommendation{rec})
	return nil
}
