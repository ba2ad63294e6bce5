package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyrisk/internal/domain"
)

// DefaultFraction is the capital fraction used when no sizing function is given.
const DefaultFraction = 0.10

// Rule is a pure entry or exit predicate evaluated on every valid tick.
type Rule func(tick domain.PriceTick) bool

// SizingFunc returns the fraction of current capital to commit on entry.
// Values outside [0,1] are clamped; NaN counts as 0.
type SizingFunc func(tick domain.PriceTick, capital float64) float64

// Guard gates new entries. The kill switch satisfies it.
type Guard interface {
	CanTrade() bool
	CheckBalance(ctx context.Context, balance float64) (bool, error)
}

// Observer receives every closed trade.
type Observer interface {
	ObserveTrade(trade domain.Trade)
}

// Options configures a simulation run.
type Options struct {
	InitialCapital float64
	Fees           domain.Fees
	Strategy       string     // label copied onto every trade
	Sizing         SizingFunc // nil = FixedFraction(DefaultFraction)
	Guard          Guard      // optional
	Observer       Observer   // optional
}

// Result is the outcome of a run: the ledger, its metrics and run counters.
type Result struct {
	Trades         []domain.Trade
	Metrics        domain.Metrics
	Markets        int
	SkippedTicks   int
	BlockedEntries int
	FinalCapital   float64
}

// Simulator replays entry/exit rules over historical tick series.
type Simulator struct {
	opts Options
}

// New validates opts and returns a simulator.
func New(opts Options) (*Simulator, error) {
	if !(opts.InitialCapital > 0) {
		return nil, fmt.Errorf("backtest.New: %w: initial_capital=%v must be > 0", domain.ErrInvalidInput, opts.InitialCapital)
	}
	if err := validateFee("entry_fee", opts.Fees.EntryFee); err != nil {
		return nil, fmt.Errorf("backtest.New: %w", err)
	}
	if err := validateFee("exit_fee", opts.Fees.ExitFee); err != nil {
		return nil, fmt.Errorf("backtest.New: %w", err)
	}
	if opts.Sizing == nil {
		opts.Sizing = FixedFraction(DefaultFraction)
	}
	return &Simulator{opts: opts}, nil
}

func validateFee(name string, v float64) error {
	if !(v >= 0) || v >= 1 {
		return fmt.Errorf("%w: %s=%v must be in [0,1)", domain.ErrInvalidInput, name, v)
	}
	return nil
}

// RunStrategy simulates every market in ascending market_id order and returns
// the trade ledger. Running capital carries over from one market to the next.
func (s *Simulator) RunStrategy(ctx context.Context, ticks []domain.PriceTick, entry, exit Rule) ([]domain.Trade, error) {
	res, err := s.Run(ctx, ticks, entry, exit)
	if err != nil {
		return nil, err
	}
	return res.Trades, nil
}

// Run is RunStrategy plus metrics and run counters.
func (s *Simulator) Run(ctx context.Context, ticks []domain.PriceTick, entry, exit Rule) (Result, error) {
	if entry == nil || exit == nil {
		return Result{}, fmt.Errorf("backtest.Run: %w: entry and exit rules are required", domain.ErrInvalidInput)
	}

	series, ids := domain.GroupByMarket(ticks)
	b := &book{opts: s.opts, capital: s.opts.InitialCapital, entry: entry, exit: exit, feedGuard: true}

	var trades []domain.Trade
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("backtest.Run: %w", err)
		}
		mt, err := b.run(ctx, id, series[id])
		if err != nil {
			return Result{}, fmt.Errorf("backtest.Run: market %s: %w", id, err)
		}
		trades = append(trades, mt...)
	}

	res := Result{
		Trades:         trades,
		Metrics:        domain.ComputeMetrics(trades, s.opts.InitialCapital),
		Markets:        len(ids),
		SkippedTicks:   b.skipped,
		BlockedEntries: b.blocked,
		FinalCapital:   b.capital,
	}
	slog.Info("backtest complete",
		"strategy", s.opts.Strategy,
		"markets", res.Markets,
		"trades", len(trades),
		"skipped_ticks", res.SkippedTicks,
		"blocked_entries", res.BlockedEntries,
		"final_capital", res.FinalCapital,
	)
	return res, nil
}

// book holds the running capital and counters of one simulation pass.
type book struct {
	opts        Options
	capital     float64
	entry, exit Rule
	feedGuard   bool // parallel books are isolated and do not report balances

	skipped int
	blocked int
}

// run simulates one market's time-ordered series with at most one open trade.
func (b *book) run(ctx context.Context, marketID string, series []domain.PriceTick) ([]domain.Trade, error) {
	var (
		trades  []domain.Trade
		open    *domain.Trade
		last    domain.PriceTick
		hasLast bool
	)

	for _, tick := range series {
		if !tick.Valid() {
			b.skipped++
			slog.Debug("backtest: skipping tick",
				"market_id", marketID,
				"timestamp", tick.Timestamp,
				"price", tick.Price,
			)
			continue
		}
		last, hasLast = tick, true

		if open != nil {
			if b.exit(tick) {
				t, err := b.close(ctx, *open, tick, false)
				if err != nil {
					return nil, err
				}
				trades = append(trades, t)
				open = nil
			}
			continue
		}

		if !b.entry(tick) {
			continue
		}
		if b.opts.Guard != nil && !b.opts.Guard.CanTrade() {
			b.blocked++
			continue
		}
		if t, ok := b.open(tick); ok {
			open = &t
		}
	}

	if open != nil && hasLast {
		t, err := b.close(ctx, *open, last, true)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (b *book) open(tick domain.PriceTick) (domain.Trade, bool) {
	if b.capital <= 0 {
		return domain.Trade{}, false
	}
	fraction := clampFraction(b.opts.Sizing(tick, b.capital))
	if fraction == 0 {
		return domain.Trade{}, false
	}

	shares := b.capital * fraction / (tick.Price * (1 + b.opts.Fees.EntryFee))
	return domain.Trade{
		ID:             uuid.NewString(),
		MarketID:       tick.MarketID,
		Strategy:       b.opts.Strategy,
		EntryTimestamp: tick.Timestamp,
		EntryPrice:     tick.Price,
		Shares:         shares,
		EntryCost:      b.opts.Fees.EntryCost(shares, tick.Price),
	}, true
}

// close fills the exit fields, books the pnl and reports the new balance to the guard.
func (b *book) close(ctx context.Context, t domain.Trade, tick domain.PriceTick, forced bool) (domain.Trade, error) {
	t.ExitTimestamp = tick.Timestamp
	t.ExitPrice = tick.Price
	t.PnL = b.opts.Fees.RoundTripPnL(t.Shares, t.EntryPrice, t.ExitPrice)
	t.ROI = t.PnL / t.EntryCost
	t.Forced = forced

	b.capital += t.PnL
	t.CapitalAfter = b.capital

	if b.opts.Observer != nil {
		b.opts.Observer.ObserveTrade(t)
	}

	if b.feedGuard && b.opts.Guard != nil {
		triggered, err := b.opts.Guard.CheckBalance(ctx, b.capital)
		if err != nil {
			return domain.Trade{}, fmt.Errorf("guard check: %w", err)
		}
		if triggered {
			slog.Warn("backtest: guard triggered",
				"market_id", t.MarketID,
				"capital", b.capital,
				"exit_timestamp", t.ExitTimestamp,
			)
		}
	}
	return t, nil
}

func clampFraction(f float64) float64 {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= 1:
		return 1
	default:
		return f
	}
}

// sortByExit ordena el ledger por exit_timestamp, entry_timestamp y market_id.
func sortByExit(trades []domain.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].ExitTimestamp.Equal(trades[j].ExitTimestamp) {
			return trades[i].ExitTimestamp.Before(trades[j].ExitTimestamp)
		}
		if !trades[i].EntryTimestamp.Equal(trades[j].EntryTimestamp) {
			return trades[i].EntryTimestamp.Before(trades[j].EntryTimestamp)
		}
		return trades[i].MarketID < trades[j].MarketID
	})
}
