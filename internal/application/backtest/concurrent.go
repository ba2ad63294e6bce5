package backtest

// concurrent.go — worker pool para simular mercados en paralelo.
//
// El estado por mercado (posición abierta o no) nunca se comparte entre mercados,
// así que repartir los market_ids entre workers no cambia el algoritmo.

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/alejandrodnm/polyrisk/internal/domain"
)

// RunParallel simula todos los mercados concurrentemente usando un worker pool.
// Cada mercado opera con un book aislado que arranca en InitialCapital, por lo
// que el capital no se arrastra entre mercados como en Run. El Guard solo se
// consulta vía CanTrade: los balances aislados no se reportan al kill switch.
//
// Si workers <= 0 usa runtime.NumCPU().
func (s *Simulator) RunParallel(ctx context.Context, ticks []domain.PriceTick, entry, exit Rule, workers int) (Result, error) {
	if entry == nil || exit == nil {
		return Result{}, fmt.Errorf("backtest.RunParallel: %w: entry and exit rules are required", domain.ErrInvalidInput)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	series, ids := domain.GroupByMarket(ticks)

	type outcome struct {
		marketID string
		trades   []domain.Trade
		skipped  int
		blocked  int
		err      error
	}

	workCh := make(chan string, len(ids))
	resultCh := make(chan outcome, len(ids))

	// Worker pool: cada worker toma market_ids de workCh y envía resultados a resultCh.
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range workCh {
				if err := ctx.Err(); err != nil {
					resultCh <- outcome{marketID: id, err: err}
					continue
				}
				b := &book{opts: s.opts, capital: s.opts.InitialCapital, entry: entry, exit: exit}
				trades, err := b.run(ctx, id, series[id])
				resultCh <- outcome{marketID: id, trades: trades, skipped: b.skipped, blocked: b.blocked, err: err}
			}
		}()
	}

	for _, id := range ids {
		workCh <- id
	}
	close(workCh)

	// Cerrar resultCh cuando todos los workers terminen.
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var (
		res      Result
		firstErr error
	)
	for o := range resultCh {
		if o.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("backtest.RunParallel: market %s: %w", o.marketID, o.err)
			}
			continue
		}
		res.Trades = append(res.Trades, o.trades...)
		res.SkippedTicks += o.skipped
		res.BlockedEntries += o.blocked
	}
	if firstErr != nil {
		return Result{}, firstErr
	}

	// El orden de llegada depende del scheduler: se normaliza por exit_timestamp.
	sortByExit(res.Trades)
	res.Markets = len(ids)
	res.Metrics = domain.ComputeMetrics(res.Trades, s.opts.InitialCapital)
	res.FinalCapital = s.opts.InitialCapital + res.Metrics.TotalPnL

	slog.Debug("concurrent backtest complete",
		"markets", res.Markets,
		"trades", len(res.Trades),
		"workers", workers,
	)
	return res, nil
}
