package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polyrisk/internal/domain"
)

// BacktestRun es el resumen persistido de una ejecución del simulador.
type BacktestRun struct {
	ID        string
	Label     string
	StartedAt time.Time
	Markets   int
	Metrics   domain.Metrics
}

// BacktestStorage persiste los ledgers y métricas de cada backtest.
type BacktestStorage interface {
	// SaveBacktest persiste el resumen y todos los trades del run.
	SaveBacktest(ctx context.Context, run BacktestRun, trades []domain.Trade) error

	// GetBacktestRun devuelve el resumen guardado de un run; ok=false si no existe.
	GetBacktestRun(ctx context.Context, runID string) (run BacktestRun, ok bool, err error)

	// GetBacktestTrades devuelve el ledger de un run ordenado por exit_timestamp.
	GetBacktestTrades(ctx context.Context, runID string) ([]domain.Trade, error)

	// ListBacktests devuelve los runs en el rango dado, los más recientes primero.
	ListBacktests(ctx context.Context, from, to time.Time) ([]BacktestRun, error)

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}
