package domain

import (
	"encoding/json"
	"math"
	"sort"
)

// TradingDaysPerYear anualiza el Sharpe por trade.
const TradingDaysPerYear = 252

// Metrics resume el rendimiento de un ledger de trades.
type Metrics struct {
	TotalTrades          int     `json:"total_trades"`
	Wins                 int     `json:"wins"`
	Losses               int     `json:"losses"`
	WinRate              float64 `json:"win_rate"`
	TotalPnL             float64 `json:"total_pnl"`
	AvgPnL               float64 `json:"avg_pnl"`
	AvgROI               float64 `json:"avg_roi"`
	MedianROI            float64 `json:"median_roi"`
	SharpeRatio          float64 `json:"sharpe_ratio"`  // NaN si stdev = 0 o hay < 2 trades
	MaxDrawdown          float64 `json:"max_drawdown"`  // fracción ≤ 0, p.ej. -0.12
	ProfitFactor         float64 `json:"profit_factor"` // +Inf si no hay pérdidas
	GrossProfit          float64 `json:"gross_profit"`
	GrossLoss            float64 `json:"gross_loss"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	InitialCapital       float64 `json:"initial_capital"`
	FinalCapital         float64 `json:"final_capital"`
}

// Empty devuelve true para el resultado de un ledger vacío.
func (m Metrics) Empty() bool {
	return m.TotalTrades == 0
}

// MarshalJSON codifica NaN e ±Inf como null: encoding/json no los acepta.
func (m Metrics) MarshalJSON() ([]byte, error) {
	type plain Metrics
	out := struct {
		plain
		SharpeRatio  *float64 `json:"sharpe_ratio"`
		ProfitFactor *float64 `json:"profit_factor"`
	}{
		plain:        plain(m),
		SharpeRatio:  finiteOrNil(m.SharpeRatio),
		ProfitFactor: finiteOrNil(m.ProfitFactor),
	}
	return json.Marshal(out)
}

// UnmarshalJSON es el inverso de MarshalJSON: sharpe null → NaN, profit_factor null → +Inf.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	type plain Metrics
	var in struct {
		plain
		SharpeRatio  *float64 `json:"sharpe_ratio"`
		ProfitFactor *float64 `json:"profit_factor"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Metrics(in.plain)
	m.SharpeRatio = math.NaN()
	if in.SharpeRatio != nil {
		m.SharpeRatio = *in.SharpeRatio
	}
	m.ProfitFactor = math.Inf(1)
	if in.ProfitFactor != nil {
		m.ProfitFactor = *in.ProfitFactor
	}
	return nil
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// ComputeMetrics calcula las estadísticas de rendimiento de un ledger cerrado.
// Un ledger vacío devuelve Metrics{} (Empty() == true), nunca un error.
//
// La curva de equity se construye acumulando pnl en orden de exit_timestamp,
// partiendo de initialCapital. El capital_after de cada trade no sirve como
// base: el simulador secuencial lo acumula en orden de market_id, no de tiempo.
func ComputeMetrics(trades []Trade, initialCapital float64) Metrics {
	n := len(trades)
	if n == 0 {
		return Metrics{}
	}

	sorted := make([]Trade, n)
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ExitTimestamp.Equal(sorted[j].ExitTimestamp) {
			return sorted[i].ExitTimestamp.Before(sorted[j].ExitTimestamp)
		}
		return sorted[i].EntryTimestamp.Before(sorted[j].EntryTimestamp)
	})

	var m Metrics
	m.TotalTrades = n

	rois := make([]float64, n)
	daily := make([]float64, n)
	streak := 0
	for i, t := range sorted {
		m.TotalPnL += t.PnL
		rois[i] = t.ROI
		daily[i] = t.ROI / holdingDays(t)

		switch {
		case t.PnL > 0:
			m.Wins++
			m.GrossProfit += t.PnL
			streak = 0
		case t.PnL < 0:
			m.Losses++
			m.GrossLoss += math.Abs(t.PnL)
			streak++
		default:
			streak = 0
		}
		if streak > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = streak
		}
	}

	m.WinRate = float64(m.Wins) / float64(n)
	m.AvgPnL = m.TotalPnL / float64(n)
	m.AvgROI = mean(rois)
	m.MedianROI = median(rois)
	m.SharpeRatio = annualizedSharpe(daily)

	if m.GrossLoss == 0 {
		m.ProfitFactor = math.Inf(1)
	} else {
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	}

	m.InitialCapital = initialCapital
	m.FinalCapital = m.InitialCapital + m.TotalPnL
	m.MaxDrawdown = maxDrawdown(m.InitialCapital, sorted)

	return m
}

// holdingDays convierte la duración del trade a días, con un mínimo de un día:
// un trade intradía cuenta como el retorno de un día.
func holdingDays(t Trade) float64 {
	d := t.HoldingPeriod().Hours() / 24
	if d < 1 {
		return 1
	}
	return d
}

// annualizedSharpe = mean/stdev × √252 sobre retornos diarios equivalentes.
// Usa la desviación muestral (n−1); NaN si no está definida.
func annualizedSharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return math.NaN()
	}
	avg := mean(returns)
	sumSq := 0.0
	for _, r := range returns {
		sumSq += (r - avg) * (r - avg)
	}
	stdev := math.Sqrt(sumSq / float64(len(returns)-1))
	if stdev == 0 || stdev < 1e-12 {
		return math.NaN()
	}
	return avg / stdev * math.Sqrt(TradingDaysPerYear)
}

// maxDrawdown devuelve min((equity − peak) / peak) sobre la curva de equity.
// Los puntos con peak ≤ 0 no tienen drawdown relativo definido y se ignoran.
func maxDrawdown(start float64, sorted []Trade) float64 {
	equity := start
	peak := start
	worst := 0.0
	for _, t := range sorted {
		equity += t.PnL
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (equity - peak) / peak; dd < worst {
			worst = dd
		}
	}
	return worst
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}
