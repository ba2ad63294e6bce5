package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ledger construye trades encadenados a partir de un capital inicial.
func ledger(start float64, pnls ...float64) []Trade {
	trades := make([]Trade, 0, len(pnls))
	capital := start
	for i, pnl := range pnls {
		capital += pnl
		cost := 100.0
		trades = append(trades, Trade{
			ID:             string(rune('a' + i)),
			MarketID:       "m",
			EntryTimestamp: t0.Add(time.Duration(i) * 48 * time.Hour),
			ExitTimestamp:  t0.Add(time.Duration(i)*48*time.Hour + 24*time.Hour),
			EntryCost:      cost,
			PnL:            pnl,
			ROI:            pnl / cost,
			CapitalAfter:   capital,
		})
	}
	return trades
}

func TestComputeMetrics_Empty(t *testing.T) {
	m := ComputeMetrics(nil, 1000)
	assert.True(t, m.Empty())
	assert.Equal(t, Metrics{}, m)
}

func TestComputeMetrics_Basic(t *testing.T) {
	m := ComputeMetrics(ledger(1000, 10, -5, 20, -5), 1000)

	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.Wins)
	assert.Equal(t, 2, m.Losses)
	assert.InDelta(t, 0.5, m.WinRate, 1e-12)
	assert.InDelta(t, 20.0, m.TotalPnL, 1e-12)
	assert.InDelta(t, 5.0, m.AvgPnL, 1e-12)
	assert.InDelta(t, 0.05, m.AvgROI, 1e-12)
	assert.InDelta(t, 0.025, m.MedianROI, 1e-12) // (−0.05, −0.05, 0.10, 0.20) → (−0.05+0.10)/2
	assert.InDelta(t, 3.0, m.ProfitFactor, 1e-12)
	assert.InDelta(t, 1000.0, m.InitialCapital, 1e-12)
	assert.InDelta(t, 1020.0, m.FinalCapital, 1e-12)
	assert.Equal(t, 1, m.MaxConsecutiveLosses)
}

func TestComputeMetrics_ProfitFactorInfWithoutLosses(t *testing.T) {
	m := ComputeMetrics(ledger(1000, 10, 5), 1000)
	assert.True(t, math.IsInf(m.ProfitFactor, 1))
}

func TestComputeMetrics_SharpeNaNOnZeroStdev(t *testing.T) {
	m := ComputeMetrics(ledger(1000, 10, 10, 10), 1000)
	assert.True(t, math.IsNaN(m.SharpeRatio))

	single := ComputeMetrics(ledger(1000, 10), 1000)
	assert.True(t, math.IsNaN(single.SharpeRatio))
}

func TestComputeMetrics_SharpeAnnualized(t *testing.T) {
	// trades de 1 día → retorno diario = roi
	m := ComputeMetrics(ledger(1000, 10, -10, 20), 1000)
	rois := []float64{0.10, -0.10, 0.20}
	avg := (0.10 - 0.10 + 0.20) / 3
	ss := 0.0
	for _, r := range rois {
		ss += (r - avg) * (r - avg)
	}
	expected := avg / math.Sqrt(ss/2) * math.Sqrt(252)
	assert.InDelta(t, expected, m.SharpeRatio, 1e-9)
}

func TestComputeMetrics_SharpeUsesDailyEquivalent(t *testing.T) {
	// un trade de 10 días con roi 0.2 equivale a 0.02/día
	trades := []Trade{
		{EntryTimestamp: t0, ExitTimestamp: t0.Add(240 * time.Hour), ROI: 0.2, PnL: 20, CapitalAfter: 1020},
		{EntryTimestamp: t0, ExitTimestamp: t0.Add(264 * time.Hour), ROI: 0.0, PnL: 0, CapitalAfter: 1020},
	}
	m := ComputeMetrics(trades, 1000)
	avg := 0.01
	stdev := math.Sqrt(((0.02-avg)*(0.02-avg) + (0-avg)*(0-avg)) / 1)
	assert.InDelta(t, avg/stdev*math.Sqrt(252), m.SharpeRatio, 1e-9)
}

func TestComputeMetrics_MaxDrawdown(t *testing.T) {
	// equity: 1000 → 1100 → 990 → 1045
	m := ComputeMetrics(ledger(1000, 100, -110, 55), 1000)
	assert.InDelta(t, -0.10, m.MaxDrawdown, 1e-12) // (990−1100)/1100
}

func TestComputeMetrics_DrawdownFromStartingCapital(t *testing.T) {
	// una pérdida inmediata cuenta contra el capital inicial
	m := ComputeMetrics(ledger(1000, -50), 1000)
	assert.InDelta(t, -0.05, m.MaxDrawdown, 1e-12)
}

func TestComputeMetrics_SortsByExitTime(t *testing.T) {
	trades := ledger(1000, 100, -110, 55)
	reversed := []Trade{trades[2], trades[0], trades[1]}
	assert.Equal(t, ComputeMetrics(trades, 1000).MaxDrawdown, ComputeMetrics(reversed, 1000).MaxDrawdown)
}

func TestComputeMetrics_ConsecutiveLosses(t *testing.T) {
	m := ComputeMetrics(ledger(1000, 5, -1, -1, -1, 5, -1), 1000)
	assert.Equal(t, 3, m.MaxConsecutiveLosses)
}

func TestMetrics_MarshalJSON_NonFinite(t *testing.T) {
	m := ComputeMetrics(ledger(1000, 10), 1000)
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Nil(t, out["sharpe_ratio"])
	assert.Nil(t, out["profit_factor"])
	assert.InDelta(t, 10.0, out["total_pnl"], 1e-12)
	assert.EqualValues(t, 1, out["total_trades"])
}

func TestFees_RoundTripPnL(t *testing.T) {
	fees := Fees{EntryFee: 0.02, ExitFee: 0.02}
	// 100×0.60×0.98 − 100×0.50×1.02 = 58.8 − 51.0 = 7.8
	assert.InDelta(t, 7.8, fees.RoundTripPnL(100, 0.50, 0.60), 1e-9)
	assert.Equal(t, 0.0, Fees{}.RoundTripPnL(100, 0.42, 0.42))
}

func TestPriceTick_Valid(t *testing.T) {
	ok := PriceTick{MarketID: "m", Timestamp: t0, Price: 0.5}
	assert.True(t, ok.Valid())

	assert.False(t, PriceTick{MarketID: "m", Price: 0.5}.Valid())
	assert.False(t, PriceTick{Timestamp: t0, Price: 0.5}.Valid())
	assert.False(t, PriceTick{MarketID: "m", Timestamp: t0, Price: 0}.Valid())
	assert.False(t, PriceTick{MarketID: "m", Timestamp: t0, Price: 1}.Valid())
	assert.False(t, PriceTick{MarketID: "m", Timestamp: t0, Price: math.NaN()}.Valid())

	assert.False(t, PriceTick{MarketID: "m", Timestamp: t0, Price: 0.5, Volume: -1}.Valid())
	assert.False(t, PriceTick{MarketID: "m", Timestamp: t0, Price: 0.5, Volume: math.NaN()}.Valid())
	assert.False(t, PriceTick{MarketID: "m", Timestamp: t0, Price: 0.5, Liquidity: -0.01}.Valid())
	assert.False(t, PriceTick{MarketID: "m", Timestamp: t0, Price: 0.5, Liquidity: math.NaN()}.Valid())
	assert.False(t, PriceTick{MarketID: "m", Timestamp: t0, Price: 0.5, Volume: math.Inf(1)}.Valid())
	assert.True(t, PriceTick{MarketID: "m", Timestamp: t0, Price: 0.5, Volume: 10, Liquidity: 0}.Valid())
}

func TestGroupByMarket(t *testing.T) {
	ticks := []PriceTick{
		{MarketID: "b", Timestamp: t0.Add(2 * time.Hour), Price: 0.3},
		{MarketID: "a", Timestamp: t0.Add(time.Hour), Price: 0.6},
		{MarketID: "b", Timestamp: t0, Price: 0.2},
		{MarketID: "a", Timestamp: t0, Price: 0.5},
	}
	series, ids := GroupByMarket(ticks)
	assert.Equal(t, []string{"a", "b"}, ids)
	require.Len(t, series["a"], 2)
	assert.Equal(t, 0.5, series["a"][0].Price)
	assert.Equal(t, 0.2, series["b"][0].Price)
}
