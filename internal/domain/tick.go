package domain

import (
	"math"
	"sort"
	"time"
)

// PriceTick es una observación histórica de un mercado binario.
// Price es la probabilidad implícita del lado YES, en (0,1).
type PriceTick struct {
	MarketID  string    `json:"market_id"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Liquidity float64   `json:"liquidity"`
}

// Valid devuelve false si al tick le falta algún campo requerido para simular
// (market_id, timestamp, precio en (0,1)) o si volume o liquidity no son ≥ 0.
func (t PriceTick) Valid() bool {
	if t.MarketID == "" || t.Timestamp.IsZero() {
		return false
	}
	if math.IsNaN(t.Price) || t.Price <= 0 || t.Price >= 1 {
		return false
	}
	return nonNegative(t.Volume) && nonNegative(t.Liquidity)
}

// nonNegative es false para NaN, negativos e infinitos.
func nonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 1)
}

// GroupByMarket agrupa un frame plano de ticks por market_id y ordena cada
// serie por timestamp ascendente (estable: empates conservan el orden de entrada).
// Devuelve también los market_ids ordenados, para iterar de forma determinista.
func GroupByMarket(ticks []PriceTick) (map[string][]PriceTick, []string) {
	series := make(map[string][]PriceTick)
	for _, t := range ticks {
		series[t.MarketID] = append(series[t.MarketID], t)
	}

	ids := make([]string, 0, len(series))
	for id, s := range series {
		sort.SliceStable(s, func(i, j int) bool {
			return s[i].Timestamp.Before(s[j].Timestamp)
		})
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return series, ids
}
