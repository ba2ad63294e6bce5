package domain

import (
	"fmt"
	"strings"
)

// Position is a live position owned by the external trading loop.
// The sizer only reads positions to compute current exposure.
type Position struct {
	MarketID string  `json:"market_id"`
	SizeUSDC float64 `json:"size_usdc"`
	Strategy string  `json:"strategy"`
}

// RiskLevel classifies how close a recommendation sits to the exposure caps.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "SAFE"
	RiskWarning  RiskLevel = "WARNING"
	RiskCritical RiskLevel = "CRITICAL"
	RiskBlocked  RiskLevel = "BLOCKED"
)

// Opportunity is one sizing request in a batch.
type Opportunity struct {
	Strategy    string  `json:"strategy"`
	WinRate     float64 `json:"win_rate"`
	MarketPrice float64 `json:"market_price"`
}

// PositionRecommendation is the sizer's output. It is a value object created
// fresh per call.
type PositionRecommendation struct {
	Strategy              string    `json:"strategy"`
	MarketPrice           float64   `json:"market_price"`
	WinRate               float64   `json:"win_rate"`
	RecommendedSize       float64   `json:"recommended_size"`
	RecommendedPct        float64   `json:"recommended_pct"`
	KellyFraction         float64   `json:"kelly_fraction"`
	RawKellyFraction      float64   `json:"raw_kelly_fraction"` // unclamped, may be negative
	QuarterKellyPct       float64   `json:"quarter_kelly_pct"`
	CurrentExposurePct    float64   `json:"current_exposure_pct"`
	TotalExposureAfterPct float64   `json:"total_exposure_after_pct"`
	RiskLevel             RiskLevel `json:"risk_level"`
	Warnings              []string  `json:"warnings"`
	CanTrade              bool      `json:"can_trade"`
}

// String renders the recommendation on one line for logs.
func (r PositionRecommendation) String() string {
	var sb strings.Builder
	verdict := "NO TRADE"
	if r.CanTrade {
		verdict = "TRADE"
	}
	fmt.Fprintf(&sb, "[%s] %s @ %.3f: $%.2f (%.2f%% of bankroll) kelly=%.4f q-kelly=%.2f%% exposure %.2f%% -> %.2f%% %s",
		r.RiskLevel, r.Strategy, r.MarketPrice,
		r.RecommendedSize, r.RecommendedPct,
		r.KellyFraction, r.QuarterKellyPct,
		r.CurrentExposurePct, r.TotalExposureAfterPct,
		verdict,
	)
	if len(r.Warnings) > 0 {
		fmt.Fprintf(&sb, " | %s", strings.Join(r.Warnings, "; "))
	}
	return sb.String()
}

// TotalExposure sums the size of all positions.
func TotalExposure(positions []Position) float64 {
	total := 0.0
	for _, p := range positions {
		total += p.SizeUSDC
	}
	return total
}

// StrategyExposure sums the size of the positions belonging to strategy.
func StrategyExposure(positions []Position, strategy string) float64 {
	total := 0.0
	for _, p := range positions {
		if p.Strategy == strategy {
			total += p.SizeUSDC
		}
	}
	return total
}
