package sizer

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/alejandrodnm/polyrisk/internal/domain"
)

const (
	DefaultKellyMultiplier = 0.25
	MaxSinglePositionPct   = 6.25
	MaxTotalExposurePct    = 25.0

	criticalRatio = 0.90
	warningRatio  = 0.50

	// pctEpsilon absorbs float error when a recommendation is shrunk exactly to a cap.
	pctEpsilon = 1e-9
)

// Limits bounds every recommendation. Percentages are of Bankroll (0–100).
type Limits struct {
	Bankroll               float64
	KellyMultiplier        float64
	MaxSinglePositionPct   float64
	MaxTotalExposurePct    float64
	MaxStrategyExposurePct float64 // 0 disables the per-strategy cap
}

// DefaultLimits returns quarter-Kelly with the standard caps.
func DefaultLimits(bankroll float64) Limits {
	return Limits{
		Bankroll:             bankroll,
		KellyMultiplier:      DefaultKellyMultiplier,
		MaxSinglePositionPct: MaxSinglePositionPct,
		MaxTotalExposurePct:  MaxTotalExposurePct,
	}
}

// Gate reports whether new trades may be placed at all.
type Gate interface {
	CanTrade() bool
}

// Observer receives every recommendation produced.
type Observer interface {
	ObserveRecommendation(rec domain.PositionRecommendation)
}

// Sizer turns an edge estimate into a bounded allocation. It is stateless per
// call and only reads the positions it is given.
type Sizer struct {
	limits   Limits
	gate     Gate
	observer Observer
}

// New creates a sizer. gate and observer may be nil.
func New(limits Limits, gate Gate, observer Observer) *Sizer {
	if limits.KellyMultiplier <= 0 {
		limits.KellyMultiplier = DefaultKellyMultiplier
	}
	if limits.MaxSinglePositionPct <= 0 {
		limits.MaxSinglePositionPct = MaxSinglePositionPct
	}
	if limits.MaxTotalExposurePct <= 0 {
		limits.MaxTotalExposurePct = MaxTotalExposurePct
	}
	return &Sizer{limits: limits, gate: gate, observer: observer}
}

// Limits returns the limits the sizer was built with, defaults applied.
func (s *Sizer) Limits() Limits {
	return s.limits
}

// Recommend sizes one position using the configured Kelly multiplier.
func (s *Sizer) Recommend(strategy string, winRate, price float64, positions []domain.Position) (domain.PositionRecommendation, error) {
	return s.RecommendWithMultiplier(strategy, winRate, price, positions, s.limits.KellyMultiplier)
}

// RecommendWithMultiplier sizes one position with an explicit Kelly multiplier.
// Invalid win rates or prices are rejected with domain.ErrInvalidInput; every
// other outcome (no edge, caps hit, kill switch) is reported in the result.
func (s *Sizer) RecommendWithMultiplier(
	strategy string,
	winRate, price float64,
	positions []domain.Position,
	multiplier float64,
) (domain.PositionRecommendation, error) {
	if s.limits.Bankroll <= 0 {
		return domain.PositionRecommendation{}, fmt.Errorf("%w: bankroll=%v must be > 0", domain.ErrInvalidInput, s.limits.Bankroll)
	}
	if !(multiplier > 0) || multiplier > 1 {
		return domain.PositionRecommendation{}, fmt.Errorf("%w: kelly_multiplier=%v must be in (0,1]", domain.ErrInvalidInput, multiplier)
	}
	raw, err := domain.RawKellyFraction(winRate, price)
	if err != nil {
		return domain.PositionRecommendation{}, fmt.Errorf("sizer.Recommend: %w", err)
	}

	rec := domain.PositionRecommendation{
		Strategy:         strategy,
		MarketPrice:      price,
		WinRate:          winRate,
		RawKellyFraction: raw,
		Warnings:         []string{},
	}

	// 1-2. Full Kelly and applied fraction
	full := max(raw, 0)
	rec.KellyFraction = full
	rec.QuarterKellyPct = full * multiplier * 100
	pct := rec.QuarterKellyPct

	// 3. Current exposure
	rec.CurrentExposurePct = domain.TotalExposure(positions) / s.limits.Bankroll * 100

	// 4. Single position cap
	if pct > s.limits.MaxSinglePositionPct {
		rec.Warnings = append(rec.Warnings, fmt.Sprintf(
			"capped at max single position %.2f%% (kelly suggested %.2f%%)",
			s.limits.MaxSinglePositionPct, pct))
		pct = s.limits.MaxSinglePositionPct
	}

	// 5. Total exposure cap
	noHeadroom := false
	if rec.CurrentExposurePct+pct > s.limits.MaxTotalExposurePct {
		headroom := s.limits.MaxTotalExposurePct - rec.CurrentExposurePct
		if headroom <= 0 {
			noHeadroom = true
			pct = 0
			rec.Warnings = append(rec.Warnings, fmt.Sprintf(
				"no exposure headroom: current %.2f%% >= max total %.2f%%",
				rec.CurrentExposurePct, s.limits.MaxTotalExposurePct))
		} else {
			pct = headroom
			rec.Warnings = append(rec.Warnings, fmt.Sprintf(
				"shrunk to remaining total exposure headroom %.2f%%", headroom))
		}
	}

	// Per-strategy (sector) cap
	if capPct := s.limits.MaxStrategyExposurePct; capPct > 0 && pct > 0 {
		stratPct := domain.StrategyExposure(positions, strategy) / s.limits.Bankroll * 100
		if stratPct+pct > capPct {
			pct = max(capPct-stratPct, 0)
			rec.Warnings = append(rec.Warnings, fmt.Sprintf(
				"strategy %q exposure %.2f%% near cap %.2f%%, shrunk to %.2f%%",
				strategy, stratPct, capPct, pct))
		}
	}

	// 6. No edge
	if full == 0 {
		pct = 0
		rec.Warnings = append(rec.Warnings, fmt.Sprintf(
			"no edge: win rate %.3f vs implied probability %.3f (raw kelly %.4f)",
			winRate, price, raw))
	}

	rec.RecommendedPct = pct
	rec.RecommendedSize = s.limits.Bankroll * pct / 100
	rec.TotalExposureAfterPct = rec.CurrentExposurePct + pct

	// 7. Risk level
	rec.RiskLevel = s.riskLevel(pct, rec.TotalExposureAfterPct)
	if s.gate != nil && !s.gate.CanTrade() {
		rec.RiskLevel = domain.RiskBlocked
		rec.Warnings = append(rec.Warnings, "kill switch triggered: trading halted")
	}

	// 8. Tradable only with a positive size and not blocked
	rec.CanTrade = rec.RecommendedSize > 0 && rec.RiskLevel != domain.RiskBlocked && !noHeadroom

	slog.Debug("sizer: recommendation",
		"strategy", strategy,
		"price", price,
		"win_rate", winRate,
		"kelly", full,
		"pct", pct,
		"risk", rec.RiskLevel,
		"can_trade", rec.CanTrade,
	)
	if s.observer != nil {
		s.observer.ObserveRecommendation(rec)
	}
	return rec, nil
}

func (s *Sizer) riskLevel(positionPct, totalAfterPct float64) domain.RiskLevel {
	maxSingle := s.limits.MaxSinglePositionPct
	maxTotal := s.limits.MaxTotalExposurePct

	if totalAfterPct >= maxTotal-pctEpsilon {
		return domain.RiskBlocked
	}
	posRatio := positionPct / maxSingle
	totalRatio := totalAfterPct / maxTotal
	switch {
	case posRatio >= criticalRatio || totalRatio >= criticalRatio:
		return domain.RiskCritical
	case posRatio >= warningRatio || totalRatio >= warningRatio:
		return domain.RiskWarning
	default:
		return domain.RiskSafe
	}
}

// Batch sizes every opportunity against the same positions snapshot and
// returns the results sorted by recommended size, largest first.
//
// Exposure is not re-derived between items: applying several results in
// sequence can exceed the caps unless the caller re-sizes after each fill.
func (s *Sizer) Batch(opps []domain.Opportunity, positions []domain.Position) ([]domain.PositionRecommendation, error) {
	recs := make([]domain.PositionRecommendation, 0, len(opps))
	for i, o := range opps {
		rec, err := s.Recommend(o.Strategy, o.WinRate, o.MarketPrice, positions)
		if err != nil {
			return nil, fmt.Errorf("sizer.Batch: opportunity %d (%s): %w", i, o.Strategy, err)
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].RecommendedSize > recs[j].RecommendedSize
	})
	return recs, nil
}
