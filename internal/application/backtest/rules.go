package backtest

import (
	"log/slog"

	"github.com/alejandrodnm/polyrisk/internal/application/sizer"
	"github.com/alejandrodnm/polyrisk/internal/domain"
)

// PriceBelow fires when the tick price is at or below p.
func PriceBelow(p float64) Rule {
	return func(t domain.PriceTick) bool { return t.Price <= p }
}

// PriceAbove fires when the tick price is at or above p.
func PriceAbove(p float64) Rule {
	return func(t domain.PriceTick) bool { return t.Price >= p }
}

// MinVolume fires when the tick volume is at least v.
func MinVolume(v float64) Rule {
	return func(t domain.PriceTick) bool { return t.Volume >= v }
}

// MinLiquidity fires when the tick liquidity is at least l.
func MinLiquidity(l float64) Rule {
	return func(t domain.PriceTick) bool { return t.Liquidity >= l }
}

// All fires when every rule fires. An empty All always fires.
func All(rules ...Rule) Rule {
	return func(t domain.PriceTick) bool {
		for _, r := range rules {
			if !r(t) {
				return false
			}
		}
		return true
	}
}

// Any fires when at least one rule fires. An empty Any never fires.
func Any(rules ...Rule) Rule {
	return func(t domain.PriceTick) bool {
		for _, r := range rules {
			if r(t) {
				return true
			}
		}
		return false
	}
}

// Not inverts r.
func Not(r Rule) Rule {
	return func(t domain.PriceTick) bool { return !r(t) }
}

// FixedFraction commits the same fraction of capital on every entry.
func FixedFraction(f float64) SizingFunc {
	return func(domain.PriceTick, float64) float64 { return f }
}

// KellySizing sizes each entry with the position sizer, using the tick price as
// the market price and a fixed win-rate estimate. The recommended percentage of
// bankroll is applied to current capital. Entries the sizer would not trade get 0.
func KellySizing(s *sizer.Sizer, strategy string, winRate float64) SizingFunc {
	return func(t domain.PriceTick, _ float64) float64 {
		rec, err := s.Recommend(strategy, winRate, t.Price, nil)
		if err != nil {
			slog.Debug("backtest: kelly sizing rejected", "market_id", t.MarketID, "err", err)
			return 0
		}
		if !rec.CanTrade {
			return 0
		}
		return rec.RecommendedPct / 100
	}
}
