package sizer_test

import (
	"math"
	"testing"

	"github.com/alejandrodnm/polyrisk/internal/application/sizer"
	"github.com/alejandrodnm/polyrisk/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGate struct{ open bool }

func (g fakeGate) CanTrade() bool { return g.open }

type recordingObserver struct{ recs []domain.PositionRecommendation }

func (o *recordingObserver) ObserveRecommendation(rec domain.PositionRecommendation) {
	o.recs = append(o.recs, rec)
}

func newSizer() *sizer.Sizer {
	return sizer.New(sizer.DefaultLimits(1000), nil, nil)
}

func TestRecommend_QuarterKellyScenario(t *testing.T) {
	// win=0.6, price=0.5 → b=1, kelly=0.20, quarter-kelly=5%
	rec, err := newSizer().Recommend("momentum", 0.6, 0.5, nil)
	require.NoError(t, err)

	assert.InDelta(t, 0.20, rec.KellyFraction, 1e-9)
	assert.InDelta(t, 5.0, rec.QuarterKellyPct, 1e-9)
	assert.InDelta(t, 5.0, rec.RecommendedPct, 1e-9)
	assert.InDelta(t, 50.0, rec.RecommendedSize, 1e-9)
	assert.InDelta(t, 0.0, rec.CurrentExposurePct, 1e-9)
	assert.InDelta(t, 5.0, rec.TotalExposureAfterPct, 1e-9)
	assert.Equal(t, domain.RiskWarning, rec.RiskLevel) // 5 / 6.25 = 80% of the single cap
	assert.True(t, rec.CanTrade)
	assert.Empty(t, rec.Warnings)
}

func TestRecommend_CappedAtSinglePosition(t *testing.T) {
	// win=0.9, price=0.5 → kelly=0.8 → 20% quarter-kelly
	rec, err := newSizer().Recommend("sure-thing", 0.9, 0.5, nil)
	require.NoError(t, err)

	assert.InDelta(t, 20.0, rec.QuarterKellyPct, 1e-9)
	assert.InDelta(t, sizer.MaxSinglePositionPct, rec.RecommendedPct, 1e-9)
	assert.InDelta(t, 62.5, rec.RecommendedSize, 1e-9)
	assert.Equal(t, domain.RiskCritical, rec.RiskLevel)
	assert.True(t, rec.CanTrade)
	require.Len(t, rec.Warnings, 1)
	assert.Contains(t, rec.Warnings[0], "capped")
}

func TestRecommend_NoEdge(t *testing.T) {
	rec, err := newSizer().Recommend("fade", 0.4, 0.5, nil)
	require.NoError(t, err)

	assert.Equal(t, 0.0, rec.KellyFraction)
	assert.InDelta(t, -0.2, rec.RawKellyFraction, 1e-9)
	assert.Equal(t, 0.0, rec.RecommendedSize)
	assert.False(t, rec.CanTrade)
	require.NotEmpty(t, rec.Warnings)
	assert.Contains(t, rec.Warnings[len(rec.Warnings)-1], "no edge")
}

func TestRecommend_ShrunkToHeadroom(t *testing.T) {
	positions := []domain.Position{
		{MarketID: "m1", SizeUSDC: 120, Strategy: "a"},
		{MarketID: "m2", SizeUSDC: 100, Strategy: "b"},
	}
	rec, err := newSizer().Recommend("momentum", 0.6, 0.5, positions)
	require.NoError(t, err)

	assert.InDelta(t, 22.0, rec.CurrentExposurePct, 1e-9)
	assert.InDelta(t, 3.0, rec.RecommendedPct, 1e-9)
	assert.InDelta(t, 25.0, rec.TotalExposureAfterPct, 1e-9)
	// filling exactly to the total cap is classified BLOCKED
	assert.Equal(t, domain.RiskBlocked, rec.RiskLevel)
	assert.False(t, rec.CanTrade)
	assert.Contains(t, rec.Warnings[0], "headroom")
}

func TestRecommend_NoHeadroom(t *testing.T) {
	positions := []domain.Position{{MarketID: "m1", SizeUSDC: 260, Strategy: "a"}}
	rec, err := newSizer().Recommend("momentum", 0.6, 0.5, positions)
	require.NoError(t, err)

	assert.Equal(t, 0.0, rec.RecommendedPct)
	assert.Equal(t, 0.0, rec.RecommendedSize)
	assert.Equal(t, domain.RiskBlocked, rec.RiskLevel)
	assert.False(t, rec.CanTrade)
}

func TestRecommend_StrategyCap(t *testing.T) {
	limits := sizer.DefaultLimits(1000)
	limits.MaxStrategyExposurePct = 8
	s := sizer.New(limits, nil, nil)

	positions := []domain.Position{
		{MarketID: "m1", SizeUSDC: 60, Strategy: "arb"},
		{MarketID: "m2", SizeUSDC: 30, Strategy: "other"},
	}
	rec, err := s.Recommend("arb", 0.6, 0.5, positions)
	require.NoError(t, err)

	assert.InDelta(t, 2.0, rec.RecommendedPct, 1e-9)
	assert.InDelta(t, 20.0, rec.RecommendedSize, 1e-9)
	assert.InDelta(t, 11.0, rec.TotalExposureAfterPct, 1e-9)
	assert.True(t, rec.CanTrade)
	assert.Contains(t, rec.Warnings[0], "arb")
}

func TestRecommend_GateBlocks(t *testing.T) {
	s := sizer.New(sizer.DefaultLimits(1000), fakeGate{open: false}, nil)
	rec, err := s.Recommend("momentum", 0.6, 0.5, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.RiskBlocked, rec.RiskLevel)
	assert.False(t, rec.CanTrade)
	assert.Contains(t, rec.Warnings, "kill switch triggered: trading halted")
}

func TestRecommend_GateOpen(t *testing.T) {
	s := sizer.New(sizer.DefaultLimits(1000), fakeGate{open: true}, nil)
	rec, err := s.Recommend("momentum", 0.6, 0.5, nil)
	require.NoError(t, err)
	assert.True(t, rec.CanTrade)
}

func TestRecommend_InvalidInput(t *testing.T) {
	s := newSizer()
	cases := []struct {
		name    string
		winRate float64
		price   float64
	}{
		{"win rate zero", 0, 0.5},
		{"win rate one", 1, 0.5},
		{"price zero", 0.6, 0},
		{"price above one", 0.6, 1.2},
		{"nan", math.NaN(), 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Recommend("x", tc.winRate, tc.price, nil)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestRecommend_InvalidMultiplier(t *testing.T) {
	_, err := newSizer().RecommendWithMultiplier("x", 0.6, 0.5, nil, 1.5)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRecommend_ExposureNeverExceedsCap(t *testing.T) {
	s := newSizer()
	for _, existing := range []float64{0, 50, 150, 200, 240, 249} {
		positions := []domain.Position{{MarketID: "m", SizeUSDC: existing}}
		for w := 0.05; w < 0.96; w += 0.05 {
			for p := 0.05; p < 0.96; p += 0.05 {
				rec, err := s.Recommend("grid", w, p, positions)
				require.NoError(t, err)
				assert.LessOrEqual(t, rec.RecommendedPct+rec.CurrentExposurePct, sizer.MaxTotalExposurePct+1e-9)
				assert.LessOrEqual(t, rec.RecommendedSize, 1000*sizer.MaxSinglePositionPct/100+1e-9)
			}
		}
	}
}

func TestRecommend_QuarterKellyInvariant(t *testing.T) {
	s := newSizer()
	for _, tc := range []struct{ w, p float64 }{{0.55, 0.5}, {0.3, 0.2}, {0.7, 0.65}, {0.2, 0.5}} {
		rec, err := s.Recommend("x", tc.w, tc.p, nil)
		require.NoError(t, err)
		assert.InDelta(t, rec.KellyFraction*100*0.25, rec.QuarterKellyPct, 1e-9)
	}
}

func TestRecommendWithMultiplier_FullKelly(t *testing.T) {
	limits := sizer.DefaultLimits(1000)
	limits.MaxSinglePositionPct = 50
	limits.MaxTotalExposurePct = 100
	s := sizer.New(limits, nil, nil)

	rec, err := s.RecommendWithMultiplier("x", 0.6, 0.5, nil, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, rec.RecommendedPct, 1e-9)
	assert.InDelta(t, 200.0, rec.RecommendedSize, 1e-9)
}

func TestBatch_SortedBySizeDesc(t *testing.T) {
	obs := &recordingObserver{}
	s := sizer.New(sizer.DefaultLimits(1000), nil, obs)

	opps := []domain.Opportunity{
		{Strategy: "small", WinRate: 0.52, MarketPrice: 0.5},
		{Strategy: "none", WinRate: 0.3, MarketPrice: 0.5},
		{Strategy: "big", WinRate: 0.6, MarketPrice: 0.5},
	}
	recs, err := s.Batch(opps, nil)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "big", recs[0].Strategy)
	assert.Equal(t, "small", recs[1].Strategy)
	assert.Equal(t, "none", recs[2].Strategy)
	assert.Len(t, obs.recs, 3)
}

func TestBatch_SameSnapshotForEveryItem(t *testing.T) {
	positions := []domain.Position{{MarketID: "m", SizeUSDC: 100}}
	opps := []domain.Opportunity{
		{Strategy: "a", WinRate: 0.6, MarketPrice: 0.5},
		{Strategy: "b", WinRate: 0.6, MarketPrice: 0.5},
	}
	recs, err := newSizer().Batch(opps, positions)
	require.NoError(t, err)

	// each item sees 10% current exposure, not 10% + the previous item
	assert.InDelta(t, 10.0, recs[0].CurrentExposurePct, 1e-9)
	assert.InDelta(t, 10.0, recs[1].CurrentExposurePct, 1e-9)
}

func TestBatch_InvalidOpportunity(t *testing.T) {
	opps := []domain.Opportunity{
		{Strategy: "ok", WinRate: 0.6, MarketPrice: 0.5},
		{Strategy: "bad", WinRate: 0.6, MarketPrice: 1.5},
	}
	_, err := newSizer().Batch(opps, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "bad")
}

func TestRecommendation_String(t *testing.T) {
	rec, err := newSizer().Recommend("momentum", 0.6, 0.5, nil)
	require.NoError(t, err)

	out := rec.String()
	assert.Contains(t, out, "momentum")
	assert.Contains(t, out, "WARNING")
	assert.Contains(t, out, "$50.00")
	assert.Contains(t, out, "TRADE")
}
