// Package observability exposes the risk core's state as Prometheus metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/polyrisk/internal/domain"
)

const defaultNamespace = "polyrisk"

// Metrics holds every collector. It implements the observer hooks of the
// sizer, the backtest simulator and the kill switch.
type Metrics struct {
	registry *prometheus.Registry

	// Sizer
	Recommendations  *prometheus.CounterVec
	RecommendedPct   *prometheus.HistogramVec
	ExposureAfterPct prometheus.Gauge

	// Backtest
	TradesSimulated *prometheus.CounterVec
	TradePnL        prometheus.Histogram
	SimCapital      prometheus.Gauge

	// Kill switch
	KillSwitchTriggered prometheus.Gauge
	KillSwitchArmed     prometheus.Gauge
	KillSwitchLevel     prometheus.Gauge
	PeakBalance         prometheus.Gauge
	SessionStartBalance prometheus.Gauge
	KillSwitchEvents    *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry, so several
// instances can coexist in tests.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Recommendations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sizer",
			Name:      "recommendations_total",
			Help:      "Position recommendations produced, by strategy and risk level",
		}, []string{"strategy", "risk_level"}),
		RecommendedPct: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sizer",
			Name:      "recommended_pct",
			Help:      "Recommended position size as percent of bankroll",
			Buckets:   []float64{0, 0.5, 1, 2, 3, 4, 5, 6.25, 10, 25},
		}, []string{"strategy"}),
		ExposureAfterPct: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sizer",
			Name:      "total_exposure_after_pct",
			Help:      "Total exposure after the last recommendation, percent of bankroll",
		}),

		TradesSimulated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "trades_total",
			Help:      "Simulated trades closed, by outcome",
		}, []string{"outcome"}),
		TradePnL: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "trade_pnl_usdc",
			Help:      "P&L of each simulated trade in USDC",
			Buckets:   []float64{-100, -50, -10, -1, 0, 1, 10, 50, 100},
		}),
		SimCapital: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "capital_usdc",
			Help:      "Running simulated capital after the last closed trade",
		}),

		KillSwitchTriggered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "killswitch",
			Name:      "triggered",
			Help:      "1 when trading is halted by the kill switch",
		}),
		KillSwitchArmed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "killswitch",
			Name:      "armed",
			Help:      "1 when the kill switch is armed",
		}),
		KillSwitchLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "killswitch",
			Name:      "trigger_level",
			Help:      "Current trigger level (0 = none, 4 = emergency)",
		}),
		PeakBalance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "killswitch",
			Name:      "peak_balance_usdc",
			Help:      "Highest balance observed since the last reset",
		}),
		SessionStartBalance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "killswitch",
			Name:      "session_start_balance_usdc",
			Help:      "Balance at the start of the current UTC day",
		}),
		KillSwitchEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "killswitch",
			Name:      "events_total",
			Help:      "Audit log entries written, by action",
		}, []string{"action"}),
	}
}

// ObserveRecommendation records one sizer output.
func (m *Metrics) ObserveRecommendation(rec domain.PositionRecommendation) {
	m.Recommendations.WithLabelValues(rec.Strategy, string(rec.RiskLevel)).Inc()
	m.RecommendedPct.WithLabelValues(rec.Strategy).Observe(rec.RecommendedPct)
	m.ExposureAfterPct.Set(rec.TotalExposureAfterPct)
}

// ObserveTrade records one closed simulated trade.
func (m *Metrics) ObserveTrade(t domain.Trade) {
	outcome := "loss"
	switch {
	case t.PnL > 0:
		outcome = "win"
	case t.PnL == 0:
		outcome = "flat"
	}
	m.TradesSimulated.WithLabelValues(outcome).Inc()
	m.TradePnL.Observe(t.PnL)
	m.SimCapital.Set(t.CapitalAfter)
}

// ObserveKillSwitch mirrors the persisted kill-switch state.
func (m *Metrics) ObserveKillSwitch(st domain.KillSwitchState) {
	m.KillSwitchTriggered.Set(boolGauge(st.Triggered))
	m.KillSwitchArmed.Set(boolGauge(st.Armed))
	m.KillSwitchLevel.Set(float64(st.TriggerLevel))
	m.PeakBalance.Set(st.PeakBalance)
	m.SessionStartBalance.Set(st.SessionStartBalance)
}

// ObserveKillSwitchEvent counts audit log entries.
func (m *Metrics) ObserveKillSwitchEvent(ev domain.KillSwitchEvent) {
	m.KillSwitchEvents.WithLabelValues(string(ev.Action)).Inc()
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
