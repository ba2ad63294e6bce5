package notify

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polyrisk/internal/domain"
	"github.com/alejandrodnm/polyrisk/internal/ports"
)

var _ ports.Reporter = (*Console)(nil)

// maxTradeRows limita la tabla de trades; el ledger completo va a -out.
const maxTradeRows = 50

// Console implementa ports.Reporter.
type Console struct {
	out  io.Writer
	now  func() time.Time
	rows int
}

// NewConsole crea un reporter que escribe a stdout.
func NewConsole() *Console {
	return NewConsoleWriter(os.Stdout)
}

// NewConsoleWriter crea un reporter sobre w (tests, ficheros).
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w, now: time.Now, rows: maxTradeRows}
}

// PrintMetrics imprime el resumen de un backtest.
func (c *Console) PrintMetrics(label string, m domain.Metrics) {
	if label == "" {
		label = "backtest"
	}
	fmt.Fprintf(c.out, "\n=== %s ===\n", strings.ToUpper(label))
	if m.Empty() {
		fmt.Fprintln(c.out, "  No trades executed.")
		return
	}

	ret := 0.0
	if m.InitialCapital > 0 {
		ret = (m.FinalCapital - m.InitialCapital) / m.InitialCapital * 100
	}

	fmt.Fprintf(c.out, "  Trades:            %d (%d W / %d L)\n", m.TotalTrades, m.Wins, m.Losses)
	fmt.Fprintf(c.out, "  Win rate:          %.1f%%\n", m.WinRate*100)
	fmt.Fprintf(c.out, "  Total P&L:         $%.2f\n", m.TotalPnL)
	fmt.Fprintf(c.out, "  Avg P&L / trade:   $%.4f\n", m.AvgPnL)
	fmt.Fprintf(c.out, "  Avg ROI:           %.2f%%  (median %.2f%%)\n", m.AvgROI*100, m.MedianROI*100)
	fmt.Fprintf(c.out, "  Sharpe (ann.):     %s\n", ratioLabel(m.SharpeRatio))
	fmt.Fprintf(c.out, "  Max drawdown:      %.2f%%\n", m.MaxDrawdown*100)
	fmt.Fprintf(c.out, "  Profit factor:     %s\n", ratioLabel(m.ProfitFactor))
	fmt.Fprintf(c.out, "  Max loss streak:   %d\n", m.MaxConsecutiveLosses)
	fmt.Fprintf(c.out, "  Capital:           $%.2f -> $%.2f (%+.2f%%)\n", m.InitialCapital, m.FinalCapital, ret)
	fmt.Fprintln(c.out)
}

// PrintTrades imprime el ledger. Si hay más de maxTradeRows, solo las últimas.
func (c *Console) PrintTrades(trades []domain.Trade) {
	if len(trades) == 0 {
		return
	}
	shown := trades
	if len(shown) > c.rows {
		shown = shown[len(shown)-c.rows:]
		fmt.Fprintf(c.out, "  (showing last %d of %d trades)\n", c.rows, len(trades))
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Market", "Entry", "In", "Exit", "Out", "Shares", "PnL", "ROI", "Capital")
	offset := len(trades) - len(shown)
	for i, t := range shown {
		exit := fmt.Sprintf("%.4f", t.ExitPrice)
		if t.Forced {
			exit += "*"
		}
		table.Append(
			fmt.Sprintf("%d", offset+i+1),
			truncate(t.MarketID, 24),
			t.EntryTimestamp.UTC().Format("2006-01-02 15:04"),
			fmt.Sprintf("%.4f", t.EntryPrice),
			t.ExitTimestamp.UTC().Format("2006-01-02 15:04"),
			exit,
			fmt.Sprintf("%.2f", t.Shares),
			fmt.Sprintf("$%.4f", t.PnL),
			fmt.Sprintf("%.2f%%", t.ROI*100),
			fmt.Sprintf("$%.2f", t.CapitalAfter),
		)
	}
	table.Render()
	fmt.Fprintln(c.out, "  * = forced close at the last available price")
}

// PrintRecommendations imprime una fila por recomendación y sus warnings debajo.
func (c *Console) PrintRecommendations(recs []domain.PositionRecommendation) {
	if len(recs) == 0 {
		fmt.Fprintf(c.out, "[%s] no opportunities to size\n", c.now().Format("15:04:05"))
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Strategy", "Price", "WinRate", "Kelly", "Size", "Pct", "Exposure", "Risk", "Trade")
	for i, r := range recs {
		verdict := "NO"
		if r.CanTrade {
			verdict = "YES"
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			truncate(r.Strategy, 20),
			fmt.Sprintf("%.3f", r.MarketPrice),
			fmt.Sprintf("%.3f", r.WinRate),
			fmt.Sprintf("%.4f", r.KellyFraction),
			fmt.Sprintf("$%.2f", r.RecommendedSize),
			fmt.Sprintf("%.2f%%", r.RecommendedPct),
			fmt.Sprintf("%.1f%% -> %.1f%%", r.CurrentExposurePct, r.TotalExposureAfterPct),
			string(r.RiskLevel),
			verdict,
		)
	}
	table.Render()

	for i, r := range recs {
		for _, w := range r.Warnings {
			fmt.Fprintf(c.out, "  #%d >> %s\n", i+1, w)
		}
	}
}

// PrintKillSwitchStatus imprime el estado actual del kill switch.
func (c *Console) PrintKillSwitchStatus(st domain.KillSwitchStatus) {
	fmt.Fprintf(c.out, "\n=== KILL SWITCH: %s ===\n", st.Phase)
	if st.CanTrade {
		fmt.Fprintln(c.out, "  Trading:           ALLOWED")
	} else {
		fmt.Fprintln(c.out, "  Trading:           HALTED")
	}
	if st.Triggered {
		fmt.Fprintf(c.out, "  Level:             %d (%s)\n", st.TriggerLevel, st.TriggerLevelName)
		fmt.Fprintf(c.out, "  Reason:            %s\n", st.TriggerReason)
		fmt.Fprintf(c.out, "  Triggered by:      %s\n", st.TriggeredBy)
		if st.TriggerTimestamp != nil {
			fmt.Fprintf(c.out, "  At:                %s\n", st.TriggerTimestamp.UTC().Format(time.RFC3339))
		}
		if st.CooldownRemainingHours > 0 {
			fmt.Fprintf(c.out, "  Cooldown:          %.1fh left (until %s)\n",
				st.CooldownRemainingHours, st.CooldownUntil.UTC().Format(time.RFC3339))
		} else {
			fmt.Fprintln(c.out, "  Cooldown:          elapsed, reset allowed")
		}
	}
	fmt.Fprintf(c.out, "  Peak balance:      %s\n", balanceLabel(st.PeakBalance))
	fmt.Fprintf(c.out, "  Session start:     %s\n", balanceLabel(st.SessionStartBalance))
	fmt.Fprintf(c.out, "  Limits:            drawdown %.1f%% | daily loss %.1f%%\n",
		st.CircuitBreakerPct*100, st.DailyLossPct*100)
	if st.SentinelPresent {
		fmt.Fprintln(c.out, "  !! emergency sentinel file present")
	}
	fmt.Fprintln(c.out)
}

// PrintKillSwitchHistory imprime el audit log, más reciente primero.
func (c *Console) PrintKillSwitchHistory(events []domain.KillSwitchEvent) {
	if len(events) == 0 {
		fmt.Fprintln(c.out, "  No kill switch events recorded.")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Time", "Action", "Level", "Actor", "Balance", "Reason")
	for _, ev := range events {
		level := "-"
		if ev.Level != domain.LevelNone {
			level = ev.Level.String()
		}
		action := string(ev.Action)
		if ev.Forced {
			action += " (forced)"
		}
		table.Append(
			ev.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			action,
			level,
			ev.Actor,
			balanceLabel(ev.Balance),
			truncate(ev.Reason, 60),
		)
	}
	table.Render()
}

// --- helpers ---

func ratioLabel(v float64) string {
	switch {
	case math.IsNaN(v):
		return "n/a"
	case math.IsInf(v, 1):
		return "INF"
	case math.IsInf(v, -1):
		return "-INF"
	}
	return fmt.Sprintf("%.2f", v)
}

func balanceLabel(v float64) string {
	if v <= 0 {
		return "-"
	}
	return fmt.Sprintf("$%.2f", v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
