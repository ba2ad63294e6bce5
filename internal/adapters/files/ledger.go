package files

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/alejandrodnm/polyrisk/internal/domain"
)

var ledgerHeader = []string{
	"trade_id", "market_id", "strategy", "entry_timestamp", "entry_price",
	"exit_timestamp", "exit_price", "shares", "entry_cost", "pnl", "roi",
	"capital_after", "forced",
}

// ExportLedger writes trades (and, for JSON and XLSX, their metrics) to path.
// The format follows the extension: .csv, .json or .xlsx.
func ExportLedger(path string, trades []domain.Trade, m domain.Metrics) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("files.ExportLedger: mkdir: %w", err)
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".xlsx" {
		if err := WriteTradesXLSX(path, trades, m); err != nil {
			return fmt.Errorf("files.ExportLedger: %w", err)
		}
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("files.ExportLedger: %w", err)
	}
	defer f.Close()

	switch ext {
	case ".json":
		err = WriteTradesJSON(f, trades, m)
	case ".csv":
		err = WriteTradesCSV(f, trades)
	default:
		err = fmt.Errorf("unsupported ledger format %q", ext)
	}
	if err != nil {
		return fmt.Errorf("files.ExportLedger: %w", err)
	}
	return f.Close()
}

// WriteTradesCSV writes one row per trade with a header row.
func WriteTradesCSV(w io.Writer, trades []domain.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ledgerHeader); err != nil {
		return err
	}
	for _, t := range trades {
		if err := cw.Write(tradeRow(t)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTradesJSON writes {"metrics": ..., "trades": [...]}.
func WriteTradesJSON(w io.Writer, trades []domain.Trade, m domain.Metrics) error {
	if trades == nil {
		trades = []domain.Trade{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Metrics domain.Metrics `json:"metrics"`
		Trades  []domain.Trade `json:"trades"`
	}{m, trades})
}

// WriteTradesXLSX writes a Trades sheet and a Metrics sheet.
func WriteTradesXLSX(path string, trades []domain.Trade, m domain.Metrics) error {
	fx := excelize.NewFile()
	defer fx.Close()

	const tradesSheet = "Trades"
	const metricsSheet = "Metrics"
	if err := fx.SetSheetName(fx.GetSheetName(0), tradesSheet); err != nil {
		return fmt.Errorf("xlsx: rename sheet: %w", err)
	}
	if _, err := fx.NewSheet(metricsSheet); err != nil {
		return fmt.Errorf("xlsx: new sheet: %w", err)
	}
	headStyle, err := fx.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("xlsx: style: %w", err)
	}

	for i, h := range ledgerHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(tradesSheet, cell, h)
		fx.SetCellStyle(tradesSheet, cell, cell, headStyle)
	}
	for r, t := range trades {
		values := []any{
			t.ID, t.MarketID, t.Strategy,
			t.EntryTimestamp.UTC().Format(time.RFC3339), t.EntryPrice,
			t.ExitTimestamp.UTC().Format(time.RFC3339), t.ExitPrice,
			t.Shares, t.EntryCost, t.PnL, t.ROI, t.CapitalAfter, t.Forced,
		}
		for c, v := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			fx.SetCellValue(tradesSheet, cell, v)
		}
	}

	for i, h := range []string{"metric", "value"} {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(metricsSheet, cell, h)
		fx.SetCellStyle(metricsSheet, cell, cell, headStyle)
	}
	for r, kv := range metricRows(m) {
		fx.SetCellValue(metricsSheet, fmt.Sprintf("A%d", r+2), kv[0])
		fx.SetCellValue(metricsSheet, fmt.Sprintf("B%d", r+2), kv[1])
	}

	if err := fx.SaveAs(path); err != nil {
		return fmt.Errorf("xlsx: save: %w", err)
	}
	return nil
}

func tradeRow(t domain.Trade) []string {
	return []string{
		t.ID,
		t.MarketID,
		t.Strategy,
		t.EntryTimestamp.UTC().Format(time.RFC3339),
		formatFloat(t.EntryPrice),
		t.ExitTimestamp.UTC().Format(time.RFC3339),
		formatFloat(t.ExitPrice),
		formatFloat(t.Shares),
		formatFloat(t.EntryCost),
		formatFloat(t.PnL),
		formatFloat(t.ROI),
		formatFloat(t.CapitalAfter),
		strconv.FormatBool(t.Forced),
	}
}

// metricRows renders metrics as label/value pairs. NaN and ±Inf are written
// as text: spreadsheet cells cannot hold them as numbers.
func metricRows(m domain.Metrics) [][2]string {
	return [][2]string{
		{"total_trades", strconv.Itoa(m.TotalTrades)},
		{"wins", strconv.Itoa(m.Wins)},
		{"losses", strconv.Itoa(m.Losses)},
		{"win_rate", formatFloat(m.WinRate)},
		{"total_pnl", formatFloat(m.TotalPnL)},
		{"avg_pnl", formatFloat(m.AvgPnL)},
		{"avg_roi", formatFloat(m.AvgROI)},
		{"median_roi", formatFloat(m.MedianROI)},
		{"sharpe_ratio", formatFloat(m.SharpeRatio)},
		{"max_drawdown", formatFloat(m.MaxDrawdown)},
		{"profit_factor", formatFloat(m.ProfitFactor)},
		{"max_consecutive_losses", strconv.Itoa(m.MaxConsecutiveLosses)},
		{"initial_capital", formatFloat(m.InitialCapital)},
		{"final_capital", formatFloat(m.FinalCapital)},
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
