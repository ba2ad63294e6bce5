package files

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polyrisk/internal/domain"
	"github.com/alejandrodnm/polyrisk/internal/ports"
)

var _ ports.TickSource = (*CSVTickSource)(nil)

// timestampLayouts are tried in order; a bare integer is read as unix seconds.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// CSVTickSource reads a flat price frame with a header row. Required columns
// are market_id, timestamp and price; volume and liquidity default to 0.
// Unknown columns are ignored.
type CSVTickSource struct {
	path string
}

// NewCSVTickSource returns a source reading path on every LoadTicks.
func NewCSVTickSource(path string) *CSVTickSource {
	return &CSVTickSource{path: path}
}

// LoadTicks reads the whole file.
func (s *CSVTickSource) LoadTicks(ctx context.Context) ([]domain.PriceTick, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("files.LoadTicks: %w", err)
	}
	defer f.Close()

	ticks, err := ReadTicksCSV(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("files.LoadTicks: %s: %w", s.path, err)
	}
	return ticks, nil
}

// ReadTicksCSV parses ticks from r. Rows whose market_id, timestamp or price
// cannot be read keep the zero value in that field, so the simulator skips
// them instead of the whole file failing.
func ReadTicksCSV(ctx context.Context, r io.Reader) ([]domain.PriceTick, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range []string{"market_id", "timestamp", "price"} {
		if _, ok := cols[req]; !ok {
			return nil, fmt.Errorf("missing required column %q", req)
		}
	}

	var (
		ticks []domain.PriceTick
		line  = 1
		bad   int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		tick := domain.PriceTick{MarketID: field("market_id")}
		var perr error
		if tick.Timestamp, perr = parseTimestamp(field("timestamp")); perr != nil {
			bad++
		}
		if tick.Price, perr = parseFloat(field("price")); perr != nil {
			bad++
		}
		tick.Volume = optionalFloat(field("volume"))
		tick.Liquidity = optionalFloat(field("liquidity"))
		ticks = append(ticks, tick)
	}

	if bad > 0 {
		slog.Debug("files: unreadable tick fields", "fields", bad, "rows", len(ticks))
	}
	return ticks, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// optionalFloat devuelve 0 para un campo vacío y NaN para uno ilegible,
// así el tick queda inválido en vez de pasar con volumen 0.
func optionalFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("empty number")
	}
	return strconv.ParseFloat(s, 64)
}
