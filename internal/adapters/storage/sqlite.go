package storage

// sqlite.go — estado durable del kill switch y ledgers de backtest.
//
// Estrategia:
//   - `killswitch_state`: exactamente UNA fila (id=1). `initialized=0` hasta el
//     primer Save, para distinguir "nunca guardado" de "guardado en blanco".
//   - Trigger con compare-and-swap: UPDATE ... WHERE triggered=0. Si dos
//     procesos compiten, solo uno afecta la fila.
//   - `killswitch_events`: audit log append-only, leído por seq descendente.
//   - `backtest_runs` + `backtest_trades`: un resumen por run y su ledger completo.
//   - Timestamps como TEXT UTC de ancho fijo: el orden lexicográfico es cronológico.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/polyrisk/internal/domain"
	"github.com/alejandrodnm/polyrisk/internal/ports"
	"modernc.org/sqlite"
)

const schema = `
-- Estado del kill switch: una sola fila
CREATE TABLE IF NOT EXISTS killswitch_state (
    id                    INTEGER PRIMARY KEY CHECK (id = 1),
    initialized           INTEGER NOT NULL DEFAULT 0,
    armed                 INTEGER NOT NULL DEFAULT 0,
    triggered             INTEGER NOT NULL DEFAULT 0,
    trigger_level         INTEGER NOT NULL DEFAULT 0,
    trigger_reason        TEXT    NOT NULL DEFAULT '',
    triggered_by          TEXT    NOT NULL DEFAULT '',
    trigger_timestamp     TEXT,
    peak_balance          REAL    NOT NULL DEFAULT 0,
    session_start_balance REAL    NOT NULL DEFAULT 0,
    session_date          TEXT    NOT NULL DEFAULT '',
    cooldown_until        TEXT
);

INSERT OR IGNORE INTO killswitch_state (id) VALUES (1);

-- Audit log append-only
CREATE TABLE IF NOT EXISTS killswitch_events (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    id            TEXT    NOT NULL UNIQUE,
    ts            TEXT    NOT NULL,
    action        TEXT    NOT NULL,
    level         INTEGER NOT NULL DEFAULT 0,
    reason        TEXT    NOT NULL DEFAULT '',
    authorized_by TEXT    NOT NULL DEFAULT '',
    balance       REAL    NOT NULL DEFAULT 0,
    forced        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS backtest_runs (
    id         TEXT PRIMARY KEY,
    label      TEXT    NOT NULL DEFAULT '',
    started_at TEXT    NOT NULL,
    markets    INTEGER NOT NULL DEFAULT 0,
    metrics    TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS backtest_trades (
    run_id          TEXT    NOT NULL,
    trade_id        TEXT    NOT NULL,
    market_id       TEXT    NOT NULL,
    strategy        TEXT    NOT NULL DEFAULT '',
    entry_timestamp TEXT    NOT NULL,
    entry_price     REAL    NOT NULL,
    exit_timestamp  TEXT    NOT NULL,
    exit_price      REAL    NOT NULL,
    shares          REAL    NOT NULL,
    entry_cost      REAL    NOT NULL,
    pnl             REAL    NOT NULL,
    roi             REAL    NOT NULL,
    capital_after   REAL    NOT NULL,
    forced          INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, trade_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON backtest_runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_exit  ON backtest_trades(run_id, exit_timestamp);
`

// busyTimeoutMs es cuánto espera una conexión a que otro proceso suelte el lock.
const busyTimeoutMs = 5000

// timeLayout es RFC3339 con nanosegundos fijos y siempre en UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	_ ports.KillSwitchStorage = (*SQLiteStorage)(nil)
	_ ports.BacktestStorage   = (*SQLiteStorage)(nil)
)

// SQLiteStorage implementa ports.KillSwitchStorage y ports.BacktestStorage
// usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", withBusyTimeout(path))
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// ─── Kill switch ─────────────────────────────────────────────────────────────

// LoadKillSwitch lee la fila única. Devuelve domain.ErrStateNotFound si nunca
// se guardó y domain.ErrStateCorrupt si algún campo no se puede interpretar.
func (s *SQLiteStorage) LoadKillSwitch(ctx context.Context) (domain.KillSwitchState, error) {
	var (
		st                     domain.KillSwitchState
		initialized            int
		armed, triggered       int
		level                  int
		triggerTS, cooldownStr sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT initialized, armed, triggered, trigger_level, trigger_reason, triggered_by,
		       trigger_timestamp, peak_balance, session_start_balance, session_date, cooldown_until
		FROM killswitch_state WHERE id=1`).Scan(
		&initialized, &armed, &triggered, &level, &st.TriggerReason, &st.TriggeredBy,
		&triggerTS, &st.PeakBalance, &st.SessionStartBalance, &st.SessionDate, &cooldownStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return st, domain.ErrStateNotFound
	}
	if err != nil {
		// Locks, cancelaciones y fallos de conexión no dicen nada del contenido.
		if isTransient(err) {
			return st, fmt.Errorf("storage.LoadKillSwitch: %w", err)
		}
		return st, fmt.Errorf("storage.LoadKillSwitch: %w: %v", domain.ErrStateCorrupt, err)
	}
	if initialized == 0 {
		return st, domain.ErrStateNotFound
	}

	st.Armed = armed != 0
	st.Triggered = triggered != 0
	st.TriggerLevel = domain.TriggerLevel(level)
	if st.TriggerLevel != domain.LevelNone && !st.TriggerLevel.Valid() {
		return st, fmt.Errorf("storage.LoadKillSwitch: %w: trigger_level=%d", domain.ErrStateCorrupt, level)
	}
	if st.TriggerTimestamp, err = parseNullTime(triggerTS); err != nil {
		return st, fmt.Errorf("storage.LoadKillSwitch: %w: trigger_timestamp: %v", domain.ErrStateCorrupt, err)
	}
	if st.CooldownUntil, err = parseNullTime(cooldownStr); err != nil {
		return st, fmt.Errorf("storage.LoadKillSwitch: %w: cooldown_until: %v", domain.ErrStateCorrupt, err)
	}
	return st, nil
}

// SaveKillSwitch sobrescribe la fila única.
func (s *SQLiteStorage) SaveKillSwitch(ctx context.Context, st domain.KillSwitchState) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE killswitch_state SET
		  initialized=1, armed=?, triggered=?, trigger_level=?, trigger_reason=?, triggered_by=?,
		  trigger_timestamp=?, peak_balance=?, session_start_balance=?, session_date=?, cooldown_until=?
		WHERE id=1`,
		boolInt(st.Armed), boolInt(st.Triggered), int(st.TriggerLevel), st.TriggerReason, st.TriggeredBy,
		formatNullTime(st.TriggerTimestamp), st.PeakBalance, st.SessionStartBalance, st.SessionDate,
		formatNullTime(st.CooldownUntil),
	); err != nil {
		return fmt.Errorf("storage.SaveKillSwitch: %w", err)
	}
	return nil
}

// TriggerKillSwitch guarda st solo si la fila no está ya disparada.
func (s *SQLiteStorage) TriggerKillSwitch(ctx context.Context, st domain.KillSwitchState) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE killswitch_state SET
		  initialized=1, armed=?, triggered=1, trigger_level=?, trigger_reason=?, triggered_by=?,
		  trigger_timestamp=?, peak_balance=?, session_start_balance=?, session_date=?, cooldown_until=?
		WHERE id=1 AND triggered=0`,
		boolInt(st.Armed), int(st.TriggerLevel), st.TriggerReason, st.TriggeredBy,
		formatNullTime(st.TriggerTimestamp), st.PeakBalance, st.SessionStartBalance, st.SessionDate,
		formatNullTime(st.CooldownUntil),
	)
	if err != nil {
		return false, fmt.Errorf("storage.TriggerKillSwitch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.TriggerKillSwitch: rows affected: %w", err)
	}
	return n == 1, nil
}

// AppendKillSwitchEvent inserta una entrada del audit log.
func (s *SQLiteStorage) AppendKillSwitchEvent(ctx context.Context, ev domain.KillSwitchEvent) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO killswitch_events (id, ts, action, level, reason, authorized_by, balance, forced)
		VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, formatTime(ev.Timestamp), string(ev.Action), int(ev.Level), ev.Reason, ev.Actor,
		ev.Balance, boolInt(ev.Forced),
	); err != nil {
		return fmt.Errorf("storage.AppendKillSwitchEvent: %w", err)
	}
	return nil
}

// KillSwitchHistory devuelve el audit log, los más recientes primero.
func (s *SQLiteStorage) KillSwitchHistory(ctx context.Context, limit int) ([]domain.KillSwitchEvent, error) {
	if limit <= 0 {
		limit = -1 // sin límite en SQLite
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, action, level, reason, authorized_by, balance, forced
		FROM killswitch_events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.KillSwitchHistory: query: %w", err)
	}
	defer rows.Close()

	var events []domain.KillSwitchEvent
	for rows.Next() {
		var (
			ev     domain.KillSwitchEvent
			ts     string
			action string
			level  int
			forced int
		)
		if err := rows.Scan(&ev.ID, &ts, &action, &level, &ev.Reason, &ev.Actor, &ev.Balance, &forced); err != nil {
			return nil, fmt.Errorf("storage.KillSwitchHistory: scan row: %w", err)
		}
		ev.Timestamp, _ = time.Parse(timeLayout, ts)
		ev.Action = domain.KillSwitchAction(action)
		ev.Level = domain.TriggerLevel(level)
		ev.Forced = forced != 0
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ─── Backtests ───────────────────────────────────────────────────────────────

// SaveBacktest persiste el resumen y el ledger del run en una transacción.
func (s *SQLiteStorage) SaveBacktest(ctx context.Context, run ports.BacktestRun, trades []domain.Trade) error {
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return fmt.Errorf("storage.SaveBacktest: marshal metrics: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveBacktest: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO backtest_runs (id, label, started_at, markets, metrics) VALUES (?,?,?,?,?)`,
		run.ID, run.Label, formatTime(run.StartedAt), run.Markets, string(metrics),
	); err != nil {
		return fmt.Errorf("storage.SaveBacktest: insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_trades
		  (run_id, trade_id, market_id, strategy, entry_timestamp, entry_price, exit_timestamp,
		   exit_price, shares, entry_cost, pnl, roi, capital_after, forced)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("storage.SaveBacktest: prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx,
			run.ID, t.ID, t.MarketID, t.Strategy, formatTime(t.EntryTimestamp), t.EntryPrice,
			formatTime(t.ExitTimestamp), t.ExitPrice, t.Shares, t.EntryCost, t.PnL, t.ROI,
			t.CapitalAfter, boolInt(t.Forced),
		); err != nil {
			return fmt.Errorf("storage.SaveBacktest: insert trade %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveBacktest: commit: %w", err)
	}
	return nil
}

// GetBacktestRun lee el resumen de un run.
func (s *SQLiteStorage) GetBacktestRun(ctx context.Context, runID string) (ports.BacktestRun, bool, error) {
	var (
		run              ports.BacktestRun
		started, metrics string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, label, started_at, markets, metrics
		FROM backtest_runs WHERE id=?`, runID).Scan(&run.ID, &run.Label, &started, &run.Markets, &metrics)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.BacktestRun{}, false, nil
	}
	if err != nil {
		return ports.BacktestRun{}, false, fmt.Errorf("storage.GetBacktestRun: %w", err)
	}
	run.StartedAt, _ = time.Parse(timeLayout, started)
	if err := json.Unmarshal([]byte(metrics), &run.Metrics); err != nil {
		return ports.BacktestRun{}, false, fmt.Errorf("storage.GetBacktestRun: run %s: decode metrics: %w", runID, err)
	}
	return run, true, nil
}

// GetBacktestTrades devuelve el ledger de un run ordenado por exit_timestamp.
func (s *SQLiteStorage) GetBacktestTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, market_id, strategy, entry_timestamp, entry_price, exit_timestamp,
		       exit_price, shares, entry_cost, pnl, roi, capital_after, forced
		FROM backtest_trades WHERE run_id=?
		ORDER BY exit_timestamp, entry_timestamp`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage.GetBacktestTrades: query: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var (
			t             domain.Trade
			entryTS, exTS string
			forced        int
		)
		if err := rows.Scan(&t.ID, &t.MarketID, &t.Strategy, &entryTS, &t.EntryPrice, &exTS,
			&t.ExitPrice, &t.Shares, &t.EntryCost, &t.PnL, &t.ROI, &t.CapitalAfter, &forced,
		); err != nil {
			return nil, fmt.Errorf("storage.GetBacktestTrades: scan row: %w", err)
		}
		t.EntryTimestamp, _ = time.Parse(timeLayout, entryTS)
		t.ExitTimestamp, _ = time.Parse(timeLayout, exTS)
		t.Forced = forced != 0
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ListBacktests devuelve los runs con started_at en [from, to], los más recientes primero.
func (s *SQLiteStorage) ListBacktests(ctx context.Context, from, to time.Time) ([]ports.BacktestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, started_at, markets, metrics
		FROM backtest_runs
		WHERE started_at BETWEEN ? AND ?
		ORDER BY started_at DESC`, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("storage.ListBacktests: query: %w", err)
	}
	defer rows.Close()

	var runs []ports.BacktestRun
	for rows.Next() {
		var (
			run              ports.BacktestRun
			started, metrics string
		)
		if err := rows.Scan(&run.ID, &run.Label, &started, &run.Markets, &metrics); err != nil {
			return nil, fmt.Errorf("storage.ListBacktests: scan row: %w", err)
		}
		run.StartedAt, _ = time.Parse(timeLayout, started)
		if err := json.Unmarshal([]byte(metrics), &run.Metrics); err != nil {
			return nil, fmt.Errorf("storage.ListBacktests: run %s: decode metrics: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- helpers internos ---

// withBusyTimeout añade el pragma busy_timeout al DSN.
func withBusyTimeout(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", dsn, sep, busyTimeoutMs)
}

// isTransient distingue errores del motor o del contexto de un valor ilegible.
func isTransient(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sql.ErrConnDone)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
