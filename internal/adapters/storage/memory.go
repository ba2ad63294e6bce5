package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/polyrisk/internal/domain"
	"github.com/alejandrodnm/polyrisk/internal/ports"
)

var (
	_ ports.KillSwitchStorage = (*MemoryStorage)(nil)
	_ ports.BacktestStorage   = (*MemoryStorage)(nil)
)

// MemoryStorage keeps everything in process memory. It backs the kill switch
// that guards a backtest, where nothing should touch the live state.
type MemoryStorage struct {
	mu     sync.Mutex
	state  *domain.KillSwitchState
	events []domain.KillSwitchEvent
	runs   []ports.BacktestRun
	trades map[string][]domain.Trade
}

// NewMemoryStorage returns an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{trades: make(map[string][]domain.Trade)}
}

func (m *MemoryStorage) LoadKillSwitch(_ context.Context) (domain.KillSwitchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return domain.KillSwitchState{}, domain.ErrStateNotFound
	}
	return *m.state, nil
}

func (m *MemoryStorage) SaveKillSwitch(_ context.Context, st domain.KillSwitchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &st
	return nil
}

func (m *MemoryStorage) TriggerKillSwitch(_ context.Context, st domain.KillSwitchState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil && m.state.Triggered {
		return false, nil
	}
	st.Triggered = true
	m.state = &st
	return true, nil
}

func (m *MemoryStorage) AppendKillSwitchEvent(_ context.Context, ev domain.KillSwitchEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStorage) KillSwitchHistory(_ context.Context, limit int) ([]domain.KillSwitchEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.events)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStorage) SaveBacktest(_ context.Context, run ports.BacktestRun, trades []domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trades[run.ID]; ok {
		return fmt.Errorf("storage.SaveBacktest: run %s already exists", run.ID)
	}
	m.runs = append(m.runs, run)
	m.trades[run.ID] = slices.Clone(trades)
	return nil
}

func (m *MemoryStorage) GetBacktestRun(_ context.Context, runID string) (ports.BacktestRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == runID {
			return r, true, nil
		}
	}
	return ports.BacktestRun{}, false, nil
}

func (m *MemoryStorage) GetBacktestTrades(_ context.Context, runID string) ([]domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.trades[runID])
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExitTimestamp.Equal(out[j].ExitTimestamp) {
			return out[i].ExitTimestamp.Before(out[j].ExitTimestamp)
		}
		return out[i].EntryTimestamp.Before(out[j].EntryTimestamp)
	})
	return out, nil
}

func (m *MemoryStorage) ListBacktests(_ context.Context, from, to time.Time) ([]ports.BacktestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ports.BacktestRun
	for _, r := range m.runs {
		if r.StartedAt.Before(from) || r.StartedAt.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStorage) Close() error { return nil }
