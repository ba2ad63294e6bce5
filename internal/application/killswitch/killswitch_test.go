package killswitch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyrisk/internal/adapters/storage"
	"github.com/alejandrodnm/polyrisk/internal/application/sizer"
	"github.com/alejandrodnm/polyrisk/internal/domain"
	"github.com/alejandrodnm/polyrisk/internal/ports"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu     sync.Mutex
	states []domain.KillSwitchState
	events []domain.KillSwitchEvent
}

func (o *recordingObserver) ObserveKillSwitch(st domain.KillSwitchState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, st)
}

func (o *recordingObserver) ObserveKillSwitchEvent(ev domain.KillSwitchEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func testConfig(t *testing.T) Config {
	return Config{
		CircuitBreakerPct: 0.15,
		DailyLossPct:      0.05,
		Cooldown:          24 * time.Hour,
		SentinelPath:      filepath.Join(t.TempDir(), "EMERGENCY_STOP"),
	}
}

func newSwitch(t *testing.T, store ports.KillSwitchStorage, cfg Config, clock Clock) *KillSwitch {
	t.Helper()
	ks, err := New(context.Background(), store, cfg, clock, nil)
	require.NoError(t, err)
	return ks
}

func TestNew_FirstUseIsDisarmed(t *testing.T) {
	store := storage.NewMemoryStorage()
	ks := newSwitch(t, store, testConfig(t), newFakeClock())

	st := ks.Status()
	assert.Equal(t, domain.PhaseDisarmed, st.Phase)
	assert.True(t, st.CanTrade)
	assert.Equal(t, 0.0, st.CooldownRemainingHours)

	saved, err := store.LoadKillSwitch(context.Background())
	require.NoError(t, err)
	assert.False(t, saved.Triggered)
}

func TestCheck_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), newFakeClock())

	// primera lectura solo registra el peak
	triggered, err := ks.CheckBalance(ctx, 1000)
	require.NoError(t, err)
	assert.False(t, triggered)
	assert.Equal(t, 1000.0, ks.State().PeakBalance)

	// peak 1000, breaker 15%, balance 840 (−16%)
	triggered, err = ks.CheckBalance(ctx, 840)
	require.NoError(t, err)
	assert.True(t, triggered)

	st := ks.Status()
	assert.Equal(t, domain.PhaseTriggered, st.Phase)
	assert.Equal(t, domain.LevelCircuitBreaker, st.TriggerLevel)
	assert.Equal(t, SystemActor, st.TriggeredBy)
	assert.False(t, ks.CanTrade())
	assert.InDelta(t, 24.0, st.CooldownRemainingHours, 1e-9)

	// ya disparado: no vuelve a disparar
	triggered, err = ks.CheckBalance(ctx, 500)
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestCheck_SevereDrawdownEscalatesToEmergency(t *testing.T) {
	ctx := context.Background()
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), newFakeClock())

	_, err := ks.CheckBalance(ctx, 1000)
	require.NoError(t, err)
	triggered, err := ks.CheckBalance(ctx, 690)
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, domain.LevelEmergency, ks.State().TriggerLevel)
}

func TestCheck_DailyLossLimit(t *testing.T) {
	ctx := context.Background()
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), newFakeClock())

	_, err := ks.CheckBalance(ctx, 1000)
	require.NoError(t, err)

	// −3%: dentro del límite
	triggered, err := ks.CheckBalance(ctx, 970)
	require.NoError(t, err)
	assert.False(t, triggered)

	// −6%: supera el 5% diario
	triggered, err = ks.CheckBalance(ctx, 940)
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, domain.LevelDailyLoss, ks.State().TriggerLevel)
}

func TestCheck_BoundaryIsInclusive(t *testing.T) {
	ctx := context.Background()
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), newFakeClock())

	_, err := ks.CheckBalance(ctx, 1000)
	require.NoError(t, err)
	triggered, err := ks.CheckBalance(ctx, 950)
	require.NoError(t, err)
	assert.True(t, triggered)
}

func TestCheck_PeakOnlyMovesUp(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), clock)

	for _, bal := range []float64{1000, 1100, 1080, 1200, 1190} {
		triggered, err := ks.CheckBalance(ctx, bal)
		require.NoError(t, err)
		require.False(t, triggered)
		clock.Advance(24 * time.Hour) // nueva sesión cada día
	}
	assert.Equal(t, 1200.0, ks.State().PeakBalance)

	// 15% bajo el peak de 1200 es 1020
	triggered, err := ks.CheckBalance(ctx, 1020)
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, domain.LevelCircuitBreaker, ks.State().TriggerLevel)
}

func TestCheck_SessionRollsOverOnNewDay(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), clock)

	_, err := ks.CheckBalance(ctx, 1000)
	require.NoError(t, err)
	_, err = ks.CheckBalance(ctx, 960)
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	triggered, err := ks.CheckBalance(ctx, 930)
	require.NoError(t, err)
	assert.False(t, triggered, "first reading of the day starts a new session")
	assert.Equal(t, 930.0, ks.State().SessionStartBalance)

	triggered, err = ks.CheckBalance(ctx, 880)
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, domain.LevelDailyLoss, ks.State().TriggerLevel)
}

func TestCheck_RejectsInvalidBalance(t *testing.T) {
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), newFakeClock())
	_, err := ks.CheckBalance(context.Background(), -1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCheck_SentinelTriggersAndResetRemovesIt(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	ks := newSwitch(t, storage.NewMemoryStorage(), cfg, newFakeClock())

	triggered, err := ks.Check(ctx)
	require.NoError(t, err)
	assert.False(t, triggered)

	require.NoError(t, os.WriteFile(cfg.SentinelPath, []byte("stop"), 0o644))
	assert.True(t, ks.Status().SentinelPresent)

	triggered, err = ks.Check(ctx)
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, domain.LevelEmergency, ks.State().TriggerLevel)

	ok, err := ks.Reset(ctx, "ops", true)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = os.Stat(cfg.SentinelPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.False(t, ks.Status().SentinelPresent)
}

func TestCheck_SentinelWinsOverHealthyBalance(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	ks := newSwitch(t, storage.NewMemoryStorage(), cfg, newFakeClock())
	require.NoError(t, os.WriteFile(cfg.SentinelPath, nil, 0o644))

	triggered, err := ks.CheckBalance(ctx, 5000)
	require.NoError(t, err)
	assert.True(t, triggered)
}

func TestTrigger_NoOpWhenAlreadyTriggered(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	ks := newSwitch(t, store, testConfig(t), newFakeClock())

	ok, err := ks.Trigger(ctx, "manual pause", domain.LevelManualPause, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ks.Trigger(ctx, "again", domain.LevelEmergency, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	st := ks.State()
	assert.Equal(t, domain.LevelManualPause, st.TriggerLevel)
	assert.Equal(t, "alice", st.TriggeredBy)

	history, err := ks.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ActionTrigger, history[0].Action)
	assert.Equal(t, "alice", history[0].Actor)
}

func TestTrigger_InvalidLevel(t *testing.T) {
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), newFakeClock())
	_, err := ks.Trigger(context.Background(), "x", 7, "ops")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.True(t, ks.CanTrade())
}

func TestReset_CooldownAndForce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), clock)

	ok, err := ks.Reset(ctx, "ops", false)
	require.NoError(t, err)
	assert.False(t, ok, "nothing to reset")

	_, err = ks.CheckBalance(ctx, 1000)
	require.NoError(t, err)
	_, err = ks.CheckBalance(ctx, 800)
	require.NoError(t, err)
	require.False(t, ks.CanTrade())

	clock.Advance(time.Hour)
	assert.InDelta(t, 23.0, ks.Status().CooldownRemainingHours, 1e-9)

	ok, err = ks.Reset(ctx, "ops", false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, ks.CanTrade())

	ok, err = ks.Reset(ctx, "ops", true)
	require.NoError(t, err)
	assert.True(t, ok)

	st := ks.Status()
	assert.Equal(t, domain.PhaseDisarmed, st.Phase)
	assert.True(t, st.CanTrade)
	assert.Equal(t, domain.LevelNone, st.TriggerLevel)
	assert.Empty(t, st.TriggerReason)
	assert.Nil(t, st.TriggerTimestamp)
	assert.Nil(t, st.CooldownUntil)
	assert.Equal(t, 0.0, st.PeakBalance)

	history, err := ks.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ActionReset, history[0].Action)
	assert.True(t, history[0].Forced)
	assert.Equal(t, "ops", history[0].Actor)
	assert.Equal(t, domain.LevelCircuitBreaker, history[0].Level)
}

func TestReset_AfterCooldownWithoutForce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), clock)

	_, err := ks.Trigger(ctx, "pause", domain.LevelManualPause, "ops")
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)

	ok, err := ks.Reset(ctx, "ops", false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReset_ReseedsBalances(t *testing.T) {
	ctx := context.Background()
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), newFakeClock())

	_, err := ks.CheckBalance(ctx, 1000)
	require.NoError(t, err)
	_, err = ks.CheckBalance(ctx, 800)
	require.NoError(t, err)
	_, err = ks.Reset(ctx, "ops", true)
	require.NoError(t, err)

	// la primera lectura tras el reset es la nueva referencia
	triggered, err := ks.CheckBalance(ctx, 800)
	require.NoError(t, err)
	assert.False(t, triggered)
	assert.Equal(t, 800.0, ks.State().PeakBalance)
}

func TestArm(t *testing.T) {
	ctx := context.Background()
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), newFakeClock())

	ok, err := ks.Arm(ctx, true, "ops")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.PhaseArmed, ks.Status().Phase)

	ok, err = ks.Arm(ctx, true, "ops")
	require.NoError(t, err)
	assert.False(t, ok, "already armed")

	_, err = ks.Trigger(ctx, "pause", domain.LevelManualPause, "ops")
	require.NoError(t, err)
	ok, err = ks.Arm(ctx, false, "ops")
	require.NoError(t, err)
	assert.False(t, ok, "cannot disarm while triggered")
	assert.Equal(t, domain.PhaseTriggered, ks.Status().Phase)

	_, err = ks.Reset(ctx, "ops", true)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDisarmed, ks.Status().Phase)

	history, err := ks.History(ctx, 0)
	require.NoError(t, err)
	actions := make([]domain.KillSwitchAction, 0, len(history))
	for _, ev := range history {
		actions = append(actions, ev.Action)
	}
	assert.Equal(t, []domain.KillSwitchAction{domain.ActionReset, domain.ActionTrigger, domain.ActionArm}, actions)
}

func TestPersistence_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(t)
	clock := newFakeClock()
	open := func() *KillSwitch {
		store, err := storage.NewFileKillSwitchStore(filepath.Join(dir, "state.json"), filepath.Join(dir, "history.jsonl"))
		require.NoError(t, err)
		return newSwitch(t, store, cfg, clock)
	}

	ks := open()
	_, err := ks.CheckBalance(ctx, 1000)
	require.NoError(t, err)
	_, err = ks.CheckBalance(ctx, 1050)
	require.NoError(t, err)
	_, err = ks.Trigger(ctx, "manual", domain.LevelManualPause, "alice")
	require.NoError(t, err)

	restarted := open()
	st := restarted.State()
	assert.True(t, st.Triggered)
	assert.Equal(t, "alice", st.TriggeredBy)
	assert.Equal(t, 1050.0, st.PeakBalance)
	assert.False(t, restarted.CanTrade())
}

func TestTrigger_TwoProcessesOneWinner(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "ks.db"))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	a := newSwitch(t, db, cfg, newFakeClock())
	b := newSwitch(t, db, cfg, newFakeClock())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i, ks := range []*KillSwitch{a, b} {
		wg.Add(1)
		go func(i int, ks *KillSwitch) {
			defer wg.Done()
			ok, err := ks.Trigger(ctx, "race", domain.LevelManualPause, string(rune('a'+i)))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i, ks)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.False(t, a.CanTrade())
	assert.False(t, b.CanTrade(), "loser observes the winner's trigger")

	history, err := a.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCanTrade_SeesTriggerFromAnotherInstance(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "ks.db"))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	gate := newSwitch(t, db, cfg, newFakeClock())
	monitor := newSwitch(t, db, cfg, newFakeClock())
	require.True(t, gate.CanTrade())

	ok, err := monitor.Trigger(ctx, "drawdown seen by monitor", domain.LevelCircuitBreaker, SystemActor)
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, gate.CanTrade())
	assert.True(t, gate.State().Triggered)

	rec, err := sizer.New(sizer.DefaultLimits(1000), gate, nil).Recommend("dip", 0.6, 0.5, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskBlocked, rec.RiskLevel)
	assert.False(t, rec.CanTrade)
}

// unreadableStore falla en LoadKillSwitch mientras loadErr esté puesto.
type unreadableStore struct {
	*storage.MemoryStorage
	mu      sync.Mutex
	loadErr error
}

func (s *unreadableStore) setLoadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

func (s *unreadableStore) LoadKillSwitch(ctx context.Context) (domain.KillSwitchState, error) {
	s.mu.Lock()
	err := s.loadErr
	s.mu.Unlock()
	if err != nil {
		return domain.KillSwitchState{}, err
	}
	return s.MemoryStorage.LoadKillSwitch(ctx)
}

func TestCanTrade_BlocksWhileStoreUnreadable(t *testing.T) {
	store := &unreadableStore{MemoryStorage: storage.NewMemoryStorage()}
	ks := newSwitch(t, store, testConfig(t), newFakeClock())
	require.True(t, ks.CanTrade())

	store.setLoadErr(errors.New("database is locked"))
	assert.False(t, ks.CanTrade())

	// un error transitorio no deja el switch disparado
	saved, err := store.MemoryStorage.LoadKillSwitch(context.Background())
	require.NoError(t, err)
	assert.False(t, saved.Triggered)

	store.setLoadErr(nil)
	assert.True(t, ks.CanTrade())
}

func TestNew_CorruptStateFailsClosed(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{\"armed\": tru"), 0o644))
	store, err := storage.NewFileKillSwitchStore(statePath, filepath.Join(dir, "history.jsonl"))
	require.NoError(t, err)

	obs := &recordingObserver{}
	ks, err := New(context.Background(), store, testConfig(t), newFakeClock(), obs)
	require.NoError(t, err)

	st := ks.Status()
	assert.True(t, st.Triggered)
	assert.False(t, st.CanTrade)
	assert.Equal(t, domain.LevelEmergency, st.TriggerLevel)

	history, err := ks.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ActionFailClosed, history[0].Action)
	require.Len(t, obs.events, 1)
	assert.NotEmpty(t, obs.states)
}

func TestNew_MissingStateWithHistoryFailsClosed(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	historyPath := filepath.Join(dir, "history.jsonl")
	store, err := storage.NewFileKillSwitchStore(statePath, historyPath)
	require.NoError(t, err)

	ks := newSwitch(t, store, testConfig(t), newFakeClock())
	_, err = ks.Trigger(context.Background(), "pause", domain.LevelManualPause, "ops")
	require.NoError(t, err)
	require.NoError(t, os.Remove(statePath))

	reopened := newSwitch(t, store, testConfig(t), newFakeClock())
	assert.False(t, reopened.CanTrade())
	assert.Equal(t, domain.LevelEmergency, reopened.State().TriggerLevel)
}

func TestNew_AppliesDefaults(t *testing.T) {
	ks := newSwitch(t, storage.NewMemoryStorage(), Config{}, newFakeClock())
	st := ks.Status()
	assert.Equal(t, DefaultCircuitBreakerPct, st.CircuitBreakerPct)
	assert.Equal(t, DefaultDailyLossPct, st.DailyLossPct)
	assert.Equal(t, DefaultSentinelPath, ks.SentinelPath())
}

func TestKillSwitch_GuardsBacktestInterface(t *testing.T) {
	ks := newSwitch(t, storage.NewMemoryStorage(), testConfig(t), newFakeClock())
	var guard interface {
		CanTrade() bool
		CheckBalance(context.Context, float64) (bool, error)
	} = ks
	assert.True(t, guard.CanTrade())
}
