package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyrisk/internal/domain"
	"github.com/alejandrodnm/polyrisk/internal/ports"
)

const (
	DefaultCircuitBreakerPct = 0.15
	DefaultDailyLossPct      = 0.05
	DefaultCooldown          = 24 * time.Hour
	DefaultSentinelPath      = "EMERGENCY_STOP"

	// SystemActor is recorded as triggered_by for automatic triggers.
	SystemActor = "system"

	sessionDateLayout = "2006-01-02"

	// canTradeTimeout bounds the state reload behind CanTrade.
	canTradeTimeout = 5 * time.Second
)

// Config holds the breach thresholds. Percentages are fractions (0.15 = 15%).
type Config struct {
	CircuitBreakerPct float64
	DailyLossPct      float64
	Cooldown          time.Duration
	SentinelPath      string
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Observer is notified after every persisted mutation and every audit event.
type Observer interface {
	ObserveKillSwitch(st domain.KillSwitchState)
	ObserveKillSwitchEvent(ev domain.KillSwitchEvent)
}

// KillSwitch is the persistent circuit breaker that gates new trades.
//
// Every mutation is written to the store before the call returns, and the
// stored state is reloaded before each mutation so that several processes
// sharing one store observe each other's triggers.
type KillSwitch struct {
	mu       sync.Mutex
	store    ports.KillSwitchStorage
	cfg      Config
	clock    Clock
	observer Observer
	state    domain.KillSwitchState
}

// New loads the persisted state. A missing state is created DISARMED unless
// the audit log shows the switch was used before; a missing-with-history or
// corrupt state fails closed (triggered at EMERGENCY level).
// clock and observer may be nil.
func New(ctx context.Context, store ports.KillSwitchStorage, cfg Config, clock Clock, observer Observer) (*KillSwitch, error) {
	if cfg.CircuitBreakerPct <= 0 {
		cfg.CircuitBreakerPct = DefaultCircuitBreakerPct
	}
	if cfg.DailyLossPct <= 0 {
		cfg.DailyLossPct = DefaultDailyLossPct
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.SentinelPath == "" {
		cfg.SentinelPath = DefaultSentinelPath
	}
	if clock == nil {
		clock = realClock{}
	}

	k := &KillSwitch{store: store, cfg: cfg, clock: clock, observer: observer}
	if err := k.reload(ctx); err != nil {
		return nil, fmt.Errorf("killswitch.New: %w", err)
	}
	return k, nil
}

// reload replaces the in-memory state with the stored one.
func (k *KillSwitch) reload(ctx context.Context) error {
	st, err := k.store.LoadKillSwitch(ctx)
	switch {
	case err == nil:
		k.state = st
		return nil

	case errors.Is(err, domain.ErrStateNotFound):
		events, herr := k.store.KillSwitchHistory(ctx, 1)
		if herr != nil {
			return fmt.Errorf("read history: %w", herr)
		}
		if len(events) > 0 {
			return k.failClosed(ctx, "kill switch state missing but audit log is not empty")
		}
		k.state = domain.KillSwitchState{}
		if err := k.store.SaveKillSwitch(ctx, k.state); err != nil {
			return fmt.Errorf("create state: %w", err)
		}
		slog.Info("kill switch: created new state", "phase", k.state.Phase())
		return nil

	case errors.Is(err, domain.ErrStateCorrupt):
		slog.Error("kill switch: stored state unreadable", "err", err)
		return k.failClosed(ctx, "kill switch state corrupt: "+err.Error())

	default:
		return fmt.Errorf("load state: %w", err)
	}
}

// failClosed persists a triggered EMERGENCY state. Balances are lost and
// re-seed on the first check after reset.
func (k *KillSwitch) failClosed(ctx context.Context, reason string) error {
	now := k.clock.Now()
	until := now.Add(k.cfg.Cooldown)
	k.state = domain.KillSwitchState{
		Triggered:        true,
		TriggerLevel:     domain.LevelEmergency,
		TriggerReason:    reason,
		TriggeredBy:      SystemActor,
		TriggerTimestamp: &now,
		CooldownUntil:    &until,
	}
	if err := k.store.SaveKillSwitch(ctx, k.state); err != nil {
		return fmt.Errorf("fail closed: %w", err)
	}
	k.notify()
	slog.Error("kill switch: failing closed", "reason", reason)
	return k.appendEvent(ctx, domain.KillSwitchEvent{
		Action: domain.ActionFailClosed,
		Level:  domain.LevelEmergency,
		Reason: reason,
		Actor:  SystemActor,
	})
}

// Arm toggles DISARMED↔ARMED. It returns false when triggered or when the
// switch is already in the requested phase.
func (k *KillSwitch) Arm(ctx context.Context, on bool, by string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.reload(ctx); err != nil {
		return false, fmt.Errorf("killswitch.Arm: %w", err)
	}
	if k.state.Triggered || k.state.Armed == on {
		return false, nil
	}

	k.state.Armed = on
	if err := k.store.SaveKillSwitch(ctx, k.state); err != nil {
		return false, fmt.Errorf("killswitch.Arm: save: %w", err)
	}
	k.notify()

	action := domain.ActionArm
	if !on {
		action = domain.ActionDisarm
	}
	slog.Info("kill switch: phase changed", "phase", k.state.Phase(), "by", by)
	if err := k.appendEvent(ctx, domain.KillSwitchEvent{Action: action, Actor: by}); err != nil {
		return true, fmt.Errorf("killswitch.Arm: %w", err)
	}
	return true, nil
}

// Trigger trips the switch. It returns false without changes when the switch
// is already triggered, including when another writer won the race.
func (k *KillSwitch) Trigger(ctx context.Context, reason string, level domain.TriggerLevel, by string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.reload(ctx); err != nil {
		return false, fmt.Errorf("killswitch.Trigger: %w", err)
	}
	return k.trigger(ctx, reason, level, by, 0)
}

func (k *KillSwitch) trigger(ctx context.Context, reason string, level domain.TriggerLevel, by string, balance float64) (bool, error) {
	if !level.Valid() {
		return false, fmt.Errorf("killswitch.Trigger: %w: level=%d must be in 1..4", domain.ErrInvalidInput, level)
	}
	if k.state.Triggered {
		return false, nil
	}

	now := k.clock.Now()
	until := now.Add(k.cfg.Cooldown)
	next := k.state
	next.Triggered = true
	next.TriggerLevel = level
	next.TriggerReason = reason
	next.TriggeredBy = by
	next.TriggerTimestamp = &now
	next.CooldownUntil = &until

	won, err := k.store.TriggerKillSwitch(ctx, next)
	if err != nil {
		return false, fmt.Errorf("killswitch.Trigger: save: %w", err)
	}
	if !won {
		slog.Info("kill switch: already triggered by another writer", "reason", reason)
		if err := k.reload(ctx); err != nil {
			return false, fmt.Errorf("killswitch.Trigger: %w", err)
		}
		return false, nil
	}

	k.state = next
	k.notify()
	slog.Warn("kill switch: TRIGGERED",
		"level", level.String(),
		"reason", reason,
		"by", by,
		"cooldown_until", until,
	)
	if err := k.appendEvent(ctx, domain.KillSwitchEvent{
		Action:  domain.ActionTrigger,
		Level:   level,
		Reason:  reason,
		Actor:   by,
		Balance: balance,
	}); err != nil {
		return true, fmt.Errorf("killswitch.Trigger: %w", err)
	}
	return true, nil
}

// Check evaluates the emergency sentinel without a balance reading.
// It returns true iff this call triggered the switch.
func (k *KillSwitch) Check(ctx context.Context) (bool, error) {
	return k.check(ctx, nil)
}

// CheckBalance evaluates the sentinel, the circuit breaker against the peak
// balance and the daily loss limit against the session start balance.
// It returns true iff this call triggered the switch.
func (k *KillSwitch) CheckBalance(ctx context.Context, balance float64) (bool, error) {
	if math.IsNaN(balance) || math.IsInf(balance, 0) || balance < 0 {
		return false, fmt.Errorf("killswitch.Check: %w: balance=%v", domain.ErrInvalidInput, balance)
	}
	return k.check(ctx, &balance)
}

func (k *KillSwitch) check(ctx context.Context, balance *float64) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.reload(ctx); err != nil {
		return false, fmt.Errorf("killswitch.Check: %w", err)
	}
	if k.state.Triggered {
		return false, nil
	}

	if k.sentinelPresent() {
		var bal float64
		if balance != nil {
			bal = *balance
		}
		return k.trigger(ctx, "emergency sentinel file "+k.cfg.SentinelPath+" present", domain.LevelEmergency, SystemActor, bal)
	}
	if balance == nil {
		return false, nil
	}
	bal := *balance
	today := k.clock.Now().UTC().Format(sessionDateLayout)

	// First reading: nothing to compare against.
	if !k.state.HasPeak() {
		k.state.PeakBalance = bal
		k.state.SessionStartBalance = bal
		k.state.SessionDate = today
		return false, k.save(ctx)
	}

	dirty := false
	if k.state.SessionDate != today || k.state.SessionStartBalance <= 0 {
		k.state.SessionStartBalance = bal
		k.state.SessionDate = today
		dirty = true
	}

	peak := k.state.PeakBalance
	if bal <= peak*(1-k.cfg.CircuitBreakerPct) {
		drawdown := (peak - bal) / peak
		level := domain.LevelCircuitBreaker
		if drawdown >= 2*k.cfg.CircuitBreakerPct {
			level = domain.LevelEmergency
		}
		reason := fmt.Sprintf("drawdown %.2f%% from peak %.2f (balance %.2f, limit %.2f%%)",
			drawdown*100, peak, bal, k.cfg.CircuitBreakerPct*100)
		return k.trigger(ctx, reason, level, SystemActor, bal)
	}

	session := k.state.SessionStartBalance
	if bal <= session*(1-k.cfg.DailyLossPct) {
		loss := (session - bal) / session
		reason := fmt.Sprintf("daily loss %.2f%% from session start %.2f (balance %.2f, limit %.2f%%)",
			loss*100, session, bal, k.cfg.DailyLossPct*100)
		return k.trigger(ctx, reason, domain.LevelDailyLoss, SystemActor, bal)
	}

	if bal > peak {
		k.state.PeakBalance = bal
		dirty = true
	}
	if dirty {
		return false, k.save(ctx)
	}
	return false, nil
}

// Reset clears a trigger. It returns false when nothing is triggered or when
// the cooldown has not elapsed and force is false. On success the switch is
// DISARMED, the sentinel file is removed and balances re-seed on the next check.
func (k *KillSwitch) Reset(ctx context.Context, by string, force bool) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.reload(ctx); err != nil {
		return false, fmt.Errorf("killswitch.Reset: %w", err)
	}
	if !k.state.Triggered {
		return false, nil
	}
	if remaining := k.cooldownRemaining(); remaining > 0 && !force {
		slog.Info("kill switch: reset refused, cooldown active",
			"remaining_hours", remaining.Hours(),
			"by", by,
		)
		return false, nil
	}

	if err := os.Remove(k.cfg.SentinelPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("killswitch.Reset: remove sentinel: %w", err)
	}

	prev := k.state
	k.state = domain.KillSwitchState{}
	if err := k.store.SaveKillSwitch(ctx, k.state); err != nil {
		k.state = prev
		return false, fmt.Errorf("killswitch.Reset: save: %w", err)
	}
	k.notify()

	slog.Info("kill switch: reset",
		"by", by,
		"forced", force,
		"previous_level", prev.TriggerLevel.String(),
		"previous_reason", prev.TriggerReason,
	)
	if err := k.appendEvent(ctx, domain.KillSwitchEvent{
		Action: domain.ActionReset,
		Level:  prev.TriggerLevel,
		Reason: prev.TriggerReason,
		Actor:  by,
		Forced: force,
	}); err != nil {
		return true, fmt.Errorf("killswitch.Reset: %w", err)
	}
	return true, nil
}

// CanTrade reports whether new trades may be placed. It reloads the stored
// state first, so a trigger persisted by another process is seen here. If the
// store cannot be read it answers false.
func (k *KillSwitch) CanTrade() bool {
	ctx, cancel := context.WithTimeout(context.Background(), canTradeTimeout)
	defer cancel()

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.reload(ctx); err != nil {
		slog.Warn("kill switch: state reload failed, blocking trades", "err", err)
		return false
	}
	return !k.state.Triggered
}

// State returns a copy of the in-memory state.
func (k *KillSwitch) State() domain.KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Status returns a read-only snapshot including the remaining cooldown.
func (k *KillSwitch) Status() domain.KillSwitchStatus {
	k.mu.Lock()
	defer k.mu.Unlock()

	st := k.state
	return domain.KillSwitchStatus{
		Phase:                  st.Phase(),
		Armed:                  st.Armed,
		Triggered:              st.Triggered,
		CanTrade:               !st.Triggered,
		TriggerLevel:           st.TriggerLevel,
		TriggerLevelName:       st.TriggerLevel.String(),
		TriggerReason:          st.TriggerReason,
		TriggeredBy:            st.TriggeredBy,
		TriggerTimestamp:       st.TriggerTimestamp,
		PeakBalance:            st.PeakBalance,
		SessionStartBalance:    st.SessionStartBalance,
		CooldownUntil:          st.CooldownUntil,
		CooldownRemainingHours: k.cooldownRemaining().Hours(),
		CircuitBreakerPct:      k.cfg.CircuitBreakerPct,
		DailyLossPct:           k.cfg.DailyLossPct,
		SentinelPresent:        k.sentinelPresent(),
	}
}

// History returns audit events most-recent-first. limit <= 0 means all.
func (k *KillSwitch) History(ctx context.Context, limit int) ([]domain.KillSwitchEvent, error) {
	events, err := k.store.KillSwitchHistory(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("killswitch.History: %w", err)
	}
	return events, nil
}

// SentinelPath returns the emergency file watched by the switch.
func (k *KillSwitch) SentinelPath() string {
	return k.cfg.SentinelPath
}

func (k *KillSwitch) cooldownRemaining() time.Duration {
	if !k.state.Triggered || k.state.CooldownUntil == nil {
		return 0
	}
	return max(k.state.CooldownUntil.Sub(k.clock.Now()), 0)
}

func (k *KillSwitch) sentinelPresent() bool {
	_, err := os.Stat(k.cfg.SentinelPath)
	return err == nil
}

func (k *KillSwitch) save(ctx context.Context) error {
	if err := k.store.SaveKillSwitch(ctx, k.state); err != nil {
		return fmt.Errorf("killswitch: save: %w", err)
	}
	k.notify()
	return nil
}

func (k *KillSwitch) appendEvent(ctx context.Context, ev domain.KillSwitchEvent) error {
	ev.ID = uuid.NewString()
	ev.Timestamp = k.clock.Now()
	if err := k.store.AppendKillSwitchEvent(ctx, ev); err != nil {
		slog.Error("kill switch: audit append failed", "action", ev.Action, "err", err)
		return fmt.Errorf("append event: %w", err)
	}
	if k.observer != nil {
		k.observer.ObserveKillSwitchEvent(ev)
	}
	return nil
}

func (k *KillSwitch) notify() {
	if k.observer != nil {
		k.observer.ObserveKillSwitch(k.state)
	}
}
