package domain

import (
	"fmt"
	"time"
)

// TriggerLevel is the severity recorded when the kill switch trips.
type TriggerLevel int

const (
	LevelNone           TriggerLevel = 0
	LevelManualPause    TriggerLevel = 1
	LevelDailyLoss      TriggerLevel = 2
	LevelCircuitBreaker TriggerLevel = 3
	LevelEmergency      TriggerLevel = 4
)

// String returns the level name.
func (l TriggerLevel) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelManualPause:
		return "MANUAL_PAUSE"
	case LevelDailyLoss:
		return "DAILY_LOSS"
	case LevelCircuitBreaker:
		return "CIRCUIT_BREAKER"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return fmt.Sprintf("LEVEL_%d", int(l))
	}
}

// Valid reports whether l is one of the trigger levels 1..4.
func (l TriggerLevel) Valid() bool {
	return l >= LevelManualPause && l <= LevelEmergency
}

// KillSwitchPhase is the state machine position derived from the persisted flags.
type KillSwitchPhase string

const (
	PhaseDisarmed  KillSwitchPhase = "DISARMED"
	PhaseArmed     KillSwitchPhase = "ARMED"
	PhaseTriggered KillSwitchPhase = "TRIGGERED"
)

// KillSwitchState is the durable state of the kill switch. It is persisted
// after every mutation and reloaded at process start.
type KillSwitchState struct {
	Armed               bool         `json:"armed"`
	Triggered           bool         `json:"triggered"`
	TriggerLevel        TriggerLevel `json:"trigger_level"`
	TriggerReason       string       `json:"trigger_reason"`
	TriggeredBy         string       `json:"triggered_by"`
	TriggerTimestamp    *time.Time   `json:"trigger_timestamp"`
	PeakBalance         float64      `json:"peak_balance"`          // 0 = not recorded yet
	SessionStartBalance float64      `json:"session_start_balance"` // 0 = not recorded yet
	SessionDate         string       `json:"session_date,omitempty"` // UTC day of SessionStartBalance
	CooldownUntil       *time.Time   `json:"cooldown_until"`
}

// Phase returns DISARMED, ARMED or TRIGGERED.
func (s KillSwitchState) Phase() KillSwitchPhase {
	switch {
	case s.Triggered:
		return PhaseTriggered
	case s.Armed:
		return PhaseArmed
	default:
		return PhaseDisarmed
	}
}

// HasPeak reports whether a peak balance has been recorded.
func (s KillSwitchState) HasPeak() bool {
	return s.PeakBalance > 0
}

// KillSwitchAction names an audit log entry.
type KillSwitchAction string

const (
	ActionArm        KillSwitchAction = "ARM"
	ActionDisarm     KillSwitchAction = "DISARM"
	ActionTrigger    KillSwitchAction = "TRIGGER"
	ActionReset      KillSwitchAction = "RESET"
	ActionFailClosed KillSwitchAction = "FAIL_CLOSED"
)

// KillSwitchEvent is one append-only audit log entry.
type KillSwitchEvent struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	Action    KillSwitchAction `json:"action"`
	Level     TriggerLevel     `json:"level"`
	Reason    string           `json:"reason"`
	Actor     string           `json:"authorized_by"` // triggered_by for triggers
	Balance   float64          `json:"balance,omitempty"`
	Forced    bool             `json:"forced,omitempty"`
}

// KillSwitchStatus is a read-only snapshot for operators and dashboards.
type KillSwitchStatus struct {
	Phase                  KillSwitchPhase `json:"phase"`
	Armed                  bool            `json:"armed"`
	Triggered              bool            `json:"triggered"`
	CanTrade               bool            `json:"can_trade"`
	TriggerLevel           TriggerLevel    `json:"trigger_level"`
	TriggerLevelName       string          `json:"trigger_level_name"`
	TriggerReason          string          `json:"trigger_reason"`
	TriggeredBy            string          `json:"triggered_by"`
	TriggerTimestamp       *time.Time      `json:"trigger_timestamp"`
	PeakBalance            float64         `json:"peak_balance"`
	SessionStartBalance    float64         `json:"session_start_balance"`
	CooldownUntil          *time.Time      `json:"cooldown_until"`
	CooldownRemainingHours float64         `json:"cooldown_remaining_hours"`
	CircuitBreakerPct      float64         `json:"circuit_breaker_pct"`
	DailyLossPct           float64         `json:"daily_loss_pct"`
	SentinelPresent        bool            `json:"sentinel_present"`
}
