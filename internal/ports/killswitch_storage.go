package ports

import (
	"context"

	"github.com/alejandrodnm/polyrisk/internal/domain"
)

// KillSwitchStorage persists the kill-switch state and its audit log.
// It is a single-writer resource: callers serialize arm/trigger/reset.
type KillSwitchStorage interface {
	// LoadKillSwitch returns the saved state. It returns domain.ErrStateNotFound
	// when nothing was ever saved and domain.ErrStateCorrupt when the saved
	// state cannot be parsed.
	LoadKillSwitch(ctx context.Context) (domain.KillSwitchState, error)

	// SaveKillSwitch overwrites the saved state.
	SaveKillSwitch(ctx context.Context, st domain.KillSwitchState) error

	// TriggerKillSwitch saves st only if the stored state is not already
	// triggered. It returns false when another writer won the race.
	TriggerKillSwitch(ctx context.Context, st domain.KillSwitchState) (bool, error)

	// AppendKillSwitchEvent appends one audit log entry.
	AppendKillSwitchEvent(ctx context.Context, ev domain.KillSwitchEvent) error

	// KillSwitchHistory returns audit entries most-recent-first. limit <= 0 means all.
	KillSwitchHistory(ctx context.Context, limit int) ([]domain.KillSwitchEvent, error)
}
