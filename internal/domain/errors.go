package domain

import "errors"

var (
	// ErrInvalidInput is returned when a probability or price falls outside (0,1).
	ErrInvalidInput = errors.New("invalid input")

	// ErrStateNotFound is returned by kill-switch storage when no state was ever saved.
	ErrStateNotFound = errors.New("kill switch state not found")

	// ErrStateCorrupt is returned by kill-switch storage when the saved state cannot be parsed.
	ErrStateCorrupt = errors.New("kill switch state corrupt")

	// ErrInvalidConfig is returned when a configuration value is out of range.
	ErrInvalidConfig = errors.New("invalid config")
)
