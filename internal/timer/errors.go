package timer

import "errors"

var (
	// ErrTimerNotFound is returned when the timer id is unknown.
	ErrTimerNotFound = errors.New("timer not found")

	// ErrKeyholderOnly is returned when a caller other than the keyholder
	// attempts to control a keyholder-locked timer.
	ErrKeyholderOnly = errors.New("timer is keyholder controlled")

	// ErrTimerCompleted is returned for operations on a completed timer.
	ErrTimerCompleted = errors.New("timer already completed")

	// ErrNotRunning is returned when pausing a timer that is not running.
	ErrNotRunning = errors.New("timer is not running")

	// ErrNotPaused is returned when resuming a timer that is not paused.
	ErrNotPaused = errors.New("timer is not paused")

	// ErrPauseDisabled, ErrStopDisabled and ErrExtendDisabled signal that a
	// capability flag forbids the operation.
	ErrPauseDisabled  = errors.New("timer cannot be paused")
	ErrStopDisabled   = errors.New("timer cannot be stopped")
	ErrExtendDisabled = errors.New("timer cannot be extended")

	// ErrConflictNotFound is returned when resolving an unknown conflict.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrUnknownResolution is returned for a resolution other than
	// use_server or use_local.
	ErrUnknownResolution = errors.New("unknown conflict resolution")
)
