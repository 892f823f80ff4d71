package scheduler

import "errors"

var (
	// ErrDisabled is returned when the engine is configured off.
	ErrDisabled = errors.New("scheduler disabled")
	// ErrStopped is returned when the engine is not running.
	ErrStopped = errors.New("scheduler stopped")
	// ErrQueueFull is returned when the work queue cannot take the unit.
	ErrQueueFull = errors.New("scheduler queue full")
	// ErrOverlapSkip is returned when the unit's previous run is still in
	// flight. The occurrence is consumed, not deferred.
	ErrOverlapSkip = errors.New("previous run still in flight")
	// ErrUnknownAction is returned when a task name has no registered
	// action. A configuration problem; other tasks keep running.
	ErrUnknownAction = errors.New("no action registered for task")
)
