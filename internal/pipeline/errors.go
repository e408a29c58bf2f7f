package pipeline

import "errors"

var (
	// ErrClosed is returned by a wait on a gate that was woken for shutdown.
	ErrClosed = errors.New("pipeline: gate closed")
	// ErrNotRunning is returned when an operation needs a running controller.
	ErrNotRunning = errors.New("pipeline: not running")
	// ErrStillRunning is returned by Teardown while stage goroutines are alive.
	ErrStillRunning = errors.New("pipeline: stages still running")
	// ErrForeignSlot is returned when a slot is routed through a pool or gate
	// it does not belong to.
	ErrForeignSlot = errors.New("pipeline: slot does not belong to this pool")
)
