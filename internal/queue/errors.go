package queue

import "errors"

// Command errors returned to callers of the engine.
var (
	// ErrAlreadyRunning rejects a start while a run is running or finishing.
	ErrAlreadyRunning = errors.New("queue already running")
	// ErrEmptyQueue rejects a start with no items.
	ErrEmptyQueue = errors.New("queue has no items")
	// ErrClosed is returned once the engine loop has exited.
	ErrClosed = errors.New("engine closed")
	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
)

// Item and run level failures. Item-level errors are absorbed into the done
// counter; only ErrHostGone and ErrContextLost end a run.
var (
	ErrContextCreation  = errors.New("execution context creation failed")
	ErrContextLost      = errors.New("execution context lost")
	ErrSignalTimeout    = errors.New("no completion within wait window")
	ErrHostUnavailable  = errors.New("host api unavailable")
	ErrHostGone         = errors.New("host api unavailable past failure threshold")
	ErrDuplicateAdvance = errors.New("dispatch already advanced")
)
