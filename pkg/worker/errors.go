package worker

import "errors"

var (
	// ErrNilProcessor is raised when a pool is constructed without a
	// processor function.
	ErrNilProcessor = errors.New("worker pool requires a processor function")

	// ErrPoolNotStarted is returned when work is submitted before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolStopped is returned when work is submitted after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrQueueFull is returned when the work queue is at capacity.
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrPoolAlreadyStarted is returned when Start is called twice.
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrStopTimeout is returned when workers fail to drain before the
	// stop deadline.
	ErrStopTimeout = errors.New("worker pool stop timed out")
)
