package dispatchcore

import "errors"

// Lifecycle and contract errors surfaced to callers, mirroring the
// teacher's sentinel errors (ErrClosedClient, ErrShuttingDown,
// ErrMessageSizeTooLarge) and spec.md §7's error taxonomy.
var (
	// ErrClosed is returned by Enqueue after Close has been called.
	ErrClosed = errors.New("dispatchcore: orchestrator is closed")

	// ErrQueueFull is returned when Enqueue cannot buffer a request
	// because the internal channel is saturated and the context was
	// cancelled while waiting for room.
	ErrQueueFull = errors.New("dispatchcore: internal queue is full")

	// ErrFlushTimeout is returned by Flush when the internal queue does
	// not drain within the given timeout.
	ErrFlushTimeout = errors.New("dispatchcore: flush timed out before queue drained")
)
