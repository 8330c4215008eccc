package service

import "errors"

// Error kinds returned by the tracking core. Callers classify with errors.Is;
// none of them is ever raised as a panic.
var (
	// ErrNotFound: unknown agent or event. Nothing changed.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyTracking: start for an agent with a live record. Treat as success.
	ErrAlreadyTracking = errors.New("already tracking")
	// ErrNotTracking: sample for an agent without a live record. Dropped.
	ErrNotTracking = errors.New("not tracking")
	// ErrStaleEvent: the owning event has ended. The session was stopped and the sample discarded.
	ErrStaleEvent = errors.New("event ended")
	// ErrTransportUnavailable: a publish failed. The registry mutation still committed.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrPersistence: a durable write failed. The in-memory state still committed.
	ErrPersistence = errors.New("persistence failed")
	// ErrInvalidSample: malformed input, rejected before reaching the registry.
	ErrInvalidSample = errors.New("invalid sample")
	// ErrOutsideWindow: the event's time window does not admit the operation now.
	ErrOutsideWindow = errors.New("outside time window")
)
