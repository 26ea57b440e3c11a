package coremsg

import "errors"

// Error taxonomy shared across the bridge. Each is a sentinel; wrap with
// fmt.Errorf("...: %w", ErrX) at the call site to attach the human-readable
// cause.
var (
	// ErrDisconnected means the transport is not available. Raised by a
	// Connection Manager; recovered by reconnect; surfaced to send callers
	// who fail fast.
	ErrDisconnected = errors.New("disconnected")

	// ErrTimeout means an RPC or poll timed out. Retryable.
	ErrTimeout = errors.New("timeout")

	// ErrParse means a malformed wire frame was received. Never fatal — the
	// event is logged and dropped.
	ErrParse = errors.New("parse error")

	// ErrUnknownMapping is a mapping lookup miss. Never a failure; callers
	// branch on absence rather than treating it as an error.
	ErrUnknownMapping = errors.New("unknown mapping")

	// ErrDuplicateForward marks an already-seen source message id. Dedup drop.
	ErrDuplicateForward = errors.New("duplicate forward")

	// ErrMediaFetch means a CDN/API download failed. Retryable via the
	// Retry Queue with a proxy toggle.
	ErrMediaFetch = errors.New("media fetch error")

	// ErrRetryExhausted means attempt_count reached max_attempts; the record
	// was deleted and the event logged.
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrRouteMissing means no bridge route is configured for a conversation.
	// Silent drop.
	ErrRouteMissing = errors.New("route missing")

	// ErrFatal marks store corruption or unsupported configuration. At
	// startup this exits the process with code 1; at runtime it is logged
	// and the affected connection degrades rather than crashing the process.
	ErrFatal = errors.New("fatal")
)
