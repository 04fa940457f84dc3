package events

import (
	"errors"
	"fmt"
)

var (
	// ErrHandlerNotFound indicates an operation referenced a subscription
	// id the registry has never seen. Idempotent removal does not return
	// this; it is reserved for operations where a dangling id is a bug.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrPlatformUnsupported indicates the requested monitoring
	// capability has no native backing on this OS.
	ErrPlatformUnsupported = errors.New("monitoring capability not supported on this platform")
)

// IoError wraps a native I/O failure (missing path, permission denied)
// with the operation and path that triggered it.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io failure during %s on %q: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// SourceInitError indicates a source could not be started. Start rolls
// back all sources from the same call when it returns one of these.
type SourceInitError struct {
	Source string
	Err    error
}

func (e *SourceInitError) Error() string {
	return fmt.Sprintf("source %q failed to initialize: %v", e.Source, e.Err)
}

func (e *SourceInitError) Unwrap() error { return e.Err }

// CallbackError records a panic raised by a subscription callback during
// dispatch. It is reported through the configured error handler and never
// propagated to the caller of Subscribe or Start.
type CallbackError struct {
	SubscriptionID string
	EventID        string
	Recovered      interface{}
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback for subscription %s panicked on event %s: %v",
		e.SubscriptionID, e.EventID, e.Recovered)
}
