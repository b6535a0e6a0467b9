package peripheral

import (
	"errors"
	"fmt"
)

// NotFoundError represents an error when a registry resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [uuid] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// Is makes every NotFoundError match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// LifecycleState represents the kind of lifecycle failure
type LifecycleState string

const (
	NotInitialized     LifecycleState = "not_initialized"
	AlreadyInitialized LifecycleState = "already_initialized"
	ShuttingDown       LifecycleState = "shutting_down"
)

// StateError represents a call made in the wrong lifecycle state
type StateError struct {
	State LifecycleState
	Msg   string
}

func (e *StateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare StateError values by State
func (e *StateError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StateError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotInitialized     = &StateError{State: NotInitialized}
	ErrAlreadyInitialized = &StateError{State: AlreadyInitialized}
	ErrShuttingDown       = &StateError{State: ShuttingDown}
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrCapabilityMismatch = errors.New("capability mismatch")
	ErrTransportFailure   = errors.New("transport failure")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrNoSubscribers      = errors.New("no subscribed peers")
	ErrShutdownTimeout    = errors.New("delivery worker did not stop in time")
)

// TransportError wraps a failed adapter call.
type TransportError struct {
	Op   string
	UUID string
	Err  error
}

func (e *TransportError) Error() string {
	if e.UUID == "" {
		return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s failed for %q: %v", e.Op, e.UUID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes every TransportError match ErrTransportFailure.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransportFailure
}

// ChunkError reports a large send that stopped before all chunks were queued.
// Chunks before Index were queued and will still be delivered.
type ChunkError struct {
	Index int
	Total int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("failed at chunk %d of %d: %v", e.Index+1, e.Total, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// IsState reports whether err is a StateError with the given state
func IsState(err error, state LifecycleState) bool {
	var serr *StateError
	if errors.As(err, &serr) {
		return serr.State == state
	}
	return false
}
