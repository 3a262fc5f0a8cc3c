// Package fault classifies orchestrator errors into a closed set of kinds so
// that callers can decide whether a failure is recoverable locally or must
// propagate to the run.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a class of orchestrator failure.
type Kind string

const (
	// Validation is a malformed argument from the gateway; no state changed.
	Validation Kind = "validation"
	// ConflictState is an operation rejected because the run or task is not
	// in an admissible state (e.g. startRun while a run is already running).
	ConflictState Kind = "conflict_state"
	// Storage is a filesystem or database failure.
	Storage Kind = "storage"
	// WorkerCrash is an abnormal worker subprocess termination (timeouts are
	// surfaced as WorkerCrash too).
	WorkerCrash Kind = "worker_crash"
	// BridgeLost means the supervisor execution context died.
	BridgeLost Kind = "bridge_lost"
	// Cancellation is a cooperative abort; not a real error.
	Cancellation Kind = "cancellation"
)

// Error is a classified orchestrator error.
type Error struct {
	Kind       Kind      `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`

	cause error
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		OccurredAt: time.Now().UTC(),
	}
}

// Wrap creates a classified error that wraps a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the kind of err if it is (or wraps) a classified error,
// otherwise Storage as the conservative default for unclassified failures.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Storage
}

// IsFatal reports whether the kind invalidates run integrity. Only fatal
// kinds propagate to run status = error; everything else is recovered
// locally by the scheduler or supervisor.
func IsFatal(kind Kind) bool {
	return kind == Storage || kind == BridgeLost
}
