package domain

import (
	"context"
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Task errors
	ErrTaskNotFound   = errors.New("task not found")
	ErrUnknownKind    = errors.New("unknown task kind")
	ErrInvalidPayload = errors.New("invalid task payload")
	ErrNoAdapter      = errors.New("no adapter registered for task kind")

	// Entity errors
	ErrEntityNotFound = errors.New("entity not found")

	// Execution taxonomy
	ErrPrecondition = errors.New("precondition failed")
	ErrBackend      = errors.New("generation backend error")
	ErrTimeout      = errors.New("generation timed out")
	ErrCancelled    = errors.New("cancelled")
	ErrOperatorStop = errors.New("stopped by operator")
	ErrPlanning     = errors.New("planning failed")

	// Batch errors
	ErrBatchStopped = errors.New("batch aborted by global stop")
)

// ─── Error Kinds ────────────────────────────────────────────────────────────

// ErrorKind is the persisted classification of a failed task. Callers branch
// on it instead of matching error text.
type ErrorKind string

const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindPrecondition ErrorKind = "precondition"
	ErrorKindBackend      ErrorKind = "backend"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindCancelled    ErrorKind = "cancelled"
	ErrorKindOperatorStop ErrorKind = "operator_stop"
	ErrorKindPlanning     ErrorKind = "planning"
	ErrorKindInternal     ErrorKind = "internal"
)

// Messages written by external cancellation.
const (
	MsgCancelledByUser = "Interrupted by user"
	MsgGlobalStop      = "Stopped by user (Global Stop)"
	MsgRestarted       = "Interrupted by daemon restart"
)

// ClassifyError maps an adapter error onto an ErrorKind.
// Operator stop is checked first since it also satisfies ErrCancelled.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrOperatorStop):
		return ErrorKindOperatorStop
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, ErrPrecondition):
		return ErrorKindPrecondition
	case errors.Is(err, ErrPlanning):
		return ErrorKindPlanning
	case errors.Is(err, ErrBackend):
		return ErrorKindBackend
	default:
		return ErrorKindInternal
	}
}

// StopError is the cancellation cause used by a global stop.
// It matches both ErrCancelled and ErrOperatorStop.
var StopError = fmt.Errorf("%w: %w", ErrCancelled, ErrOperatorStop)

// Preconditionf builds a PreconditionError.
func Preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

// Backendf builds a BackendError, wrapping cause when non-nil.
func Backendf(cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrBackend, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrBackend, msg, cause)
}

// Planningf builds a PlanningError, wrapping cause when non-nil.
func Planningf(cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrPlanning, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrPlanning, msg, cause)
}

// ContextError converts a finished context into the task taxonomy:
// the cancel cause when one was given, ErrTimeout for deadlines,
// ErrCancelled otherwise.
func ContextError(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrCancelled):
		return cause
	case errors.Is(cause, context.DeadlineExceeded), errors.Is(cause, ErrTimeout):
		return fmt.Errorf("%w: %w", ErrTimeout, cause)
	default:
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
}
