package fiber

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation indicates an invalid state transition: a caller or
	// collaborator bug. It is never retried.
	ErrProtocolViolation = errors.New("fiber: protocol violation")

	// ErrInterrupted is returned by blocking operations that observed the
	// interrupted flag after resuming.
	ErrInterrupted = errors.New("fiber: interrupted")

	// ErrAlreadyStarted is returned by Start on a fiber that is not NEW.
	ErrAlreadyStarted = fmt.Errorf("%w: fiber already started", ErrProtocolViolation)

	// ErrNotRunning is raised by park when the caller is not the running fiber.
	ErrNotRunning = fmt.Errorf("%w: fiber not running", ErrProtocolViolation)

	// ErrRenameAfterStart is returned by SetName once the fiber has started.
	ErrRenameAfterStart = fmt.Errorf("%w: cannot rename a started fiber", ErrProtocolViolation)

	// ErrSchedulerClosed is returned when work is submitted to a closed scheduler.
	ErrSchedulerClosed = errors.New("fiber: scheduler closed")

	// ErrNotSerializable is returned when a fiber cannot be persisted in its
	// current state.
	ErrNotSerializable = errors.New("fiber: not serializable")

	// ErrUnknownBody is returned when restoring a fiber whose body name was
	// never registered.
	ErrUnknownBody = errors.New("fiber: unknown body")

	// ErrGoexit is the failure recorded for a body that exited via runtime.Goexit.
	ErrGoexit = errors.New("fiber: goroutine exited via runtime.Goexit")
)

// ProtocolError describes a rejected transition.
type ProtocolError struct {
	Cause error
	Op    string
	State string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := "fiber: protocol violation: " + e.Op
	if e.State != "" {
		msg += " in state " + e.State
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Is matches ErrProtocolViolation.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// TimeoutError represents a bounded wait that expired.
type TimeoutError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "fiber: operation timed out"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a panic value recovered from a fiber body.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("fiber: body panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error, else nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func protocolViolation(op string, state fmt.Stringer) *ProtocolError {
	e := &ProtocolError{Op: op}
	if state != nil {
		e.State = state.String()
	}
	return e
}
