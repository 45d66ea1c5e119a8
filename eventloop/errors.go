package eventloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is
	// already running, including re-entrant calls from callbacks.
	ErrLoopAlreadyRunning error = &UsageError{Message: "eventloop: loop already running"}

	// ErrNegativeTimeout is returned by RunTimeout for a negative timeout.
	ErrNegativeTimeout error = &UsageError{Message: "eventloop: timeout must be non-negative"}

	// ErrEmptyArgv is returned by Spawn when argv has no elements.
	ErrEmptyArgv error = &UsageError{Message: "eventloop: argv must not be empty"}

	// ErrLoopDeleted is returned by operations on a loop that has been torn down.
	ErrLoopDeleted = errors.New("eventloop: loop deleted")

	// ErrStreamClosed is returned by operations on a closed stream, and is the
	// cause reported for write requests cancelled by a close.
	ErrStreamClosed = errors.New("eventloop: stream closed")
)

// UsageError reports that an operation was invoked incorrectly: bad arguments,
// a re-entrant run, or a negative timeout.
type UsageError struct {
	// Cause is the underlying error, if any.
	Cause error
	// Message describes the misuse.
	Message string
}

// Error implements the error interface.
func (e *UsageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *UsageError) Unwrap() error {
	return e.Cause
}

// Is matches the bare &UsageError{}, so that errors.Is(err, &UsageError{})
// matches any usage error. Other targets, the sentinels included, only match
// by identity.
func (e *UsageError) Is(target error) bool {
	t, ok := target.(*UsageError)
	return ok && t.Message == "" && t.Cause == nil
}

// LaunchError reports that the OS refused to open a pipe or start a process.
// The message always carries the OS error text.
type LaunchError struct {
	// Cause is the OS error.
	Cause error
	// Op is "stdio" or "spawn".
	Op string
	// Argv is the command line, for Op "spawn".
	Argv []string
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	if len(e.Argv) != 0 {
		return fmt.Sprintf("eventloop: %s %q: %v", e.Op, e.Argv[0], e.Cause)
	}
	return fmt.Sprintf("eventloop: %s: %v", e.Op, e.Cause)
}

// Unwrap returns the OS error.
func (e *LaunchError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	// Value is the value passed to panic.
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: callback panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
