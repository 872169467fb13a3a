// Package errors provides common domain error types for the transcript recorder.
//
// Sentinel errors describe domain conditions (a session that is already gone, an
// operation the recorder does not support) and are checked with errors.Is.
// Failures reported by the communications platform are wrapped in *PlatformError
// and classified into a small set of codes, see ClassifyPlatformError.
//
// Usage:
//
//	import rerrors "github.com/otherjamesbrown/penf-recorder/pkg/errors"
//
//	if rerrors.IsNotSupported(err) {
//	    // dial-out to a conference is not handled
//	}
package errors

import "errors"

// Domain errors - common sentinel errors for domain conditions.
var (
	// ErrNotFound indicates the requested session or recorder was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the resource already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotSupported indicates a path the recorder deliberately does not handle,
	// such as an inbound call for a conference being dialed out to.
	ErrNotSupported = errors.New("not yet supported")

	// ErrSessionTerminated indicates the session has already shut down.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrWaiterPending indicates a signal already has an outstanding waiter.
	ErrWaiterPending = errors.New("signal already has a waiter")

	// ErrShutdown indicates the manager is shutting down and accepts no new work.
	ErrShutdown = errors.New("shutting down")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether any error in err's chain is ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsNotSupported reports whether any error in err's chain is ErrNotSupported.
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}

// IsSessionTerminated reports whether any error in err's chain is ErrSessionTerminated.
func IsSessionTerminated(err error) bool {
	return errors.Is(err, ErrSessionTerminated)
}

// IsShutdown reports whether any error in err's chain is ErrShutdown.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrShutdown)
}
