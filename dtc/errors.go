package dtc

import "errors"

var (
	// ErrNotFound is returned when a query or clear names an unknown event.
	ErrNotFound = errors.New("event not found")

	// ErrSessionNotAllowed is returned when the active session mode does not
	// permit the requested operation.
	ErrSessionNotAllowed = errors.New("operation not allowed in current session")

	// ErrPreconditionNotMet is returned when an external gating condition
	// denies a clear request.
	ErrPreconditionNotMet = errors.New("clear precondition not met")
)
