package deferred

import "errors"

var (
	// ErrAlreadyResponded is returned when a request is answered twice.
	ErrAlreadyResponded = errors.New("deferred: request already answered")

	// ErrUnknownRequest is returned when waiting on an id that is not in flight.
	ErrUnknownRequest = errors.New("deferred: unknown request id")
)
