package cfu

import "errors"

// Update-flow errors.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, cfu.ErrComponentBusy) {
//	    // retry the offer later
//	}
var (
	// ErrInvalidComponent is returned when no device is registered under an ID.
	ErrInvalidComponent = errors.New("cfu: invalid component")

	// ErrComponentBusy is returned when a component reports it cannot take an offer now.
	ErrComponentBusy = errors.New("cfu: component busy")

	// ErrBadImage is returned when a component rejects image content.
	ErrBadImage = errors.New("cfu: bad image")

	// ErrProtocol wraps protocol-level failures such as an unexpected response kind.
	ErrProtocol = errors.New("cfu: protocol error")

	// ErrTimeout is returned when a wait for a response exceeds its deadline.
	ErrTimeout = errors.New("cfu: timeout")

	// ErrAlreadyRegistered is returned when a device ID is registered twice.
	ErrAlreadyRegistered = errors.New("cfu: component already registered")

	// ErrAlreadyInitialized is returned when a second client token is requested.
	ErrAlreadyInitialized = errors.New("cfu: client already initialized")

	// ErrStateMismatch is returned when a transition is attempted from a state
	// the device is no longer in.
	ErrStateMismatch = errors.New("cfu: component state mismatch")
)
