package protocol

import "errors"

// Protocol errors reported by components or detected while decoding a reply.
var (
	// ErrBadResponse is returned when a component answers with a response of
	// the wrong kind for the request it was given.
	ErrBadResponse = errors.New("protocol: unexpected response")

	// ErrInvalidCommand is returned when a command fails validation.
	ErrInvalidCommand = errors.New("protocol: invalid command")

	// ErrInvalidBlock is returned when a content block is out of sequence or malformed.
	ErrInvalidBlock = errors.New("protocol: invalid content block")

	// ErrTransport is returned when the link to a component fails.
	ErrTransport = errors.New("protocol: transport failure")
)
