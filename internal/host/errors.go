package host

import "errors"

var (
	// ErrUpToDate is returned when the component already runs the offered version or newer.
	ErrUpToDate = errors.New("host: component already up to date")

	// ErrOfferRejected is returned when the component rejects or skips the offer.
	ErrOfferRejected = errors.New("host: offer rejected")

	// ErrEmptyImage is returned when an image has no content.
	ErrEmptyImage = errors.New("host: empty image")
)
