package fhem

import "errors"

// Domain errors for the FHEM bridge package.
var (
	// ErrConnectionFailed is returned when an HTTP request to FHEMWEB fails.
	ErrConnectionFailed = errors.New("fhem: connection to FHEMWEB failed")

	// ErrUnexpectedStatus is returned when FHEMWEB answers with a non-200 status.
	ErrUnexpectedStatus = errors.New("fhem: unexpected HTTP status")

	// ErrStreamEnded is returned when the server closes the longpoll stream.
	ErrStreamEnded = errors.New("fhem: longpoll stream ended")

	// ErrAlreadyStarted is returned when Start is called on a running reader.
	ErrAlreadyStarted = errors.New("fhem: stream reader already started")

	// ErrInvalidConfig is returned when a connection configuration is unusable.
	ErrInvalidConfig = errors.New("fhem: invalid configuration")

	// ErrInvalidResponse is returned when a jsonlist2 answer cannot be decoded.
	ErrInvalidResponse = errors.New("fhem: invalid response")

	// ErrNoMapping is returned when a device has no mapping for a characteristic.
	ErrNoMapping = errors.New("fhem: no mapping for characteristic")

	// ErrNoReading is returned when a query has neither reading nor default.
	ErrNoReading = errors.New("fhem: mapping has no reading to query")

	// ErrNoValue is returned when a queried reading yields no normalized value.
	ErrNoValue = errors.New("fhem: reading yielded no value")
)
