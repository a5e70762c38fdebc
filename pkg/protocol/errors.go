package protocol

import "errors"

// Protocol errors.
var (
	// ErrUnauthorised is returned when a handler requires a bound user or
	// membership the session lacks, or when login credentials fail.
	ErrUnauthorised = errors.New("protocol: unauthorised")

	// ErrUnknownType is returned for inner payload types without a handler.
	ErrUnknownType = errors.New("protocol: unknown payload type")
)
