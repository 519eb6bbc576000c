package domain

import "errors"

// Sentinel errors for malformed persisted session state. Callers should reject
// the input and start a fresh session rather than fail the request.
var (
	// ErrTypeKind indicates a field was assigned a value of the wrong type.
	ErrTypeKind = errors.New("session state: wrong type")

	// ErrParseKind indicates serialized session state could not be decoded.
	ErrParseKind = errors.New("session state: malformed input")
)
