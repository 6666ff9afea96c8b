package protocol

import "errors"

var (
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	ErrMissingType     = errors.New("protocol: missing message type")
)
