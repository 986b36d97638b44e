package session

import "errors"

// Registry-related errors
var (
	ErrNilSession      = errors.New("session cannot be nil")
	ErrUnboundSession  = errors.New("session must be bound to a user and channel before registration")
	ErrChannelMismatch = errors.New("session is bound to a different channel")
)
