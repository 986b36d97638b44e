package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrEmptyPayload     = errors.New("message payload is empty")
	ErrInvalidPayload   = errors.New("message payload is not a valid wire message")
	ErrPayloadTooLarge  = errors.New("message payload exceeds 64KB limit")
	ErrInvalidChannelID = errors.New("channel ID must be a positive integer")
	ErrInvalidUserID    = errors.New("user ID must be a positive integer")
)
