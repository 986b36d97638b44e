package hub

import "errors"

// Hub-specific error types
var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrNilConnection     = errors.New("connection cannot be nil")
	ErrNilSession        = errors.New("session cannot be nil")
	ErrInvalidTarget     = errors.New("connection target does not identify a channel and user")
	ErrMalformedPayload  = errors.New("malformed message payload")
)
