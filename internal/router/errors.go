package router

import "errors"

// Router-specific error types
var (
	ErrEmptyPayload = errors.New("broadcast payload is empty")
	ErrNilOracle    = errors.New("membership oracle cannot be nil")
)
