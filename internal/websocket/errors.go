package websocket

import (
	"errors"

	"roomrelay/pkg/interfaces"
)

// Connection-related errors
var (
	ErrConnectionClosed = interfaces.ErrConnectionClosed
	ErrWriteTimeout     = errors.New("write queue full until deadline")
	ErrNilConnection    = errors.New("websocket connection cannot be nil")
)
