package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrConnectionClosed  = errors.New("connection closed")
	ErrOracleUnavailable = errors.New("membership oracle unavailable")
)
