package interfaces

import (
	"context"
	"net/url"
)

// Connection is the transport capability the relay core depends on
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// so the same registry and broadcast engine run over any bidirectional stream
type Connection interface {
	// ID returns a stable identifier for logging and statistics
	ID() string

	// Target returns the URL the client addressed when it connected
	// FUNCTIONAL DISCOVERY: Routing identity (channel and user) is derived from
	// the target, never from message bodies; nil means the target is unknown
	Target() *url.URL

	// Send delivers one text payload to the client (thread-safe)
	// TECHNICAL DISCOVERY: Implementations must honor ctx so a slow client
	// turns into a delivery failure instead of stalling the caller
	Send(ctx context.Context, payload []byte) error

	// Close terminates the connection with a close status code and reason
	// FUNCTIONAL DISCOVERY: Idempotent; later calls are no-ops
	Close(code int, reason string) error

	// IsOpen reports whether the connection can still carry messages
	IsOpen() bool
}
