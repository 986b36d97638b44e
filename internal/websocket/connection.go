package websocket

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roomrelay/pkg/interfaces"
)

// Default connection settings
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultBufferSize   = 100
)

// Connection implements the interfaces.Connection interface over gorilla/websocket
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions;
// a single writer goroutine drains a buffered queue so Send never touches the socket
type Connection struct {
	id           string
	conn         *websocket.Conn
	target       *url.URL
	writeCh      chan []byte   // FUNCTIONAL DISCOVERY: buffer absorbs bursts so one broadcast never waits on the network
	writeTimeout time.Duration // deadline for one frame on the wire
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	writerDone   chan struct{}
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps conn; target is the URL the client dialed
func NewConnection(conn *websocket.Conn, target *url.URL, writeTimeout time.Duration, bufferSize int) (*Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		target:       target,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		writerDone:   make(chan struct{}),
	}

	// Start the single writer goroutine
	go c.writeLoop()

	return c, nil
}

// writeLoop is the only goroutine writing data frames
// TECHNICAL DISCOVERY: The queue is never closed; Send selects on ctx.Done instead,
// which avoids send-on-closed-channel panics during concurrent shutdown
func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.abort()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// FUNCTIONAL DISCOVERY: A failed write marks the connection closed; the
				// next broadcast sees it as not open and evicts the session
				c.abort()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) Target() *url.URL { return c.target }

// Send queues payload for delivery, waiting at most until ctx is done
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- payload:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrWriteTimeout, ctx.Err())
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// IsOpen reports whether Close has not been called and no write has failed
func (c *Connection) IsOpen() bool {
	return c.ctx.Err() == nil
}

// Close sends a close frame with code and reason, then releases the socket
// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination;
// closeOnce makes repeated closes from the router, the hub and the read loop safe
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		// WriteControl may run concurrently with the writer goroutine
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))

		err = c.conn.Close()
	})
	return err
}

// abort tears the connection down without a close handshake
func (c *Connection) abort() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}
