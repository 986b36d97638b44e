// Package testutil provides in-memory doubles shared by the relay's tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"roomrelay/pkg/interfaces"
)

// ErrSendFailed is returned by a Connection configured with FailSends
var ErrSendFailed = errors.New("simulated send failure")

// Connection is an in-memory interfaces.Connection that records traffic
type Connection struct {
	id     string
	target *url.URL

	mu          sync.Mutex
	open        bool
	sent        [][]byte
	closeCode   int
	closeReason string
	closeCalls  int
	failSends   bool
	block       chan struct{}
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection returns an open connection addressed to rawTarget.
// An empty rawTarget yields a connection without a target.
func NewConnection(rawTarget string) *Connection {
	c := &Connection{id: uuid.NewString(), open: true}
	if rawTarget != "" {
		target, err := url.Parse(rawTarget)
		if err != nil {
			panic(fmt.Sprintf("testutil: bad target %q: %v", rawTarget, err))
		}
		c.target = target
	}
	return c
}

// MemberTarget is the relay path userID dials to join channelID
func MemberTarget(channelID, userID int) string {
	return fmt.Sprintf("/message/%d?userId=%d", channelID, userID)
}

// NewMemberConnection returns a connection for userID on channelID mounted at /message/
func NewMemberConnection(channelID, userID int) *Connection {
	return NewConnection(MemberTarget(channelID, userID))
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) Target() *url.URL { return c.target }

// Send records payload, or fails when the connection is closed or FailSends is set.
// A connection built with BlockSends waits until ctx is done.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return interfaces.ErrConnectionClosed
	}
	if c.failSends {
		return ErrSendFailed
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

// Close marks the connection closed; only the first code is kept
func (c *Connection) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if !c.open {
		return nil
	}
	c.open = false
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Drop simulates the peer going away without a close handshake
func (c *Connection) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
}

// FailSends makes every later Send return ErrSendFailed
func (c *Connection) FailSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSends = true
}

// BlockSends makes Send hang until the returned release function is called
func (c *Connection) BlockSends() (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.block = ch
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Sent returns a copy of every payload delivered so far
func (c *Connection) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, p := range c.sent {
		out[i] = string(p)
	}
	return out
}

// CloseCode returns the status the connection was closed with, 0 if still open
// or dropped without a handshake
func (c *Connection) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// CloseCalls counts calls to Close, including no-op repeats
func (c *Connection) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
