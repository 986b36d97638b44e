package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"roomrelay/internal/identity"
	"roomrelay/internal/router"
	"roomrelay/internal/session"
	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

// Hub is the connection lifecycle manager: it binds connections to sessions on
// open, turns inbound frames into broadcasts and deregisters sessions on close
// ARCHITECTURAL DISCOVERY: Central coordination point for all message flow that
// maintains clean separation between transport handling and message delivery;
// the hub is the only writer of registrations, the router only evicts
type Hub struct {
	registry *session.Registry
	router   *router.Router
	limiter  *router.RateLimiter
	log      *slog.Logger

	// TECHNICAL DISCOVERY: RWMutex lets opens run concurrently while Shutdown
	// waits for in-flight registrations before draining the registry
	mu      sync.RWMutex
	running bool
}

// NewHub creates a new hub; limiter may be nil to disable rate limiting
func NewHub(registry *session.Registry, r *router.Router, limiter *router.RateLimiter, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		registry: registry,
		router:   r,
		limiter:  limiter,
		log:      log.With("component", "hub"),
	}
}

// Start begins accepting connections
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.log.Info("Hub started")
	return nil
}

// Running reports whether the hub accepts connections
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Open binds conn to the (user, channel) named by its target and registers it
// FUNCTIONAL DISCOVERY: Identity extraction happens before any registry mutation;
// a bad target closes the connection with a bad-data status and leaves no state
func (h *Hub) Open(conn interfaces.Connection) (*session.Session, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	id, err := identity.Parse(conn.Target())
	if err != nil {
		h.log.Info("Rejecting connection with invalid target",
			"target", targetString(conn), "error", err)
		h.closeQuietly(conn, types.CloseBadData, "bad data")
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		h.closeQuietly(conn, types.CloseGoingAway, "server shutting down")
		return nil, ErrHubNotRunning
	}

	s := session.New(conn, id.UserID, id.ChannelID)
	if err := h.registry.Add(id.ChannelID, s); err != nil {
		h.closeQuietly(conn, types.CloseServerError, "registration failed")
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	h.log.Info("Session opened",
		"channel_id", id.ChannelID, "user_id", id.UserID, "session_id", s.ID())
	return s, nil
}

// Receive relays one inbound text frame from s to its channel
// FUNCTIONAL DISCOVERY: The channel is re-derived from the connection target rather
// than read from the payload; an underivable channel drops the frame silently,
// while an undecodable payload is returned so the transport can close the socket
func (h *Hub) Receive(ctx context.Context, s *session.Session, payload []byte) error {
	if s == nil || s.Conn() == nil {
		return ErrNilSession
	}

	channelID, err := identity.ChannelID(s.Conn().Target())
	if err != nil {
		h.log.Debug("Dropping message without routable channel", "session_id", s.ID(), "error", err)
		return nil
	}

	msg, err := types.DecodeWireMessage(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	if !h.limiter.Allow(s.ID()) {
		h.log.Warn("Rate limit exceeded, dropping message",
			"channel_id", channelID, "user_id", s.UserID(), "session_id", s.ID())
		return nil
	}

	// ARCHITECTURAL DISCOVERY: Re-encode instead of forwarding raw bytes so every
	// recipient receives the canonical wire form
	out, err := types.EncodeWireMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	if _, err := h.router.Broadcast(ctx, channelID, out); err != nil {
		return fmt.Errorf("broadcast to channel %d failed: %w", channelID, err)
	}
	return nil
}

// Close deregisters s; calling it more than once is harmless
// TECHNICAL DISCOVERY: Synchronous removal, so no broadcast that starts after Close
// returns can reference the session
func (h *Hub) Close(s *session.Session) {
	if s == nil || s.Conn() == nil {
		return
	}

	h.limiter.Forget(s.ID())

	channelID, err := identity.ChannelID(s.Conn().Target())
	if err != nil {
		return
	}
	h.registry.Remove(channelID, s)
	h.log.Info("Session closed",
		"channel_id", channelID, "user_id", s.UserID(), "session_id", s.ID())
}

// Shutdown stops accepting connections and closes every registered session
// ARCHITECTURAL DISCOVERY: Explicit teardown boundary for the registry owned by
// this hub; sessions are closed outside registry locks
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	sessions := h.registry.Drain()
	h.mu.Unlock()

	h.log.Info("Stopping hub", "sessions", len(sessions))
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("hub shutdown interrupted: %w", err)
		}
		h.limiter.Forget(s.ID())
		h.closeQuietly(s.Conn(), types.CloseGoingAway, "server shutting down")
	}
	return nil
}

func (h *Hub) closeQuietly(conn interfaces.Connection, code int, reason string) {
	if err := conn.Close(code, reason); err != nil {
		h.log.Debug("Failed to close connection", "connection_id", conn.ID(), "error", err)
	}
}

func targetString(conn interfaces.Connection) string {
	if target := conn.Target(); target != nil {
		return target.String()
	}
	return ""
}
