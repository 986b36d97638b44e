package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"roomrelay/internal/hub"
	"roomrelay/pkg/types"
)

// Default heartbeat settings
const (
	DefaultPingInterval     = 30 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Options configures the relay handler
type Options struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration // must exceed PingInterval
	WriteTimeout   time.Duration
	BufferSize     int
	MaxMessageSize int64    // inbound frame limit; <= 0 uses types.MaxPayloadSize
	AllowedOrigins []string // empty or "*" allows every origin
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = types.MaxPayloadSize
	}
	return o
}

// Handler upgrades relay requests and pumps frames between the socket and the hub
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic;
// the handler owns framing and heartbeats, the hub owns sessions and delivery
type Handler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	opts     Options
	log      *slog.Logger
}

// NewHandler creates a relay handler bound to h
func NewHandler(h *hub.Hub, opts Options, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	opts = opts.withDefaults()
	return &Handler{
		hub: h,
		upgrader: websocket.Upgrader{
			CheckOrigin:      originChecker(opts.AllowedOrigins),
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		opts: opts,
		log:  log.With("component", "websocket"),
	}
}

// originChecker allows every origin unless a concrete allow-list is configured
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// ServeHTTP handles one relay connection for its whole lifetime
// FUNCTIONAL DISCOVERY: Identity is not checked before the upgrade; the hub closes a
// connection with an unusable target using a bad-data status, so clients always
// see a WebSocket close code rather than an HTTP error
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	target := *r.URL
	conn, err := NewConnection(ws, &target, h.opts.WriteTimeout, h.opts.BufferSize)
	if err != nil {
		h.log.Error("Failed to wrap connection", "error", err)
		_ = ws.Close()
		return
	}

	s, err := h.hub.Open(conn)
	if err != nil {
		// Open already closed the connection with the matching status
		h.log.Debug("Connection rejected", "connection_id", conn.ID(), "error", err)
		return
	}

	defer func() {
		h.hub.Close(s)
		_ = conn.Close(types.CloseNormal, "")
	}()

	// TECHNICAL DISCOVERY: A sender closing mid-broadcast must not cancel delivery
	// to the other recipients, so inbound frames run on an uncancellable context
	ctx := context.WithoutCancel(r.Context())
	h.readPump(conn, func(payload []byte) error {
		return h.hub.Receive(ctx, s, payload)
	})
}

// readPump reads frames until the peer goes away, a heartbeat is missed or a frame
// forces a close
// ARCHITECTURAL DISCOVERY: Frames from one connection are handled strictly in order,
// which is what gives per-sender ordering across the channel
func (h *Handler) readPump(conn *Connection, receive func([]byte) error) {
	ws := conn.conn
	ws.SetReadLimit(h.opts.MaxMessageSize)

	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		h.log.Debug("Failed to set read deadline", "connection_id", conn.ID(), "error", err)
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.log.Info("WebSocket read ended", "connection_id", conn.ID(), "error", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			err := receive(data)
			if errors.Is(err, hub.ErrMalformedPayload) {
				h.log.Info("Closing connection after malformed payload", "connection_id", conn.ID(), "error", err)
				_ = conn.Close(types.CloseBadData, "malformed payload")
				return
			}
			if err != nil {
				h.log.Warn("Failed to relay message", "connection_id", conn.ID(), "error", err)
			}

		case websocket.BinaryMessage:
			_ = conn.Close(types.CloseUnsupportedData, "binary frames are not supported")
			return
		}
	}
}

// pingLoop sends heartbeats until the connection closes
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.abort()
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}
