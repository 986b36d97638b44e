package session

import (
	"github.com/google/uuid"

	"roomrelay/pkg/interfaces"
)

// Session is one live connection bound to exactly one (user, channel) pair
// FUNCTIONAL DISCOVERY: Identity is bound once in New and never mutated, so a
// session can only ever belong to the roster of its own channel
type Session struct {
	id        string
	conn      interfaces.Connection
	userID    int
	channelID int
	bound     bool
}

// New binds conn to userID and channelID
func New(conn interfaces.Connection, userID, channelID int) *Session {
	return &Session{
		id:        uuid.NewString(),
		conn:      conn,
		userID:    userID,
		channelID: channelID,
		bound:     conn != nil,
	}
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Conn() interfaces.Connection { return s.conn }
func (s *Session) UserID() int                 { return s.userID }
func (s *Session) ChannelID() int              { return s.channelID }

// Bound reports whether the session carries a connection and an identity
// ARCHITECTURAL DISCOVERY: A zero Session is unbound; the broadcast engine evicts
// unbound entries instead of trusting them
func (s *Session) Bound() bool {
	return s != nil && s.bound && s.conn != nil
}
