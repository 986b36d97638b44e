package types

import (
	"time"
)

// WebSocket close status codes used by the relay
// ARCHITECTURAL DISCOVERY: Codes are transport-neutral integers so the core never
// imports a concrete WebSocket library; values follow RFC 6455 section 7.4.1
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseUnsupportedData = 1003
	CloseBadData         = 1007
	CloseServerError     = 1011
)

// WireMessage is the only frame format clients and the relay exchange
// FUNCTIONAL DISCOVERY: Inbound frames are decoded into this record and re-encoded
// before fan-out, so recipients always receive the compact canonical form
type WireMessage struct {
	UserID  int    `json:"userID"`
	Message string `json:"message"`
}

// Channel is a discussion room as stored by the membership layer
type Channel struct {
	ID            int        `json:"channel_id" db:"channel_id"`
	Title         string     `json:"title" db:"title"`
	Description   string     `json:"description" db:"description"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	EndOfValidity *time.Time `json:"end_of_validity,omitempty" db:"end_of_validity"`
}

// User is the subset of account data the membership layer keeps
type User struct {
	ID        int    `json:"user_id" db:"user_id"`
	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`
	Mail      string `json:"mail" db:"mail"`
}

// Member links a user to a channel
// FUNCTIONAL DISCOVERY: A (user, channel) pair exists at most once; the creator flag
// marks the channel owner but grants nothing extra to the relay
type Member struct {
	ID        int       `json:"membership_id" db:"membership_id"`
	UserID    int       `json:"user_id" db:"user_id"`
	ChannelID int       `json:"channel_id" db:"channel_id"`
	Creator   bool      `json:"creator" db:"creator"`
	JoinDate  time.Time `json:"join_date" db:"join_date"`
}
