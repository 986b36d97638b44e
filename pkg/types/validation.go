package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxPayloadSize bounds a single inbound frame
const MaxPayloadSize = 65536

// DecodeWireMessage parses an inbound text frame
// FUNCTIONAL DISCOVERY: Unknown fields are ignored and missing fields decode to zero
// values; re-encoding through EncodeWireMessage drops anything that is not part of
// the wire format, which is how malformed-but-parseable input gets normalized
func DecodeWireMessage(data []byte) (*WireMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &msg, nil
}

// EncodeWireMessage produces the canonical compact JSON form
func EncodeWireMessage(msg *WireMessage) ([]byte, error) {
	if msg == nil {
		return nil, ErrInvalidPayload
	}
	return json.Marshal(msg)
}

// Validate checks the identifiers used by the membership layer
func (m *Member) Validate() error {
	if m.UserID <= 0 {
		return ErrInvalidUserID
	}
	if m.ChannelID <= 0 {
		return ErrInvalidChannelID
	}
	return nil
}

// Validate ensures the channel can be persisted
func (c *Channel) Validate() error {
	if c.ID <= 0 {
		return ErrInvalidChannelID
	}
	return nil
}

// Validate ensures the user can be persisted
func (u *User) Validate() error {
	if u.ID <= 0 {
		return ErrInvalidUserID
	}
	return nil
}
