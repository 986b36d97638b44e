package membership

import "errors"

// Store errors
var (
	ErrStoreClosed      = errors.New("membership store is closed")
	ErrWriteTimeout     = errors.New("membership write timed out")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrMemberNotFound   = errors.New("membership not found")
	ErrDuplicateMember  = errors.New("user is already a member of this channel")
	ErrUnknownReference = errors.New("user or channel does not exist")
)
