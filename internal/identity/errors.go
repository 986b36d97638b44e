package identity

import "errors"

var (
	ErrMissingTarget    = errors.New("connection target is absent")
	ErrMissingChannelID = errors.New("connection target has no channel segment")
	ErrInvalidChannelID = errors.New("channel ID is not an integer")
	ErrMissingUserID    = errors.New("connection target has no userId parameter")
	ErrInvalidUserID    = errors.New("userId is not an integer")
)
