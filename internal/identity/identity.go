// Package identity extracts routing identity from a connection target.
//
// A target has the form /<mount>/{channelId}?userId=<int>. The channel is the
// final path segment and the user is the first userId query parameter; both
// must parse as integers.
package identity

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// UserIDParam is the query parameter carrying the user identity
const UserIDParam = "userId"

// Identity is the (user, channel) pair a connection is bound to
type Identity struct {
	UserID    int
	ChannelID int
}

// Parse extracts both identifiers from target
func Parse(target *url.URL) (Identity, error) {
	channelID, err := ChannelID(target)
	if err != nil {
		return Identity{}, err
	}
	userID, err := UserID(target)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: userID, ChannelID: channelID}, nil
}

// ChannelID parses the final path segment of target
// Trailing slashes are ignored, so /message/7/ addresses channel 7.
func ChannelID(target *url.URL) (int, error) {
	if target == nil {
		return 0, ErrMissingTarget
	}

	path := strings.TrimRight(target.Path, "/")
	segment := path[strings.LastIndex(path, "/")+1:]
	if segment == "" {
		return 0, ErrMissingChannelID
	}

	id, err := strconv.Atoi(segment)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannelID, segment)
	}
	return id, nil
}

// UserID parses the userId query parameter of target
func UserID(target *url.URL) (int, error) {
	if target == nil {
		return 0, ErrMissingTarget
	}

	query, err := url.ParseQuery(target.RawQuery)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}
	values, ok := query[UserIDParam]
	if !ok || len(values) == 0 || values[0] == "" {
		return 0, ErrMissingUserID
	}

	id, err := strconv.Atoi(values[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUserID, values[0])
	}
	return id, nil
}
