//go:generate go run go.uber.org/mock/mockgen -source=membership.go -destination=../../mocks/mock_membership.go -package=mocks

package interfaces

import "context"

// MembershipOracle answers whether a user currently belongs to a channel
// ARCHITECTURAL DISCOVERY: The relay never caches answers; channel deletion and
// member removal performed elsewhere become visible at the next query
type MembershipOracle interface {
	// IsUserInChannel returns false, nil for any pair without a membership record.
	// A non-nil error means the answer is unknown and callers must fail closed.
	IsUserInChannel(ctx context.Context, userID, channelID int) (bool, error)
}
