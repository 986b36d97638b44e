package testutil

import (
	"context"
	"sync"
)

type membershipKey struct {
	userID    int
	channelID int
}

// Oracle is a mutable in-memory membership oracle
type Oracle struct {
	mu      sync.RWMutex
	members map[membershipKey]bool
	err     error
	calls   int
}

// NewOracle returns an oracle that knows no memberships
func NewOracle() *Oracle {
	return &Oracle{members: make(map[membershipKey]bool)}
}

// Grant makes userID a member of channelID
func (o *Oracle) Grant(userID, channelID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.members[membershipKey{userID, channelID}] = true
}

// Revoke removes userID from channelID
func (o *Oracle) Revoke(userID, channelID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.members, membershipKey{userID, channelID})
}

// FailWith makes every later query return err; nil restores normal answers
func (o *Oracle) FailWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// Calls returns how many queries were answered
func (o *Oracle) Calls() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.calls
}

func (o *Oracle) IsUserInChannel(ctx context.Context, userID, channelID int) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return false, o.err
	}
	return o.members[membershipKey{userID, channelID}], nil
}
