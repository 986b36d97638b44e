package session

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Registry tracks, per channel, the sessions currently connected to it
// ARCHITECTURAL DISCOVERY: Two-level locking keeps rooms isolated. The registry
// RWMutex only guards the channel -> roster map; each roster has its own mutex,
// so traffic in one channel never waits on another. No I/O happens under either lock.
type Registry struct {
	mu      sync.RWMutex
	rosters map[int]*roster
}

// roster is the ordered set of sessions of one channel
type roster struct {
	mu       sync.Mutex
	sessions []*Session
	retired  bool // removed from the registry map; writers must fetch a fresh roster
}

// Stats summarizes registry state for monitoring
type Stats struct {
	ActiveChannels int `json:"active_channels"`
	TotalSessions  int `json:"total_sessions"`
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		rosters: make(map[int]*roster),
	}
}

// Add registers s under channelID, creating the roster if absent
// FUNCTIONAL DISCOVERY: Adding a session that is already present is a no-op, so
// the roster never holds duplicates
func (r *Registry) Add(channelID int, s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	if !s.Bound() {
		return ErrUnboundSession
	}
	if s.ChannelID() != channelID {
		return ErrChannelMismatch
	}

	for {
		ro := r.rosterFor(channelID, true)
		ro.mu.Lock()
		if ro.retired {
			// Lost a race with reclaim; the next lookup creates a fresh roster.
			ro.mu.Unlock()
			continue
		}
		if !lo.Contains(ro.sessions, s) {
			ro.sessions = append(ro.sessions, s)
		}
		ro.mu.Unlock()
		return nil
	}
}

// Remove deregisters this exact session instance from channelID
// FUNCTIONAL DISCOVERY: Idempotent operation safe for concurrent removal; removing
// an absent session, or from an absent channel, changes nothing
func (r *Registry) Remove(channelID int, s *Session) {
	if s == nil {
		return
	}
	r.RemoveAll(channelID, []*Session{s})
}

// RemoveAll evicts a batch of sessions from channelID in one critical section
func (r *Registry) RemoveAll(channelID int, sessions []*Session) {
	if len(sessions) == 0 {
		return
	}

	ro := r.rosterFor(channelID, false)
	if ro == nil {
		return
	}

	ro.mu.Lock()
	ro.sessions = lo.Without(ro.sessions, sessions...)
	empty := len(ro.sessions) == 0
	ro.mu.Unlock()

	if empty {
		r.reclaim(channelID, ro)
	}
}

// Snapshot returns a copy of the roster for channelID
// TECHNICAL DISCOVERY: Copy-on-read lets broadcasts iterate and perform I/O while
// other goroutines add and remove sessions concurrently
func (r *Registry) Snapshot(channelID int) []*Session {
	ro := r.rosterFor(channelID, false)
	if ro == nil {
		return nil
	}

	ro.mu.Lock()
	defer ro.mu.Unlock()
	return slices.Clone(ro.sessions)
}

// Contains reports whether s is currently registered under channelID
func (r *Registry) Contains(channelID int, s *Session) bool {
	ro := r.rosterFor(channelID, false)
	if ro == nil {
		return false
	}

	ro.mu.Lock()
	defer ro.mu.Unlock()
	return lo.Contains(ro.sessions, s)
}

// Count returns the number of sessions registered under channelID
func (r *Registry) Count(channelID int) int {
	ro := r.rosterFor(channelID, false)
	if ro == nil {
		return 0
	}

	ro.mu.Lock()
	defer ro.mu.Unlock()
	return len(ro.sessions)
}

// Stats returns registry statistics for monitoring and debugging
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	rosters := lo.Values(r.rosters)
	r.mu.RUnlock()

	stats := Stats{}
	for _, ro := range rosters {
		ro.mu.Lock()
		if n := len(ro.sessions); n > 0 {
			stats.ActiveChannels++
			stats.TotalSessions += n
		}
		ro.mu.Unlock()
	}
	return stats
}

// Drain empties the registry and returns every session it held
// ARCHITECTURAL DISCOVERY: Used at service teardown; the caller closes the
// returned sessions outside any registry lock
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var drained []*Session
	for channelID, ro := range r.rosters {
		ro.mu.Lock()
		drained = append(drained, ro.sessions...)
		ro.sessions = nil
		ro.retired = true
		ro.mu.Unlock()
		delete(r.rosters, channelID)
	}
	return drained
}

// rosterFor looks up the roster of channelID, creating it when create is set
func (r *Registry) rosterFor(channelID int, create bool) *roster {
	r.mu.RLock()
	ro := r.rosters[channelID]
	r.mu.RUnlock()
	if ro != nil || !create {
		return ro
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ro = r.rosters[channelID]; ro == nil {
		ro = &roster{}
		r.rosters[channelID] = ro
	}
	return ro
}

// reclaim drops an empty roster from the map
// TECHNICAL DISCOVERY: Clean up empty rosters to prevent memory leaks; the roster
// is re-checked under both locks because an Add may have landed in between
func (r *Registry) reclaim(channelID int, ro *roster) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rosters[channelID] != ro {
		return
	}

	ro.mu.Lock()
	defer ro.mu.Unlock()
	if len(ro.sessions) > 0 {
		return
	}
	ro.retired = true
	delete(r.rosters, channelID)
}
