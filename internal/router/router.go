package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"roomrelay/internal/session"
	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

// Default delivery settings
const (
	DefaultOracleTimeout     = 2 * time.Second
	DefaultSendTimeout       = 5 * time.Second
	DefaultFanoutConcurrency = 64
)

// Options tunes a Router
type Options struct {
	OracleTimeout     time.Duration // bound on one membership query
	SendTimeout       time.Duration // bound on one delivery
	FanoutConcurrency int           // recipients served in parallel; <= 0 means unbounded
}

// Router is the broadcast engine: it fans a payload out to the valid members
// of a channel and evicts every session that fails validation or delivery
// ARCHITECTURAL DISCOVERY: Pure delivery logic without connection lifecycle handling;
// membership is asked fresh on every broadcast, so revocation is enforced at the
// next message (eventual enforcement) rather than instantly
type Router struct {
	registry *session.Registry
	oracle   interfaces.MembershipOracle
	opts     Options
	log      *slog.Logger
}

// Result describes the outcome of one broadcast
type Result struct {
	Recipients int // sessions found in the roster snapshot
	Delivered  int
	Evicted    int
}

// outcome is the per-recipient verdict of a broadcast
type outcome int

const (
	delivered outcome = iota
	evictedClosed
	evictedIdentity
	evictedNonMember
	evictedOracleFailure
	evictedSendFailure
)

func (o outcome) String() string {
	switch o {
	case delivered:
		return "delivered"
	case evictedClosed:
		return "connection_closed"
	case evictedIdentity:
		return "identity_mismatch"
	case evictedNonMember:
		return "not_a_member"
	case evictedOracleFailure:
		return "oracle_failure"
	case evictedSendFailure:
		return "send_failure"
	default:
		return "unknown"
	}
}

// NewRouter creates a new broadcast engine
// FUNCTIONAL DISCOVERY: Dependency injection enables testing with mock oracles
func NewRouter(registry *session.Registry, oracle interfaces.MembershipOracle, opts Options, log *slog.Logger) (*Router, error) {
	if oracle == nil {
		return nil, ErrNilOracle
	}
	if opts.OracleTimeout <= 0 {
		opts.OracleTimeout = DefaultOracleTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Router{
		registry: registry,
		oracle:   oracle,
		opts:     opts,
		log:      log.With("component", "router"),
	}, nil
}

// Broadcast delivers payload verbatim to every valid session of channelID
// FUNCTIONAL DISCOVERY: A missing roster is zero recipients, not an error. Each
// recipient is checked in order (liveness, identity, membership) and failures stay
// local to that recipient; evictions are applied in one batch after the pass
func (r *Router) Broadcast(ctx context.Context, channelID int, payload []byte) (Result, error) {
	if len(payload) == 0 {
		return Result{}, ErrEmptyPayload
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	sessions := r.registry.Snapshot(channelID)
	result := Result{Recipients: len(sessions)}
	if len(sessions) == 0 {
		return result, nil
	}

	var (
		mu      sync.Mutex
		evicted []*session.Session
	)

	// TECHNICAL DISCOVERY: Plain errgroup.Group, not WithContext, because one failed
	// recipient must never cancel delivery to the others
	var g errgroup.Group
	if r.opts.FanoutConcurrency > 0 {
		g.SetLimit(r.opts.FanoutConcurrency)
	}
	for _, s := range sessions {
		g.Go(func() error {
			verdict := r.deliver(ctx, channelID, s, payload)

			mu.Lock()
			defer mu.Unlock()
			if verdict == delivered {
				result.Delivered++
				return nil
			}
			evicted = append(evicted, s)
			r.logEviction(channelID, s, verdict)
			return nil
		})
	}
	_ = g.Wait()

	r.registry.RemoveAll(channelID, evicted)
	result.Evicted = len(evicted)

	r.log.Debug("Broadcast complete",
		"channel_id", channelID,
		"recipients", result.Recipients,
		"delivered", result.Delivered,
		"evicted", result.Evicted)
	return result, nil
}

// deliver applies the recipient checks and sends when all of them pass
func (r *Router) deliver(ctx context.Context, channelID int, s *session.Session, payload []byte) outcome {
	// STEP 1: liveness
	if !s.Bound() {
		return evictedIdentity
	}
	conn := s.Conn()
	if !conn.IsOpen() {
		return evictedClosed
	}

	// STEP 2: identity consistency with the roster key
	if s.ChannelID() != channelID {
		return evictedIdentity
	}

	// STEP 3: membership, asked fresh
	// ARCHITECTURAL DISCOVERY: Fail closed; an unknown answer is treated as "not a
	// member" so messages never leak to users whose status cannot be confirmed
	queryCtx, cancel := context.WithTimeout(ctx, r.opts.OracleTimeout)
	member, err := r.oracle.IsUserInChannel(queryCtx, s.UserID(), channelID)
	cancel()
	if err != nil {
		r.log.Warn("Membership query failed, evicting session",
			"channel_id", channelID, "user_id", s.UserID(), "session_id", s.ID(), "error", err)
		r.closeQuietly(s, types.CloseServerError, "membership unavailable")
		return evictedOracleFailure
	}
	if !member {
		r.closeQuietly(s, types.CloseNormal, "no longer a member of this channel")
		return evictedNonMember
	}

	// STEP 4: delivery
	sendCtx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
	err = conn.Send(sendCtx, payload)
	cancel()
	if err != nil {
		r.log.Warn("Failed to deliver message",
			"channel_id", channelID, "user_id", s.UserID(), "session_id", s.ID(), "error", err)
		r.closeQuietly(s, types.CloseServerError, "delivery failed")
		return evictedSendFailure
	}
	return delivered
}

func (r *Router) closeQuietly(s *session.Session, code int, reason string) {
	if err := s.Conn().Close(code, reason); err != nil {
		r.log.Debug("Close after eviction failed", "session_id", s.ID(), "error", err)
	}
}

func (r *Router) logEviction(channelID int, s *session.Session, verdict outcome) {
	r.log.Info("Session evicted",
		"channel_id", channelID,
		"user_id", s.UserID(),
		"session_id", s.ID(),
		"reason", verdict.String())
}
