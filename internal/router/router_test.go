package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"roomrelay/internal/session"
	"roomrelay/internal/testutil"
	"roomrelay/mocks"
	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

const hiPayload = `{"userID":1,"message":"hi"}`

func newTestRouter(t *testing.T, oracle interfaces.MembershipOracle, opts Options) (*Router, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry()
	r, err := NewRouter(registry, oracle, opts, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return r, registry
}

func join(t *testing.T, registry *session.Registry, channelID, userID int) (*session.Session, *testutil.Connection) {
	t.Helper()
	conn := testutil.NewMemberConnection(channelID, userID)
	s := session.New(conn, userID, channelID)
	require.NoError(t, registry.Add(channelID, s))
	return s, conn
}

func TestNewRouter_RequiresOracle(t *testing.T) {
	_, err := NewRouter(session.NewRegistry(), nil, Options{}, nil)
	assert.ErrorIs(t, err, ErrNilOracle)
}

func TestNewRouter_AppliesDefaults(t *testing.T) {
	r, _ := newTestRouter(t, testutil.NewOracle(), Options{})
	assert.Equal(t, DefaultOracleTimeout, r.opts.OracleTimeout)
	assert.Equal(t, DefaultSendTimeout, r.opts.SendTimeout)
}

func TestBroadcast_EmptyChannelIsNoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockMembershipOracle(ctrl) // no expectations: any query fails the test
	r, _ := newTestRouter(t, oracle, Options{})

	result, err := r.Broadcast(context.Background(), 7, []byte(hiPayload))

	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}

func TestBroadcast_RejectsEmptyPayloadAndCancelledContext(t *testing.T) {
	r, registry := newTestRouter(t, testutil.NewOracle(), Options{})
	_, conn := join(t, registry, 7, 1)

	_, err := r.Broadcast(context.Background(), 7, nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Broadcast(ctx, 7, []byte(hiPayload))
	assert.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, conn.Sent())
	assert.Equal(t, 1, registry.Count(7))
}

// Channel 7 has users {1,2,3}; user 2 leaves the channel before the next message.
func TestBroadcast_RevokedMemberIsClosedAndEvicted(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockMembershipOracle(ctrl)
	oracle.EXPECT().IsUserInChannel(gomock.Any(), 1, 7).Return(true, nil)
	oracle.EXPECT().IsUserInChannel(gomock.Any(), 2, 7).Return(false, nil)
	oracle.EXPECT().IsUserInChannel(gomock.Any(), 3, 7).Return(true, nil)

	r, registry := newTestRouter(t, oracle, Options{})
	s1, c1 := join(t, registry, 7, 1)
	_, c2 := join(t, registry, 7, 2)
	s3, c3 := join(t, registry, 7, 3)

	result, err := r.Broadcast(context.Background(), 7, []byte(hiPayload))
	require.NoError(t, err)

	assert.Equal(t, Result{Recipients: 3, Delivered: 2, Evicted: 1}, result)
	assert.Equal(t, []string{hiPayload}, c1.Sent())
	assert.Equal(t, []string{hiPayload}, c3.Sent())
	assert.Empty(t, c2.Sent())
	assert.Equal(t, types.CloseNormal, c2.CloseCode())
	assert.ElementsMatch(t, []*session.Session{s1, s3}, registry.Snapshot(7))
}

func TestBroadcast_DeliversToExactlyTheMembers(t *testing.T) {
	oracle := testutil.NewOracle()
	r, registry := newTestRouter(t, oracle, Options{FanoutConcurrency: 3})

	const n = 10
	conns := make(map[int]*testutil.Connection)
	for userID := 1; userID <= n; userID++ {
		_, conn := join(t, registry, 4, userID)
		conns[userID] = conn
		if userID%2 == 0 {
			oracle.Grant(userID, 4)
		}
	}
	// Membership of another channel does not count.
	oracle.Grant(1, 5)

	result, err := r.Broadcast(context.Background(), 4, []byte(hiPayload))
	require.NoError(t, err)

	assert.Equal(t, Result{Recipients: n, Delivered: n / 2, Evicted: n / 2}, result)
	for userID, conn := range conns {
		if userID%2 == 0 {
			assert.Equal(t, []string{hiPayload}, conn.Sent(), "user %d", userID)
			assert.True(t, conn.IsOpen())
		} else {
			assert.Empty(t, conn.Sent(), "user %d", userID)
			assert.Equal(t, types.CloseNormal, conn.CloseCode())
		}
	}
	assert.Equal(t, n/2, registry.Count(4))
}

func TestBroadcast_ClosedConnectionSkipsOracle(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockMembershipOracle(ctrl)
	oracle.EXPECT().IsUserInChannel(gomock.Any(), 1, 7).Return(true, nil).Times(1)

	r, registry := newTestRouter(t, oracle, Options{})
	s1, c1 := join(t, registry, 7, 1)
	_, c2 := join(t, registry, 7, 2)
	c2.Drop()

	result, err := r.Broadcast(context.Background(), 7, []byte(hiPayload))
	require.NoError(t, err)

	assert.Equal(t, Result{Recipients: 2, Delivered: 1, Evicted: 1}, result)
	assert.Equal(t, []string{hiPayload}, c1.Sent())
	assert.Equal(t, []*session.Session{s1}, registry.Snapshot(7))
}

func TestBroadcast_OracleFailureFailsClosed(t *testing.T) {
	oracle := testutil.NewOracle()
	oracle.Grant(1, 7)
	oracle.FailWith(errors.New("database is locked"))

	r, registry := newTestRouter(t, oracle, Options{})
	_, conn := join(t, registry, 7, 1)

	result, err := r.Broadcast(context.Background(), 7, []byte(hiPayload))
	require.NoError(t, err)

	assert.Equal(t, Result{Recipients: 1, Delivered: 0, Evicted: 1}, result)
	assert.Empty(t, conn.Sent())
	assert.Equal(t, types.CloseServerError, conn.CloseCode())
	assert.Equal(t, 0, registry.Count(7))
}

func TestBroadcast_OracleTimeoutFailsClosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockMembershipOracle(ctrl)
	oracle.EXPECT().IsUserInChannel(gomock.Any(), 1, 7).DoAndReturn(
		func(ctx context.Context, userID, channelID int) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		})
	oracle.EXPECT().IsUserInChannel(gomock.Any(), 2, 7).Return(true, nil)

	r, registry := newTestRouter(t, oracle, Options{OracleTimeout: 20 * time.Millisecond})
	_, slow := join(t, registry, 7, 1)
	_, fast := join(t, registry, 7, 2)

	result, err := r.Broadcast(context.Background(), 7, []byte(hiPayload))
	require.NoError(t, err)

	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, result.Evicted)
	assert.Empty(t, slow.Sent())
	assert.Equal(t, []string{hiPayload}, fast.Sent())
}

func TestBroadcast_SendFailureIsIsolated(t *testing.T) {
	oracle := testutil.NewOracle()
	r, registry := newTestRouter(t, oracle, Options{})

	var conns []*testutil.Connection
	for userID := 1; userID <= 3; userID++ {
		oracle.Grant(userID, 7)
		_, conn := join(t, registry, 7, userID)
		conns = append(conns, conn)
	}
	conns[0].FailSends()

	result, err := r.Broadcast(context.Background(), 7, []byte(hiPayload))
	require.NoError(t, err)

	assert.Equal(t, Result{Recipients: 3, Delivered: 2, Evicted: 1}, result)
	assert.Equal(t, types.CloseServerError, conns[0].CloseCode())
	assert.Equal(t, []string{hiPayload}, conns[1].Sent())
	assert.Equal(t, []string{hiPayload}, conns[2].Sent())
	assert.Equal(t, 2, registry.Count(7))
}

func TestBroadcast_SlowRecipientDoesNotStallOthers(t *testing.T) {
	oracle := testutil.NewOracle()
	r, registry := newTestRouter(t, oracle, Options{SendTimeout: 50 * time.Millisecond, FanoutConcurrency: 2})

	oracle.Grant(1, 7)
	_, slow := join(t, registry, 7, 1)
	release := slow.BlockSends()
	defer release()

	var others []*testutil.Connection
	for userID := 2; userID <= 6; userID++ {
		oracle.Grant(userID, 7)
		_, conn := join(t, registry, 7, userID)
		others = append(others, conn)
	}

	start := time.Now()
	result, err := r.Broadcast(context.Background(), 7, []byte(hiPayload))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 5, result.Delivered)
	assert.Equal(t, 1, result.Evicted)
	for _, conn := range others {
		assert.Equal(t, []string{hiPayload}, conn.Sent())
	}
	assert.Equal(t, 5, registry.Count(7))
}

func TestBroadcast_EvictedSessionNeverReceivesAgain(t *testing.T) {
	oracle := testutil.NewOracle()
	r, registry := newTestRouter(t, oracle, Options{})
	oracle.Grant(1, 7)
	_, member := join(t, registry, 7, 1)
	_, leaver := join(t, registry, 7, 2)

	_, err := r.Broadcast(context.Background(), 7, []byte(hiPayload))
	require.NoError(t, err)

	// Membership comes back, but the stale session stays evicted.
	oracle.Grant(2, 7)
	second := `{"userID":1,"message":"again"}`
	_, err = r.Broadcast(context.Background(), 7, []byte(second))
	require.NoError(t, err)

	assert.Empty(t, leaver.Sent())
	assert.Equal(t, []string{hiPayload, second}, member.Sent())
}

func TestBroadcast_PreservesPerSenderOrder(t *testing.T) {
	oracle := testutil.NewOracle()
	r, registry := newTestRouter(t, oracle, Options{FanoutConcurrency: 4})
	var conns []*testutil.Connection
	for userID := 1; userID <= 4; userID++ {
		oracle.Grant(userID, 7)
		_, conn := join(t, registry, 7, userID)
		conns = append(conns, conn)
	}

	var want []string
	for i := 0; i < 20; i++ {
		payload := fmt.Sprintf(`{"userID":1,"message":"m%d"}`, i)
		want = append(want, payload)
		_, err := r.Broadcast(context.Background(), 7, []byte(payload))
		require.NoError(t, err)
	}

	for _, conn := range conns {
		assert.Equal(t, want, conn.Sent())
	}
}

func TestBroadcast_ChannelsAreIsolated(t *testing.T) {
	oracle := testutil.NewOracle()
	r, registry := newTestRouter(t, oracle, Options{})
	oracle.Grant(1, 7)
	oracle.Grant(1, 8)
	_, in7 := join(t, registry, 7, 1)
	_, in8 := join(t, registry, 8, 1)

	_, err := r.Broadcast(context.Background(), 7, []byte(hiPayload))
	require.NoError(t, err)

	assert.Equal(t, []string{hiPayload}, in7.Sent())
	assert.Empty(t, in8.Sent())
}

func TestDeliver_IdentityMismatchIsEvicted(t *testing.T) {
	oracle := testutil.NewOracle()
	oracle.Grant(1, 7)
	oracle.Grant(1, 8)
	r, _ := newTestRouter(t, oracle, Options{})

	conn := testutil.NewMemberConnection(7, 1)
	s := session.New(conn, 1, 7)

	assert.Equal(t, evictedIdentity, r.deliver(context.Background(), 8, s, []byte(hiPayload)))
	assert.Equal(t, evictedIdentity, r.deliver(context.Background(), 7, &session.Session{}, []byte(hiPayload)))
	assert.Equal(t, 0, oracle.Calls())
	assert.Empty(t, conn.Sent())
}

// TestBroadcast_ConcurrentTraffic is meant to run under -race
func TestBroadcast_ConcurrentTraffic(t *testing.T) {
	oracle := testutil.NewOracle()
	r, registry := newTestRouter(t, oracle, Options{FanoutConcurrency: 8})
	for userID := 1; userID <= 40; userID++ {
		oracle.Grant(userID, 7)
	}

	var stable []*session.Session
	for userID := 1; userID <= 10; userID++ {
		s, _ := join(t, registry, 7, userID)
		stable = append(stable, s)
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(2)
		go func(userID int) {
			defer wg.Done()
			conn := testutil.NewMemberConnection(7, userID)
			s := session.New(conn, userID, 7)
			assert.NoError(t, registry.Add(7, s))
			registry.Remove(7, s)
		}(11 + i)
		go func() {
			defer wg.Done()
			_, err := r.Broadcast(context.Background(), 7, []byte(hiPayload))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, stable, registry.Snapshot(7))
	for _, s := range stable {
		assert.Len(t, s.Conn().(*testutil.Connection).Sent(), 30)
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "delivered", delivered.String())
	assert.Equal(t, "not_a_member", evictedNonMember.String())
	assert.Equal(t, "oracle_failure", evictedOracleFailure.String())
	assert.Equal(t, "unknown", outcome(99).String())
}
