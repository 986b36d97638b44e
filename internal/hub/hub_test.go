package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/router"
	"roomrelay/internal/session"
	"roomrelay/internal/testutil"
	"roomrelay/pkg/types"
)

type hubFixture struct {
	hub      *Hub
	registry *session.Registry
	oracle   *testutil.Oracle
}

func newHubFixture(t *testing.T, limiter *router.RateLimiter) *hubFixture {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	registry := session.NewRegistry()
	oracle := testutil.NewOracle()
	r, err := router.NewRouter(registry, oracle, router.Options{}, log)
	require.NoError(t, err)

	h := NewHub(registry, r, limiter, log)
	require.NoError(t, h.Start(context.Background()))
	return &hubFixture{hub: h, registry: registry, oracle: oracle}
}

func TestHub_StartStop(t *testing.T) {
	f := newHubFixture(t, nil)

	assert.True(t, f.hub.Running())
	assert.ErrorIs(t, f.hub.Start(context.Background()), ErrHubAlreadyRunning)

	require.NoError(t, f.hub.Shutdown(context.Background()))
	assert.False(t, f.hub.Running())
	assert.ErrorIs(t, f.hub.Shutdown(context.Background()), ErrHubNotRunning)
}

func TestHub_OpenRegistersExactlyOneSession(t *testing.T) {
	f := newHubFixture(t, nil)
	conn := testutil.NewConnection("/message/7?userId=3")

	s, err := f.hub.Open(conn)
	require.NoError(t, err)

	assert.Equal(t, 3, s.UserID())
	assert.Equal(t, 7, s.ChannelID())
	assert.Equal(t, []*session.Session{s}, f.registry.Snapshot(7))
	assert.True(t, conn.IsOpen())
}

func TestHub_OpenRejectsInvalidTargets(t *testing.T) {
	targets := []string{
		"/message/abc?userId=5",
		"/message/7",
		"/message/7?userId=bob",
		"/message/?userId=5",
		"",
	}
	for _, target := range targets {
		t.Run(fmt.Sprintf("target %q", target), func(t *testing.T) {
			f := newHubFixture(t, nil)
			conn := testutil.NewConnection(target)

			s, err := f.hub.Open(conn)

			require.ErrorIs(t, err, ErrInvalidTarget)
			assert.Nil(t, s)
			assert.False(t, conn.IsOpen())
			assert.Equal(t, types.CloseBadData, conn.CloseCode())
			assert.Equal(t, session.Stats{}, f.registry.Stats())
		})
	}
}

func TestHub_OpenNilConnection(t *testing.T) {
	f := newHubFixture(t, nil)
	_, err := f.hub.Open(nil)
	assert.ErrorIs(t, err, ErrNilConnection)
}

func TestHub_OpenAfterShutdownIsRejected(t *testing.T) {
	f := newHubFixture(t, nil)
	require.NoError(t, f.hub.Shutdown(context.Background()))

	conn := testutil.NewMemberConnection(7, 1)
	_, err := f.hub.Open(conn)

	assert.ErrorIs(t, err, ErrHubNotRunning)
	assert.Equal(t, types.CloseGoingAway, conn.CloseCode())
	assert.Equal(t, 0, f.registry.Count(7))
}

func TestHub_ReceiveBroadcastsNormalizedPayload(t *testing.T) {
	f := newHubFixture(t, nil)
	f.oracle.Grant(1, 7)
	f.oracle.Grant(2, 7)

	senderConn := testutil.NewMemberConnection(7, 1)
	sender, err := f.hub.Open(senderConn)
	require.NoError(t, err)
	peerConn := testutil.NewMemberConnection(7, 2)
	_, err = f.hub.Open(peerConn)
	require.NoError(t, err)

	err = f.hub.Receive(context.Background(), sender, []byte(`{ "message": "hi", "userID": 1, "mood": "happy" }`))
	require.NoError(t, err)

	want := []string{`{"userID":1,"message":"hi"}`}
	assert.Equal(t, want, senderConn.Sent())
	assert.Equal(t, want, peerConn.Sent())
}

func TestHub_ReceiveMalformedPayloadIsSurfaced(t *testing.T) {
	f := newHubFixture(t, nil)
	f.oracle.Grant(2, 7)
	sender, err := f.hub.Open(testutil.NewMemberConnection(7, 1))
	require.NoError(t, err)
	peerConn := testutil.NewMemberConnection(7, 2)
	_, err = f.hub.Open(peerConn)
	require.NoError(t, err)

	err = f.hub.Receive(context.Background(), sender, []byte("not json"))

	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.ErrorIs(t, err, types.ErrInvalidPayload)
	assert.Empty(t, peerConn.Sent())
	assert.Equal(t, 2, f.registry.Count(7))
}

func TestHub_ReceiveWithoutRoutableChannelIsDropped(t *testing.T) {
	f := newHubFixture(t, nil)
	// A session whose target lost its channel segment cannot be routed.
	s := session.New(testutil.NewConnection("/message/?userId=1"), 1, 7)

	err := f.hub.Receive(context.Background(), s, []byte(`{"userID":1,"message":"hi"}`))

	assert.NoError(t, err)
	assert.Equal(t, 0, f.oracle.Calls())
}

func TestHub_ReceiveNilSession(t *testing.T) {
	f := newHubFixture(t, nil)
	assert.ErrorIs(t, f.hub.Receive(context.Background(), nil, []byte("{}")), ErrNilSession)
}

func TestHub_ReceiveRespectsRateLimit(t *testing.T) {
	f := newHubFixture(t, router.NewRateLimiter(1.0/3600, 2))
	f.oracle.Grant(1, 7)
	conn := testutil.NewMemberConnection(7, 1)
	s, err := f.hub.Open(conn)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.hub.Receive(context.Background(), s, []byte(`{"userID":1,"message":"spam"}`)))
	}

	assert.Len(t, conn.Sent(), 2)
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	f := newHubFixture(t, nil)
	s1, err := f.hub.Open(testutil.NewMemberConnection(7, 1))
	require.NoError(t, err)
	s2, err := f.hub.Open(testutil.NewMemberConnection(7, 2))
	require.NoError(t, err)

	f.hub.Close(s1)
	f.hub.Close(s1)
	f.hub.Close(nil)

	assert.Equal(t, []*session.Session{s2}, f.registry.Snapshot(7))
}

func TestHub_ClosedSessionReceivesNothing(t *testing.T) {
	f := newHubFixture(t, nil)
	f.oracle.Grant(1, 7)
	f.oracle.Grant(2, 7)
	sender, err := f.hub.Open(testutil.NewMemberConnection(7, 1))
	require.NoError(t, err)
	leaverConn := testutil.NewMemberConnection(7, 2)
	leaver, err := f.hub.Open(leaverConn)
	require.NoError(t, err)

	f.hub.Close(leaver)
	require.NoError(t, f.hub.Receive(context.Background(), sender, []byte(`{"userID":1,"message":"hi"}`)))

	assert.Empty(t, leaverConn.Sent())
}

func TestHub_ShutdownClosesAllSessions(t *testing.T) {
	f := newHubFixture(t, nil)
	var conns []*testutil.Connection
	for channelID := 1; channelID <= 3; channelID++ {
		conn := testutil.NewMemberConnection(channelID, 10)
		_, err := f.hub.Open(conn)
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	require.NoError(t, f.hub.Shutdown(context.Background()))

	for _, conn := range conns {
		assert.Equal(t, types.CloseGoingAway, conn.CloseCode())
	}
	assert.Equal(t, session.Stats{}, f.registry.Stats())
}

// TestHub_ConcurrentLifecycle is meant to run under -race
func TestHub_ConcurrentLifecycle(t *testing.T) {
	f := newHubFixture(t, router.NewRateLimiter(0, 0))
	for userID := 1; userID <= 100; userID++ {
		f.oracle.Grant(userID, 7)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var kept []*session.Session
	for userID := 1; userID <= 100; userID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.hub.Open(testutil.NewMemberConnection(7, userID))
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, f.hub.Receive(context.Background(), s, []byte(fmt.Sprintf(`{"userID":%d,"message":"hello"}`, userID))))
			if userID%2 == 0 {
				f.hub.Close(s)
				return
			}
			mu.Lock()
			kept = append(kept, s)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, kept, f.registry.Snapshot(7))
}
