package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/app"
	"roomrelay/internal/config"
	"roomrelay/internal/membership"
	"roomrelay/pkg/types"
)

// relay is a complete application listening on an ephemeral port with a
// throwaway SQLite database
type relay struct {
	app   *app.Application
	store *membership.Store
}

func startRelay(t *testing.T) *relay {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "relay.db")
	cfg.Log.Level = "error"

	application, err := app.NewApplication(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return &relay{app: application, store: application.Store()}
}

// classroom creates channels and users and joins each user to its channels
func (r *relay) classroom(t *testing.T, memberships map[int][]int) {
	t.Helper()
	ctx := context.Background()
	created := map[int]bool{}
	for userID, channelIDs := range memberships {
		require.NoError(t, r.store.UpsertUser(ctx, &types.User{ID: userID, FirstName: fmt.Sprintf("student%d", userID)}))
		for _, channelID := range channelIDs {
			if created[channelID] {
				continue
			}
			require.NoError(t, r.store.UpsertChannel(ctx, &types.Channel{ID: channelID, Title: fmt.Sprintf("class %d", channelID)}))
			created[channelID] = true
		}
	}
	for userID, channelIDs := range memberships {
		for _, channelID := range channelIDs {
			require.NoError(t, r.store.AddMember(ctx, &types.Member{UserID: userID, ChannelID: channelID}))
		}
	}
}

// connect opens a client and waits until its session is registered
func (r *relay) connect(t *testing.T, channelID, userID int) *client {
	t.Helper()
	before := r.app.Registry().Count(channelID)
	c := r.dial(t, fmt.Sprintf("/message/%d?userId=%d", channelID, userID))
	require.Eventually(t, func() bool {
		return r.app.Registry().Count(channelID) > before
	}, 2*time.Second, 10*time.Millisecond, "session for user %d in channel %d never registered", userID, channelID)
	return c
}

func (r *relay) dial(t *testing.T, target string) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+r.app.Addr()+target, nil)
	require.NoError(t, err)

	c := &client{
		conn:     conn,
		messages: make(chan string, 1024),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(c.close)
	return c
}

// client collects every text frame it receives until the connection ends
type client struct {
	conn     *websocket.Conn
	messages chan string
	done     chan struct{}

	mu        sync.Mutex
	closeCode int
	writeMu   sync.Mutex
}

func (c *client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.mu.Lock()
				c.closeCode = closeErr.Code
				c.mu.Unlock()
			}
			return
		}
		c.messages <- string(data)
	}
}

func (c *client) send(t *testing.T, userID int, text string) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	assert.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(wire(userID, text))))
}

func (c *client) receive(t *testing.T) string {
	t.Helper()
	select {
	case m := <-c.messages:
		return m
	case <-c.done:
		select {
		case m := <-c.messages:
			return m
		default:
		}
		t.Fatalf("connection closed with status %d while waiting for a message", c.code())
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return ""
}

func (c *client) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case m := <-c.messages:
		t.Fatalf("unexpected message %s", m)
	case <-time.After(200 * time.Millisecond):
	}
}

// closedWith waits for the server to close the connection and returns its status
func (c *client) closedWith(t *testing.T) int {
	t.Helper()
	select {
	case <-c.done:
		return c.code()
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for close")
	}
	return 0
}

func (c *client) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *client) close() {
	_ = c.conn.Close()
	<-c.done
}

// freePort reserves an ephemeral port and releases it for the relay to bind
func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

// wire is the normalized form the relay forwards
func wire(userID int, text string) string {
	return fmt.Sprintf(`{"userID":%d,"message":%q}`, userID, text)
}
