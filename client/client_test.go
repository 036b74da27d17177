package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/db"
	"chatrelay/logger"
	"chatrelay/protocol"
	"chatrelay/server"
	"chatrelay/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T, users ...string) (*server.Server, string) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	for _, user := range users {
		require.NoError(t, database.CreateUser(user, "password123"))
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := server.New(database, &server.ServerConfig{WriteTimeout: 5 * time.Second}, logger.New(logger.LevelNone, nil, ""))
	go srv.Serve(context.Background(), listener)

	t.Cleanup(func() {
		srv.Shutdown("test finished")
		database.Close()
	})
	return srv, listener.Addr().String()
}

func connect(t *testing.T, addr, username string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	if username != "" {
		require.NoError(t, c.Authenticate(username, "password123"))
	}
	return c
}

func receive(t *testing.T, cs *ChatSession) *protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-cs.Messages():
		if !ok {
			t.Fatalf("chat session ended: %v", cs.Err())
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chat message")
		return nil
	}
}

func TestAuthenticate(t *testing.T) {
	_, addr := setupTestServer(t, "alice")

	c := connect(t, addr, "alice")
	assert.Equal(t, "alice", c.Username())
	assert.True(t, token.Valid(c.Token()))
}

func TestAuthenticateWrongPassword(t *testing.T) {
	_, addr := setupTestServer(t, "alice")

	c := connect(t, addr, "")
	assert.ErrorIs(t, c.Authenticate("alice", "nope"), ErrAuthFailed)
	assert.Empty(t, c.Token())
}

func TestCommandRequiresAuthentication(t *testing.T) {
	_, addr := setupTestServer(t, "alice")

	c := connect(t, addr, "")
	_, err := c.Command(protocol.CmdAllUsers, "")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.ErrorIs(t, c.SendChat("", "hi"), ErrNotAuthenticated)
}

func TestCommands(t *testing.T) {
	_, addr := setupTestServer(t, "alice", "bob")

	alice := connect(t, addr, "alice")

	out, err := alice.Command(protocol.CmdOnlineUsers, "")
	require.NoError(t, err)
	assert.Equal(t, "alice\n", out)

	out, err = alice.Command(protocol.CmdAllUsers, "")
	require.NoError(t, err)
	assert.Equal(t, "alice\nbob\n", out)
}

func TestChatSessionReceivesBroadcast(t *testing.T) {
	_, addr := setupTestServer(t, "alice", "bob")

	alice := connect(t, addr, "alice")
	bob := connect(t, addr, "bob")

	cs, err := bob.StartChat(context.Background(), Broadcasts())
	require.NoError(t, err)

	require.NoError(t, alice.SendChat("", "hello world"))

	msg := receive(t, cs)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "hello world", msg.Content)

	require.NoError(t, cs.Close())

	// the read side is usable again once the session is closed
	out, err := bob.Command(protocol.CmdGlobalChat, "")
	require.NoError(t, err)
	assert.Contains(t, out, " alice hello world\n")
}

func TestChatSessionFilter(t *testing.T) {
	_, addr := setupTestServer(t, "alice", "bob", "carol")

	alice := connect(t, addr, "alice")
	bob := connect(t, addr, "bob")
	carol := connect(t, addr, "carol")

	cs, err := bob.StartChat(context.Background(), DirectFrom("alice", "bob"))
	require.NoError(t, err)
	defer cs.Close()

	require.NoError(t, carol.SendChat("bob", "from carol"))
	require.NoError(t, alice.SendChat("", "broadcast from alice"))
	require.NoError(t, alice.SendChat("bob", "from alice"))

	msg := receive(t, cs)
	assert.Equal(t, "from alice", msg.Content)
}

func TestChatSessionCloseIsPrompt(t *testing.T) {
	_, addr := setupTestServer(t, "alice")

	alice := connect(t, addr, "alice")
	cs, err := alice.StartChat(context.Background(), nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, cs.Close())
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, cs.Close())

	_, ok := <-cs.Messages()
	assert.False(t, ok)
	assert.NoError(t, cs.Err())
}

func TestChatSessionContextCancel(t *testing.T) {
	_, addr := setupTestServer(t, "alice")

	alice := connect(t, addr, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	cs, err := alice.StartChat(ctx, nil)
	require.NoError(t, err)

	cancel()
	select {
	case <-cs.Done():
	case <-time.After(time.Second):
		t.Fatal("listener ignored cancellation")
	}
	cs.Close()
}

func TestOneReaderAtATime(t *testing.T) {
	_, addr := setupTestServer(t, "alice")

	alice := connect(t, addr, "alice")
	cs, err := alice.StartChat(context.Background(), nil)
	require.NoError(t, err)
	defer cs.Close()

	_, err = alice.Command(protocol.CmdOnlineUsers, "")
	assert.ErrorIs(t, err, ErrChatActive)

	_, err = alice.StartChat(context.Background(), nil)
	assert.ErrorIs(t, err, ErrChatActive)

	// sending is allowed while listening
	assert.NoError(t, alice.SendChat("", "still talking"))
}

func TestChatReceivedDuringCommandIsKept(t *testing.T) {
	_, addr := setupTestServer(t, "alice", "bob")

	alice := connect(t, addr, "alice")
	bob := connect(t, addr, "bob")

	require.NoError(t, alice.SendChat("", "early bird"))
	_, err := alice.Command(protocol.CmdOnlineUsers, "")
	require.NoError(t, err)

	// the broadcast reaches bob before the reply to his command
	out, err := bob.Command(protocol.CmdOnlineUsers, "")
	require.NoError(t, err)
	assert.Equal(t, "alice\nbob\n", out)

	cs, err := bob.StartChat(context.Background(), Broadcasts())
	require.NoError(t, err)
	defer cs.Close()

	assert.Equal(t, "early bird", receive(t, cs).Content)
}

func TestShutdownEndsChatSession(t *testing.T) {
	srv, addr := setupTestServer(t, "alice")

	alice := connect(t, addr, "alice")
	cs, err := alice.StartChat(context.Background(), nil)
	require.NoError(t, err)
	defer cs.Close()

	srv.Shutdown("maintenance")

	select {
	case <-cs.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("chat session did not end")
	}
	assert.ErrorIs(t, cs.Err(), ErrClosed)
	assert.Contains(t, cs.Err().Error(), "maintenance")
}

// stallMidFrame starts a chat session on a pipe whose peer sends only the
// first bytes of a frame.
func stallMidFrame(t *testing.T, frameTimeout time.Duration) (*Client, *ChatSession) {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })

	c := NewClient(local)
	c.frameTimeout = frameTimeout
	cs, err := c.StartChat(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	frame, err := protocol.Encode(protocol.NewMessage(protocol.KindChat, "alice", "", "hello", ""))
	require.NoError(t, err)
	remote.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = remote.Write(frame[:3])
	require.NoError(t, err)
	return c, cs
}

func TestChatSessionCloseDuringStalledFrame(t *testing.T) {
	_, cs := stallMidFrame(t, time.Minute)

	start := time.Now()
	require.NoError(t, cs.Close())
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, cs.Err())
}

func TestChatSessionStalledFrameTimesOut(t *testing.T) {
	c, cs := stallMidFrame(t, 100*time.Millisecond)

	select {
	case <-cs.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("listener stayed blocked on a partial frame")
	}

	var netErr net.Error
	require.True(t, errors.As(cs.Err(), &netErr), "unexpected error: %v", cs.Err())
	assert.True(t, netErr.Timeout())

	// the stream is closed once a frame boundary is lost
	_, err := c.reader.Peek(1)
	assert.Error(t, err)
}
