package main

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/db"
	"chatrelay/logger"
	"chatrelay/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupControl(t *testing.T) (*controlServer, *db.DB) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	log := logger.New(logger.LevelNone, nil, "")
	srv := server.New(database, &server.ServerConfig{WriteTimeout: 5 * time.Second}, log)
	go srv.Serve(context.Background(), listener)

	t.Cleanup(func() {
		srv.Shutdown("test finished")
		database.Close()
	})
	return &controlServer{srv: srv, users: database, log: log}, database
}

func control(t *testing.T, c *controlServer, line string) string {
	t.Helper()

	client, conn := net.Pipe()
	defer client.Close()
	go c.handle(conn)

	client.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := client.Write([]byte(line + "\n"))
	require.NoError(t, err)

	reply, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	return reply
}

func TestControlStats(t *testing.T) {
	c, _ := setupControl(t)
	assert.Equal(t, "OK|connections=0,users=\n", control(t, c, "stats"))
}

func TestControlAddUser(t *testing.T) {
	c, database := setupControl(t)

	assert.Equal(t, "OK|User created\n", control(t, c, "adduser|alice|secret"))
	assert.Equal(t, "ERROR|User already exists\n", control(t, c, "adduser|alice|other"))
	assert.Equal(t, "ERROR|Usage: adduser|<name>|<password>\n", control(t, c, "adduser|bob"))

	_, ok, err := database.Authenticate("alice", "secret")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestControlUnknownCommand(t *testing.T) {
	c, _ := setupControl(t)
	assert.Equal(t, "ERROR|Unknown command\n", control(t, c, "reboot"))
}

func TestControlShutdown(t *testing.T) {
	c, _ := setupControl(t)

	assert.Equal(t, "OK|Shutting down\n", control(t, c, "shutdown|upgrade"))

	select {
	case <-c.srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err := c.srv.GetStats()
	assert.ErrorIs(t, err, server.ErrServerClosed)
}

func TestControlSocket(t *testing.T) {
	c, _ := setupControl(t)

	path := filepath.Join(t.TempDir(), "control.sock")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.listen(ctx, path)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial("unix", path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	defer conn.Close()

	_, err := conn.Write([]byte("stats\n"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK|connections=0,users=\n", reply)
}
