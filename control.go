package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"chatrelay/db"
	"chatrelay/logger"
	"chatrelay/server"
)

const controlReadTimeout = 5 * time.Second

type userCreator interface {
	CreateUser(username, password string) error
}

// controlServer answers single-line management commands on a Unix socket.
type controlServer struct {
	srv   *server.Server
	users userCreator
	log   *logger.Logger
}

func (c *controlServer) listen(ctx context.Context, path string) {
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		c.log.Warn("Failed to create control socket: %v", err)
		return
	}
	defer os.Remove(path)

	c.log.Info("Control socket listening on %s", path)
	c.serve(ctx, listener)
}

func (c *controlServer) serve(ctx context.Context, listener net.Listener) {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.log.Warn("control accept failed: %v", err)
			return
		}

		go c.handle(conn)
	}
}

func (c *controlServer) handle(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(controlReadTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		stats, err := c.srv.GetStats()
		if err != nil {
			conn.Write([]byte("ERROR|" + err.Error() + "\n"))
			return
		}
		conn.Write([]byte("OK|" + stats + "\n"))

	case "adduser":
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			conn.Write([]byte("ERROR|Usage: adduser|<name>|<password>\n"))
			return
		}
		switch err := c.users.CreateUser(parts[1], parts[2]); {
		case errors.Is(err, db.ErrUserExists):
			conn.Write([]byte("ERROR|User already exists\n"))
		case err != nil:
			c.log.Error("adduser %q failed: %v", parts[1], err)
			conn.Write([]byte("ERROR|Failed to create user\n"))
		default:
			c.log.Info("user %q created", parts[1])
			conn.Write([]byte("OK|User created\n"))
		}

	case "shutdown":
		reason := "maintenance"
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		c.log.Info("Shutdown requested: reason=%s", reason)
		c.srv.Shutdown(reason)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
