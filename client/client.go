// Package client speaks the relay protocol from the user's side: it
// authenticates, runs commands, sends chat messages and listens for pushed
// messages during a chat session.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"chatrelay/protocol"
)

const (
	// PollInterval bounds how long a chat listener blocks before it checks
	// for cancellation.
	PollInterval = 50 * time.Millisecond

	// FrameTimeout bounds reading the rest of a frame once its first byte
	// has arrived.
	FrameTimeout = 5 * time.Second
)

var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrUnauthorized     = errors.New("session rejected by server")
	ErrClosed           = errors.New("connection closed by server")
	ErrChatActive       = errors.New("a chat session is already running")
)

// Client is one connection to a relay server.
type Client struct {
	conn         net.Conn
	reader       *bufio.Reader
	sendMu       sync.Mutex
	frameTimeout time.Duration

	mu        sync.Mutex
	username  string
	token     string
	pending   []*protocol.Message
	listening bool
}

// Dial connects to the relay at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		frameTimeout: FrameTimeout,
	}
}

func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) send(msg *protocol.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return protocol.WriteMessage(c.conn, msg)
}

// Authenticate logs in. On ErrAuthFailed the server has already closed the
// connection.
func (c *Client) Authenticate(username, password string) error {
	if err := c.acquireReader(); err != nil {
		return err
	}
	defer c.releaseReader()

	if err := c.send(protocol.NewMessage(protocol.KindAuth, username, password, "", "")); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	reply, err := c.awaitReply(protocol.KindAuth)
	if err != nil {
		return err
	}
	if reply.Token == "" {
		return ErrAuthFailed
	}

	c.mu.Lock()
	c.username = username
	c.token = reply.Token
	c.mu.Unlock()
	return nil
}

// Command runs a server command and returns the response body. peer is the
// other party for protocol.CmdChat and ignored otherwise.
func (c *Client) Command(name, peer string) (string, error) {
	if err := c.acquireReader(); err != nil {
		return "", err
	}
	defer c.releaseReader()

	username, tok := c.Username(), c.Token()
	if tok == "" {
		return "", ErrNotAuthenticated
	}

	if err := c.send(protocol.NewMessage(protocol.KindCommand, username, peer, name, tok)); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}

	reply, err := c.awaitReply(protocol.KindCommand)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

// SendChat sends text to receiver, or to everyone when receiver is empty.
// It is safe to call while a chat session is listening.
func (c *Client) SendChat(receiver, text string) error {
	username, tok := c.Username(), c.Token()
	if tok == "" {
		return ErrNotAuthenticated
	}
	return c.send(protocol.NewMessage(protocol.KindChat, username, receiver, text, tok))
}

// Close says goodbye to the server and closes the connection.
func (c *Client) Close() error {
	if tok := c.Token(); tok != "" {
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.send(protocol.NewMessage(protocol.KindClose, c.Username(), "", "", tok))
	}
	return c.conn.Close()
}

// awaitReply reads frames until one of kind arrives. Chat frames pushed in
// the meantime are kept for the next chat session.
func (c *Client) awaitReply(kind protocol.Kind) (*protocol.Message, error) {
	for {
		msg, err := protocol.ReadMessage(c.reader)
		if err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}

		switch {
		case msg.Kind == kind:
			return msg, nil
		case msg.Kind == protocol.KindChat:
			c.mu.Lock()
			c.pending = append(c.pending, msg)
			c.mu.Unlock()
		case msg.Kind == protocol.KindClose:
			return nil, closedError(msg)
		case msg.Kind == protocol.KindAuth && msg.Token == "":
			return nil, ErrUnauthorized
		}
	}
}

// acquireReader gives the caller exclusive use of the read side.
func (c *Client) acquireReader() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listening {
		return ErrChatActive
	}
	c.listening = true
	return nil
}

func (c *Client) releaseReader() {
	c.mu.Lock()
	c.listening = false
	c.mu.Unlock()
}

func closedError(msg *protocol.Message) error {
	if msg.Content == "" {
		return ErrClosed
	}
	return fmt.Errorf("%w: %s", ErrClosed, msg.Content)
}
