package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"chatrelay/protocol"
)

// Filter selects which pushed chat messages a session delivers.
type Filter func(msg *protocol.Message) bool

// DirectFrom accepts messages sent by peer to me.
func DirectFrom(peer, me string) Filter {
	return func(msg *protocol.Message) bool {
		return msg.Sender == peer && msg.Receiver == me
	}
}

// Broadcasts accepts messages sent to everyone.
func Broadcasts() Filter {
	return func(msg *protocol.Message) bool {
		return msg.Receiver == ""
	}
}

// ChatSession owns the read side of a client while it listens for pushed
// messages. Close must be called on every exit path; it cancels the
// listener and waits for it.
type ChatSession struct {
	client   *Client
	filter   Filter
	messages chan *protocol.Message
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	err      error
}

// StartChat starts listening for chat messages matching filter. A nil
// filter accepts everything.
func (c *Client) StartChat(ctx context.Context, filter Filter) (*ChatSession, error) {
	if err := c.acquireReader(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	cs := &ChatSession{
		client:   c,
		filter:   filter,
		messages: make(chan *protocol.Message, 64),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go cs.listen(ctx, pending)
	return cs, nil
}

// Messages delivers matching chat messages. It is closed when the session
// ends.
func (cs *ChatSession) Messages() <-chan *protocol.Message {
	return cs.messages
}

// Done is closed once the listener has exited.
func (cs *ChatSession) Done() <-chan struct{} {
	return cs.done
}

// Err reports why the listener stopped on its own. It is nil after a plain
// Close and only meaningful once Done is closed.
func (cs *ChatSession) Err() error {
	<-cs.done
	return cs.err
}

// Close stops the listener and waits for it to exit. If it interrupts a
// partly read frame the connection is closed as well.
func (cs *ChatSession) Close() error {
	cs.once.Do(func() {
		cs.cancel()
		// wakes a listener blocked inside a frame
		cs.client.conn.SetReadDeadline(time.Now())
	})
	<-cs.done
	cs.client.conn.SetReadDeadline(time.Time{})
	return nil
}

func (cs *ChatSession) listen(ctx context.Context, pending []*protocol.Message) {
	c := cs.client
	defer func() {
		c.conn.SetReadDeadline(time.Time{})
		c.releaseReader()
		close(cs.messages)
		close(cs.done)
	}()

	for _, msg := range pending {
		if !cs.deliver(ctx, msg) {
			return
		}
	}

	for ctx.Err() == nil {
		c.conn.SetReadDeadline(time.Now().Add(PollInterval))
		if _, err := c.reader.Peek(1); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			cs.err = err
			return
		}

		// a frame has started; Close overrides this deadline after cancel
		c.conn.SetReadDeadline(time.Now().Add(c.frameTimeout))
		if ctx.Err() != nil {
			return
		}
		msg, err := protocol.ReadMessage(c.reader)
		if err != nil {
			// the stream lost its frame boundary
			c.conn.Close()
			if ctx.Err() == nil {
				cs.err = fmt.Errorf("read frame: %w", err)
			}
			return
		}

		switch msg.Kind {
		case protocol.KindChat:
			if !cs.deliver(ctx, msg) {
				return
			}
		case protocol.KindClose:
			cs.err = closedError(msg)
			return
		case protocol.KindAuth:
			if msg.Token == "" {
				cs.err = ErrUnauthorized
				return
			}
		}
	}
}

func (cs *ChatSession) deliver(ctx context.Context, msg *protocol.Message) bool {
	if cs.filter != nil && !cs.filter(msg) {
		return true
	}
	select {
	case cs.messages <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
