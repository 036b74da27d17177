package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/logger"
	"chatrelay/models"
	"chatrelay/protocol"
)

var (
	ErrServerClosed  = errors.New("server closed")
	ErrServerStarted = errors.New("server already started")
)

// Store is the credential and message store the router talks to.
type Store interface {
	Authenticate(username, password string) (int64, bool, error)
	UserID(username string) (int64, bool, error)
	ListUsernames() ([]string, error)
	SaveDirectMessage(senderID, receiverID int64, text string, timestamp time.Time) error
	SaveBroadcastMessage(senderID int64, text string, timestamp time.Time) error
	DirectHistory(userA, userB string) ([]models.HistoryEntry, error)
	BroadcastHistory() ([]models.HistoryEntry, error)
}

type ServerConfig struct {
	Port         int
	WriteTimeout time.Duration // zero means writes never time out
}

// Server relays chat messages between authenticated connections. All
// session state is owned by the goroutine running Serve; other goroutines
// only decode frames and hand them over.
type Server struct {
	store    Store
	config   *ServerConfig
	log      *logger.Logger
	sessions *SessionTable

	events   chan event
	requests chan func()
	done     chan struct{}
	wg       sync.WaitGroup

	mu             sync.Mutex
	cancel         context.CancelFunc
	stopping       bool
	shutdownReason string
}

type eventKind int

const (
	eventAccept eventKind = iota
	eventFrame
	eventReadError
	eventListenerFailed
)

// event is one readiness notification delivered to the loop: a new
// connection, one decoded frame, or the end of a connection's stream.
type event struct {
	kind   eventKind
	conn   net.Conn
	handle string
	msg    *protocol.Message
	err    error
}

func New(store Store, config *ServerConfig, log *logger.Logger) *Server {
	if config == nil {
		config = &ServerConfig{}
	}
	if log == nil {
		log = logger.Global()
	}
	return &Server{
		store:    store,
		config:   config,
		log:      log,
		sessions: NewSessionTable(),
		events:   make(chan event),
		requests: make(chan func()),
		done:     make(chan struct{}),
	}
}

// ListenAndServe binds the configured port and serves until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve runs the event loop over listener. It returns nil after a
// requested stop and the listener's error if accepting fails for good.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		listener.Close()
		return ErrServerStarted
	}
	s.cancel = cancel
	if s.stopping {
		cancel()
	}
	s.mu.Unlock()
	defer close(s.done)

	s.log.Info("chat relay listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)

	err := s.loop(ctx)

	cancel()
	listener.Close()
	s.closeAll()
	s.wg.Wait()

	s.log.Info("chat relay stopped")
	return err
}

// Shutdown stops the server, telling every connected client why, and waits
// for Serve to return. Called before Serve, it makes Serve stop at once.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	cancel := s.cancel
	s.stopping = true
	s.shutdownReason = reason
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-s.done
}

// Done is closed once Serve has returned.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() (string, error) {
	var stats string
	err := s.do(func() {
		users := s.sessions.OnlineUsers()
		stats = "connections=" + strconv.Itoa(s.sessions.Len()) + ",users=" + strings.Join(users, ";")
	})
	return stats, err
}

// do runs fn on the loop goroutine.
func (s *Server) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.requests <- func() {
		fn()
		close(finished)
	}:
	case <-s.done:
		return ErrServerClosed
	}
	<-finished
	return nil
}

func (s *Server) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case req := <-s.requests:
			req()

		case ev := <-s.events:
			switch ev.kind {
			case eventAccept:
				s.acceptSession(ctx, ev.conn)

			case eventFrame:
				session, ok := s.sessions.Get(ev.handle)
				if !ok {
					continue
				}
				s.handleMessage(session, ev.msg)

			case eventReadError:
				session, ok := s.sessions.Get(ev.handle)
				if !ok {
					continue
				}
				s.dropSession(session, "read: "+ev.err.Error())

			case eventListenerFailed:
				s.log.Error("accept failed: %v", ev.err)
				return ev.err
			}
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Warn("error accepting connection: %v", err)
				continue
			}
			select {
			case s.events <- event{kind: eventListenerFailed, err: err}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case s.events <- event{kind: eventAccept, conn: conn}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (s *Server) acceptSession(ctx context.Context, conn net.Conn) {
	session := newSession(conn)
	s.sessions.Add(session)
	s.log.Info("new client connected from %s (%s)", session.RemoteAddr, session.Handle)

	s.wg.Add(1)
	go s.readLoop(ctx, session.Handle, conn)
}

// readLoop decodes frames from one connection and hands each to the loop.
// It exits after the first decode error or when the server stops.
func (s *Server) readLoop(ctx context.Context, handle string, conn net.Conn) {
	defer s.wg.Done()

	reader := bufio.NewReader(conn)
	for {
		msg, err := protocol.ReadMessage(reader)
		ev := event{kind: eventFrame, handle: handle, msg: msg}
		if err != nil {
			ev = event{kind: eventReadError, handle: handle, err: err}
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// send writes one frame to session, bounded by the write timeout.
func (s *Server) send(session *Session, msg *protocol.Message) error {
	if s.config.WriteTimeout > 0 {
		session.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	if err := protocol.WriteMessage(session.Conn, msg); err != nil {
		s.log.Warn("error writing to %s: %v", session.RemoteAddr, err)
		return err
	}
	return nil
}

// reply sends msg to session and drops the session if the write fails.
func (s *Server) reply(session *Session, msg *protocol.Message) {
	if err := s.send(session, msg); err != nil {
		s.dropSession(session, "write failed")
	}
}

func (s *Server) dropSession(session *Session, reason string) {
	if _, ok := s.sessions.Remove(session.Handle); !ok {
		return
	}
	session.Conn.Close()

	if session.Username != "" {
		s.log.Info("client %s disconnected from %s: %s", session.Username, session.RemoteAddr, reason)
	} else {
		s.log.Info("client disconnected from %s: %s", session.RemoteAddr, reason)
	}
}

// closeAll sends CLOSE to every live session and tears it down.
func (s *Server) closeAll() {
	s.mu.Lock()
	reason := s.shutdownReason
	s.mu.Unlock()
	if reason == "" {
		reason = "shutdown"
	}

	for _, session := range s.sessions.Snapshot() {
		s.send(session, protocol.NewMessage(protocol.KindClose, "", session.Username, reason, session.Token))
		s.dropSession(session, reason)
	}
}
