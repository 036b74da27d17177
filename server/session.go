package server

import (
	"net"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Session is the server-side state of one live connection.
type Session struct {
	Handle      string
	Conn        net.Conn
	Username    string
	Token       string
	RemoteAddr  string
	ConnectedAt time.Time
}

func newSession(conn net.Conn) *Session {
	return &Session{
		Handle:      uuid.NewString(),
		Conn:        conn,
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
	}
}

// Authenticated reports whether the session has been bound to a user.
func (s *Session) Authenticated() bool {
	return s.Token != ""
}

// SessionTable maps connection handles to sessions. It is owned by the
// event loop and is not safe for concurrent use.
type SessionTable struct {
	sessions map[string]*Session
	order    []string
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string]*Session)}
}

func (t *SessionTable) Add(s *Session) {
	if _, ok := t.sessions[s.Handle]; ok {
		return
	}
	t.sessions[s.Handle] = s
	t.order = append(t.order, s.Handle)
}

func (t *SessionTable) Get(handle string) (*Session, bool) {
	s, ok := t.sessions[handle]
	return s, ok
}

// Bind records a successful authentication. A session is bound at most
// once; later calls leave it untouched and return false.
func (t *SessionTable) Bind(handle, username, token string) bool {
	s, ok := t.sessions[handle]
	if !ok || s.Authenticated() {
		return false
	}
	s.Username = username
	s.Token = token
	return true
}

func (t *SessionTable) Remove(handle string) (*Session, bool) {
	s, ok := t.sessions[handle]
	if !ok {
		return nil, false
	}
	delete(t.sessions, handle)
	for i, h := range t.order {
		if h == handle {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return s, true
}

func (t *SessionTable) Len() int {
	return len(t.sessions)
}

// Snapshot returns the live sessions in accept order. The slice is a copy,
// so sessions may be added or removed while it is walked.
func (t *SessionTable) Snapshot() []*Session {
	out := make([]*Session, 0, len(t.order))
	for _, h := range t.order {
		out = append(out, t.sessions[h])
	}
	return out
}

// OnlineUsers returns the distinct usernames of authenticated sessions,
// sorted.
func (t *SessionTable) OnlineUsers() []string {
	seen := make(map[string]bool)
	var users []string
	for _, s := range t.sessions {
		if !s.Authenticated() || seen[s.Username] {
			continue
		}
		seen[s.Username] = true
		users = append(users, s.Username)
	}
	sort.Strings(users)
	return users
}
