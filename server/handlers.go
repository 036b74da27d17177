package server

import (
	"strings"

	"chatrelay/models"
	"chatrelay/protocol"
	"chatrelay/token"
)

// HistoryTimeLayout formats timestamps in chat and globalChat responses.
const HistoryTimeLayout = "2006-01-02 15:04:05"

func (s *Server) handleMessage(session *Session, msg *protocol.Message) {
	if msg.Kind == protocol.KindAuth {
		s.handleAuth(session, msg)
		return
	}

	if !session.Authenticated() || msg.Token != session.Token {
		s.log.Warn("rejecting %s from %s: session token mismatch", msg.Kind, session.RemoteAddr)
		s.rejectSession(session, msg.Sender)
		return
	}

	switch msg.Kind {
	case protocol.KindChat:
		s.handleChat(session, msg)
	case protocol.KindCommand:
		s.handleCommand(session, msg)
	case protocol.KindClose:
		s.dropSession(session, "closed by client")
	}
}

// rejectSession answers with an AUTH frame carrying no token and closes the
// connection.
func (s *Server) rejectSession(session *Session, username string) {
	s.send(session, protocol.NewMessage(protocol.KindAuth, username, "", "", ""))
	s.dropSession(session, "unauthorized")
}

func (s *Server) handleAuth(session *Session, msg *protocol.Message) {
	username, password := msg.Sender, msg.Receiver

	// the password never travels back
	reply := *msg
	reply.Receiver = ""
	reply.Token = ""

	valid := false
	if username != "" {
		var err error
		_, valid, err = s.store.Authenticate(username, password)
		if err != nil {
			s.log.Error("auth error for %q: %v", username, err)
			valid = false
		}
	}

	if !valid || (session.Authenticated() && session.Username != username) {
		s.log.Info("authentication failed for %q from %s", username, session.RemoteAddr)
		s.send(session, &reply)
		s.dropSession(session, "authentication failed")
		return
	}

	if !session.Authenticated() {
		tok, err := token.New()
		if err != nil {
			s.log.Error("auth error for %q: %v", username, err)
			s.send(session, &reply)
			s.dropSession(session, "authentication failed")
			return
		}
		s.sessions.Bind(session.Handle, username, tok)
		s.log.Info("client %s authenticated from %s", username, session.RemoteAddr)
	}

	reply.Token = session.Token
	s.reply(session, &reply)
}

func (s *Server) handleChat(session *Session, msg *protocol.Message) {
	out := protocol.Message{
		Kind:      protocol.KindChat,
		Sender:    session.Username,
		Receiver:  msg.Receiver,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}

	s.saveChat(&out)

	// Recipients that fail a write are dropped only after the scan.
	var failed []*Session
	for _, peer := range s.sessions.Snapshot() {
		if peer.Handle == session.Handle || !peer.Authenticated() {
			continue
		}
		if out.Receiver != "" && peer.Username != out.Receiver {
			continue
		}

		delivery := out
		delivery.Token = peer.Token
		if err := s.send(peer, &delivery); err != nil {
			failed = append(failed, peer)
		}
	}

	for _, peer := range failed {
		s.dropSession(peer, "write failed")
	}
}

// saveChat persists a chat message. Failures are logged and never stop
// delivery.
func (s *Server) saveChat(msg *protocol.Message) {
	senderID, ok, err := s.store.UserID(msg.Sender)
	if err != nil {
		s.log.Error("message error: resolve %q: %v", msg.Sender, err)
		return
	}
	if !ok {
		s.log.Warn("message error: unknown sender %q", msg.Sender)
		return
	}

	if msg.Receiver == "" {
		if err := s.store.SaveBroadcastMessage(senderID, msg.Content, msg.Timestamp); err != nil {
			s.log.Error("message error: save broadcast from %q: %v", msg.Sender, err)
		}
		return
	}

	receiverID, ok, err := s.store.UserID(msg.Receiver)
	if err != nil {
		s.log.Error("message error: resolve %q: %v", msg.Receiver, err)
		return
	}
	if !ok {
		s.log.Warn("message error: unknown recipient %q", msg.Receiver)
		return
	}

	if err := s.store.SaveDirectMessage(senderID, receiverID, msg.Content, msg.Timestamp); err != nil {
		s.log.Error("message error: save %q -> %q: %v", msg.Sender, msg.Receiver, err)
	}
}

func (s *Server) handleCommand(session *Session, msg *protocol.Message) {
	var response string

	switch msg.Content {
	case protocol.CmdOnlineUsers:
		users := s.sessions.OnlineUsers()
		if len(users) == 0 {
			response = protocol.NoUsersOnline
		} else {
			response = joinLines(users)
		}

	case protocol.CmdAllUsers:
		users, err := s.store.ListUsernames()
		if err != nil {
			s.log.Error("allUsers error: %v", err)
		}
		response = joinLines(users)

	case protocol.CmdChat:
		entries, err := s.store.DirectHistory(session.Username, msg.Receiver)
		if err != nil {
			s.log.Error("chat history error for %q and %q: %v", session.Username, msg.Receiver, err)
		}
		response = formatHistory(entries)

	case protocol.CmdGlobalChat:
		entries, err := s.store.BroadcastHistory()
		if err != nil {
			s.log.Error("global history error: %v", err)
		}
		response = formatHistory(entries)

	default:
		s.log.Debug("unknown command %q from %s", msg.Content, session.Username)
		response = "Unknown command: " + msg.Content + "\n"
	}

	s.reply(session, protocol.NewMessage(protocol.KindCommand, msg.Sender, msg.Receiver, response, session.Token))
}

// joinLines terminates every item with a newline.
func joinLines(items []string) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(item)
		b.WriteByte('\n')
	}
	return b.String()
}

func formatHistory(entries []models.HistoryEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Timestamp.UTC().Format(HistoryTimeLayout))
		b.WriteByte(' ')
		b.WriteString(e.Sender)
		b.WriteByte(' ')
		b.WriteString(e.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
