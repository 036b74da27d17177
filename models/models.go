package models

import "time"

type User struct {
	ID       int64
	Username string
	Password string // hashed
}

// HistoryEntry is one persisted chat line as returned by history queries.
type HistoryEntry struct {
	Sender    string
	Receiver  string // empty for broadcast rows
	Text      string
	Timestamp time.Time
}
