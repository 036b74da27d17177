package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var ErrUserExists = errors.New("user already exists")

type DB struct {
	conn     *sql.DB
	hashCost int
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, hashCost: bcrypt.DefaultCost}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS direct_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL REFERENCES users(id),
			receiver_id INTEGER NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS broadcast_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_direct_pair ON direct_messages(sender_id, receiver_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_broadcast_timestamp ON broadcast_messages(timestamp)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// SetHashCost sets the bcrypt cost for passwords stored from now on.
// Verifying a password costs what its stored hash was made with.
func (db *DB) SetHashCost(cost int) error {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	db.hashCost = cost
	return nil
}

// User methods
func (db *DB) CreateUser(username, password string) error {
	exists, err := db.UserExists(username)
	if err != nil {
		return err
	}
	if exists {
		return ErrUserExists
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), db.hashCost)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec("INSERT INTO users (username, password) VALUES (?, ?)", username, string(hashed))
	return err
}

// GetUser loads a user row, or nil when username is not registered.
func (db *DB) GetUser(username string) (*models.User, error) {
	user := &models.User{}
	err := db.conn.QueryRow("SELECT id, username, password FROM users WHERE username = ?", username).
		Scan(&user.ID, &user.Username, &user.Password)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate checks the password of username and returns the user id on
// a match.
func (db *DB) Authenticate(username, password string) (int64, bool, error) {
	user, err := db.GetUser(username)
	if err != nil || user == nil {
		return 0, false, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return 0, false, nil
	}
	return user.ID, true, nil
}

// UserID resolves a username to its id.
func (db *DB) UserID(username string) (int64, bool, error) {
	var id int64
	err := db.conn.QueryRow("SELECT id FROM users WHERE username = ?", username).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (db *DB) UserExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListUsernames returns every registered username in lexical order.
func (db *DB) ListUsernames() ([]string, error) {
	rows, err := db.conn.Query("SELECT username FROM users ORDER BY username ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// Message methods
func (db *DB) SaveDirectMessage(senderID, receiverID int64, text string, timestamp time.Time) error {
	_, err := db.conn.Exec(
		"INSERT INTO direct_messages (sender_id, receiver_id, content, timestamp) VALUES (?, ?, ?, ?)",
		senderID, receiverID, text, timestamp.UnixMilli(),
	)
	return err
}

func (db *DB) SaveBroadcastMessage(senderID int64, text string, timestamp time.Time) error {
	_, err := db.conn.Exec(
		"INSERT INTO broadcast_messages (sender_id, content, timestamp) VALUES (?, ?, ?)",
		senderID, text, timestamp.UnixMilli(),
	)
	return err
}

// DirectHistory returns the messages exchanged between userA and userB in
// both directions, oldest first.
func (db *DB) DirectHistory(userA, userB string) ([]models.HistoryEntry, error) {
	query := `
		SELECT s.username, r.username, m.content, m.timestamp
		FROM direct_messages m
		JOIN users s ON s.id = m.sender_id
		JOIN users r ON r.id = m.receiver_id
		WHERE (s.username = ? AND r.username = ?) OR (s.username = ? AND r.username = ?)
		ORDER BY m.timestamp ASC, m.id ASC
	`

	rows, err := db.conn.Query(query, userA, userB, userB, userA)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var ms int64
		if err := rows.Scan(&e.Sender, &e.Receiver, &e.Text, &ms); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ms)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// BroadcastHistory returns every broadcast message, oldest first.
func (db *DB) BroadcastHistory() ([]models.HistoryEntry, error) {
	query := `
		SELECT s.username, m.content, m.timestamp
		FROM broadcast_messages m
		JOIN users s ON s.id = m.sender_id
		ORDER BY m.timestamp ASC, m.id ASC
	`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var ms int64
		if err := rows.Scan(&e.Sender, &e.Text, &ms); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ms)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
