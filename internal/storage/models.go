package storage

import (
	"database/sql"
	"time"
)

// Message is one stored channel log entry
type Message struct {
	ID          int64          `db:"id" json:"id"`
	NetworkID   string         `db:"network_id" json:"network_id"`
	Channel     string         `db:"channel" json:"channel"`
	Sender      string         `db:"sender" json:"sender"`
	Text        string         `db:"text" json:"text"`
	MessageType string         `db:"message_type" json:"message_type"` // 'message', 'notice', 'join', etc.
	Self        bool           `db:"self" json:"self"`
	Highlight   bool           `db:"highlight" json:"highlight"`
	Payload     sql.NullString `db:"payload" json:"-"` // JSON object
	Timestamp   time.Time      `db:"timestamp" json:"timestamp"`
}

// Channel is a channel kept in a network's auto-join list
type Channel struct {
	ID        int64      `db:"id" json:"id"`
	NetworkID string     `db:"network_id" json:"network_id"`
	Name      string     `db:"name" json:"name"`
	Key       string     `db:"key" json:"-"`
	Position  int        `db:"position" json:"position"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt *time.Time `db:"updated_at" json:"updated_at"`
}

// Mention is a highlight of a user's nick waiting to be read
type Mention struct {
	ID        int64     `db:"id" json:"id"`
	UserName  string    `db:"user_name" json:"-"`
	NetworkID string    `db:"network_id" json:"network"`
	Channel   string    `db:"channel" json:"channel"`
	MessageID int64     `db:"message_id" json:"msgId"`
	Sender    string    `db:"sender" json:"from"`
	Text      string    `db:"text" json:"text"`
	Timestamp time.Time `db:"timestamp" json:"time"`
}
