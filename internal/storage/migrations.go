package storage

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Migrate runs all database migrations
func Migrate(db *sqlx.DB) error {
	migrations := []string{
		createMessagesTable,
		createChannelsTable,
		createMentionsTable,
		createIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	// Handle message payload migration separately (check if column exists first)
	if err := migrateMessagePayload(db); err != nil {
		return fmt.Errorf("payload migration failed: %w", err)
	}

	return nil
}

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    network_id TEXT NOT NULL,
    channel TEXT NOT NULL COLLATE NOCASE,
    sender TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL DEFAULT '',
    message_type TEXT NOT NULL DEFAULT 'message',
    self BOOLEAN NOT NULL DEFAULT 0,
    highlight BOOLEAN NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const createChannelsTable = `
CREATE TABLE IF NOT EXISTS channels (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    network_id TEXT NOT NULL,
    name TEXT NOT NULL COLLATE NOCASE,
    key TEXT NOT NULL DEFAULT '',
    position INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP,
    UNIQUE(network_id, name)
);
`

const createMentionsTable = `
CREATE TABLE IF NOT EXISTS mentions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_name TEXT NOT NULL,
    network_id TEXT NOT NULL,
    channel TEXT NOT NULL COLLATE NOCASE,
    message_id INTEGER NOT NULL,
    sender TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL DEFAULT '',
    timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_messages_network_channel_time ON messages(network_id, channel, timestamp);
CREATE INDEX IF NOT EXISTS idx_channels_network_position ON channels(network_id, position);
CREATE INDEX IF NOT EXISTS idx_mentions_user ON mentions(user_name, network_id, channel);
`

// migrateMessagePayload adds the payload column to messages if it doesn't exist
func migrateMessagePayload(db *sqlx.DB) error {
	var columnExists int
	err := db.Get(&columnExists,
		"SELECT COUNT(*) FROM pragma_table_info('messages') WHERE name='payload'")
	if err != nil {
		return fmt.Errorf("failed to check for payload column: %w", err)
	}

	if columnExists == 0 {
		if _, err := db.Exec("ALTER TABLE messages ADD COLUMN payload TEXT"); err != nil {
			// Ignore "duplicate column" errors
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("failed to add payload column: %w", err)
			}
		}
	}

	return nil
}
