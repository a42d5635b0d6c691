package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/matt0x6f/cascade-relay/internal/state"
	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("storage is closed")

const insertMessage = `INSERT INTO messages (network_id, channel, sender, text, message_type, self, highlight, payload, timestamp)
	VALUES (:network_id, :channel, :sender, :text, :message_type, :self, :highlight, :payload, :timestamp)`

// Storage persists channel history, auto-join lists and mentions. It
// implements state.History.
type Storage struct {
	db            *sqlx.DB
	writeBuffer   chan Message
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closed        bool
	closedMu      sync.RWMutex
}

// NewStorage opens (or creates) the database and starts the flush loop
func NewStorage(dbPath string, bufferSize int, flushInterval time.Duration) (*Storage, error) {
	// Enable WAL mode for better concurrent writes
	db, err := sqlx.Connect("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection in WAL mode
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	storage := &Storage{
		db:            db,
		writeBuffer:   make(chan Message, bufferSize),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}

	storage.wg.Add(1)
	go storage.flushLoop()

	return storage, nil
}

func (s *Storage) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// Close flushes buffered messages and closes the database
func (s *Storage) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	s.closedMu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return s.db.Close()
}

// flushLoop periodically flushes the write buffer
func (s *Storage) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			// closing: write what is left and exit
			s.flushBuffer()
			return
		case <-ticker.C:
			s.flushBuffer()
		}
	}
}

// flushBuffer writes all buffered messages in one transaction
func (s *Storage) flushBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := make([]Message, 0, s.bufferSize)
	for {
		select {
		case msg := <-s.writeBuffer:
			messages = append(messages, msg)
			continue
		default:
		}
		break
	}
	if len(messages) == 0 {
		return
	}

	if _, err := s.db.NamedExec(insertMessage, messages); err != nil {
		logger.Log.Error().Err(err).Int("count", len(messages)).Msg("Error flushing messages")
	}
}

// WriteMessage queues a message for batch insertion
func (s *Storage) WriteMessage(msg Message) error {
	if s.isClosed() {
		return ErrClosed
	}

	select {
	case s.writeBuffer <- msg:
		return nil
	default:
		// Buffer full, flush immediately
		s.flushBuffer()
		select {
		case s.writeBuffer <- msg:
			return nil
		default:
			return fmt.Errorf("write buffer full and flush failed")
		}
	}
}

// Append records a channel log entry.
func (s *Storage) Append(networkID, channel string, msg state.Message) {
	record := Message{
		NetworkID:   networkID,
		Channel:     channel,
		Sender:      msg.From,
		Text:        msg.Text,
		MessageType: string(msg.Type),
		Self:        msg.Self,
		Highlight:   msg.Highlight,
		Timestamp:   msg.Time,
	}
	if len(msg.Payload) > 0 {
		if data, err := json.Marshal(msg.Payload); err == nil {
			record.Payload = sql.NullString{String: string(data), Valid: true}
		}
	}
	if err := s.WriteMessage(record); err != nil && !errors.Is(err, ErrClosed) {
		logger.Log.Warn().Err(err).Str("network", networkID).Str("channel", channel).Msg("Failed to store message")
	}
}

// GetMessages returns the newest limit messages of a channel, oldest first.
// Buffered messages are flushed first so they are included.
func (s *Storage) GetMessages(networkID, channel string, limit int) ([]Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	s.flushBuffer()

	var messages []Message
	err := s.db.Select(&messages,
		`SELECT * FROM messages
		 WHERE network_id = ? AND channel = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		networkID, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Load returns recent messages of a channel as log entries.
func (s *Storage) Load(networkID, channel string, limit int) ([]state.Message, error) {
	records, err := s.GetMessages(networkID, channel, limit)
	if err != nil {
		return nil, err
	}
	out := make([]state.Message, 0, len(records))
	for _, r := range records {
		m := state.Message{
			Time:      r.Timestamp,
			Type:      state.MessageType(r.MessageType),
			From:      r.Sender,
			Self:      r.Self,
			Highlight: r.Highlight,
			Text:      r.Text,
		}
		if r.Payload.Valid {
			if err := json.Unmarshal([]byte(r.Payload.String), &m.Payload); err != nil {
				logger.Log.Debug().Err(err).Int64("id", r.ID).Msg("Dropping unreadable message payload")
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteNetwork removes everything stored for a network
func (s *Storage) DeleteNetwork(networkID string) error {
	s.flushBuffer()
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"messages", "channels", "mentions"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE network_id = ?", networkID); err != nil {
			return fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// SaveChannels replaces a network's auto-join list
func (s *Storage) SaveChannels(networkID string, channels []Channel) error {
	if s.isClosed() {
		return ErrClosed
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM channels WHERE network_id = ?", networkID); err != nil {
		return fmt.Errorf("failed to clear channels: %w", err)
	}
	now := time.Now()
	for i, c := range channels {
		c.NetworkID = networkID
		c.Position = i
		c.CreatedAt = now
		_, err := tx.NamedExec(`INSERT INTO channels (network_id, name, key, position, created_at)
		                        VALUES (:network_id, :name, :key, :position, :created_at)`, c)
		if err != nil {
			return fmt.Errorf("failed to save channel %s: %w", c.Name, err)
		}
	}
	return tx.Commit()
}

// GetChannels retrieves a network's auto-join list in order
func (s *Storage) GetChannels(networkID string) ([]Channel, error) {
	var channels []Channel
	err := s.db.Select(&channels, "SELECT * FROM channels WHERE network_id = ? ORDER BY position, id", networkID)
	if err != nil {
		return nil, fmt.Errorf("failed to get channels: %w", err)
	}
	return channels, nil
}

// AddMention records a highlight for a user. MessageID is set to the stored
// row of the highlighted message, or 0 when that message was not stored.
func (s *Storage) AddMention(m *Mention) error {
	if s.isClosed() {
		return ErrClosed
	}
	// the message was queued just before its event, write it out to get its row
	s.flushBuffer()
	err := s.db.Get(&m.MessageID,
		`SELECT id FROM messages
		 WHERE network_id = ? AND channel = ? AND sender = ? AND text = ?
		 ORDER BY id DESC
		 LIMIT 1`,
		m.NetworkID, m.Channel, m.Sender, m.Text)
	if errors.Is(err, sql.ErrNoRows) {
		m.MessageID = 0
	} else if err != nil {
		return fmt.Errorf("failed to find mentioned message: %w", err)
	}

	result, err := s.db.NamedExec(`INSERT INTO mentions (user_name, network_id, channel, message_id, sender, text, timestamp)
	                               VALUES (:user_name, :network_id, :channel, :message_id, :sender, :text, :timestamp)`, m)
	if err != nil {
		return fmt.Errorf("failed to add mention: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get mention ID: %w", err)
	}
	m.ID = id
	return nil
}

// GetMentions retrieves a user's unread mentions, oldest first
func (s *Storage) GetMentions(userName string) ([]Mention, error) {
	var mentions []Mention
	err := s.db.Select(&mentions, "SELECT * FROM mentions WHERE user_name = ? ORDER BY timestamp, id", userName)
	if err != nil {
		return nil, fmt.Errorf("failed to get mentions: %w", err)
	}
	return mentions, nil
}

// PruneMentions drops a user's mentions for one channel and returns how many
// were removed
func (s *Storage) PruneMentions(userName, networkID, channel string) (int64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	result, err := s.db.Exec("DELETE FROM mentions WHERE user_name = ? AND network_id = ? AND channel = ?",
		userName, networkID, channel)
	if err != nil {
		return 0, fmt.Errorf("failed to prune mentions: %w", err)
	}
	return result.RowsAffected()
}
