// Package store persists conversations in SQLite: one row per conversation
// carrying scene metadata (current location, player traits), plus an
// append-only message log. Writes to one conversation are serialized by the
// store; the pipeline appends at most one message at a time per turn.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tavern/internal/logging"
	"tavern/internal/types"
)

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("conversation not found")

// Metadata is the scene state attached to a conversation.
type Metadata struct {
	CurrentLocation string   `json:"current_location"`
	Traits          []string `json:"traits"`
}

// Conversation is a loaded conversation with its full message history in
// append order.
type Conversation struct {
	ID       string
	Title    string
	Metadata Metadata
	Messages []types.ChatMessage
}

// ConversationStore is the SQLite-backed conversation store.
type ConversationStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewConversationStore opens (creating if needed) the database at path.
func NewConversationStore(path string) (*ConversationStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Store("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Store("failed to set journal_mode=WAL: %v", err)
	}

	s := &ConversationStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("conversation store opened at %s", path)
	return s, nil
}

func (s *ConversationStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id               TEXT PRIMARY KEY,
		title            TEXT NOT NULL DEFAULT '',
		current_location TEXT NOT NULL DEFAULT '',
		traits           TEXT NOT NULL DEFAULT '[]',
		created_at       TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		seq             INTEGER NOT NULL,
		role            TEXT NOT NULL,
		source          TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, seq);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Create inserts a new conversation.
func (s *ConversationStore) Create(ctx context.Context, id, title string, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	traits, err := json.Marshal(meta.Traits)
	if err != nil {
		return fmt.Errorf("failed to encode traits: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, current_location, traits, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, title, meta.CurrentLocation, string(traits), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create conversation %q: %w", id, err)
	}
	logging.Store("created conversation %s", id)
	return nil
}

// Load returns the conversation with its messages in append order, or
// ErrNotFound.
func (s *ConversationStore) Load(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conv Conversation
	var traitsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, current_location, traits FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &conv.Metadata.CurrentLocation, &traitsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(traitsJSON), &conv.Metadata.Traits); err != nil {
		return nil, fmt.Errorf("corrupt traits for conversation %q: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, source, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for %q: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m types.ChatMessage
		if err := rows.Scan(&m.ID, &m.Role, &m.Source, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return &conv, nil
}

// Append adds one message to the conversation's log, assigning the next
// sequence number.
func (s *ConversationStore) Append(ctx context.Context, conversationID string, msg types.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check conversation %q: %w", conversationID, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, source, content, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?, ?)`,
		msg.ID, conversationID, conversationID, msg.Role, msg.Source, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message to %q: %w", conversationID, err)
	}
	return nil
}

// SetLocation updates the conversation's current location. Used by the
// extractor's world-mutation tools.
func (s *ConversationStore) SetLocation(ctx context.Context, conversationID, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET current_location = ? WHERE id = ?`, location, conversationID)
	if err != nil {
		return fmt.Errorf("failed to set location for %q: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	return nil
}

// Close closes the underlying database.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}
