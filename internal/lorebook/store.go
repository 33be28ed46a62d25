package lorebook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"tavern/internal/logging"
	"tavern/internal/types"
)

// Store persists lorebook entries in SQLite and serves activation lookups.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if needed) the lorebook database at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Store("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Store("failed to set journal_mode=WAL: %v", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lorebook_entries (
		id           TEXT PRIMARY KEY,
		lorebook_id  TEXT NOT NULL,
		category     TEXT NOT NULL,
		name         TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		keywords     TEXT NOT NULL DEFAULT '[]',
		location     TEXT NOT NULL DEFAULT '',
		states       TEXT NOT NULL DEFAULT '[]',
		requirements TEXT NOT NULL DEFAULT '[]',
		completed    INTEGER NOT NULL DEFAULT 0,
		position     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_lorebook
		ON lorebook_entries(lorebook_id, position);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Add inserts an entry at the end of its lorebook. A generated id is
// assigned when the entry has none.
func (s *Store) Add(ctx context.Context, e Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	keywords, _ := json.Marshal(e.Keywords)
	states, _ := json.Marshal(e.States)
	requirements, _ := json.Marshal(e.Requirements)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lorebook_entries
		 (id, lorebook_id, category, name, content, keywords, location, states, requirements, completed, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		   (SELECT COALESCE(MAX(position), 0) + 1 FROM lorebook_entries WHERE lorebook_id = ?))`,
		e.ID, e.LorebookID, e.Category, e.Name, e.Content,
		string(keywords), e.Location, string(states), string(requirements),
		boolToInt(e.Completed), e.LorebookID)
	if err != nil {
		return "", fmt.Errorf("failed to add entry %q: %w", e.Name, err)
	}
	return e.ID, nil
}

// List returns a lorebook's entries in position order.
func (s *Store) List(ctx context.Context, lorebookID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lorebook_id, category, name, content, keywords, location, states, requirements, completed
		 FROM lorebook_entries WHERE lorebook_id = ? ORDER BY position ASC`, lorebookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var keywords, states, requirements string
		var completed int
		if err := rows.Scan(&e.ID, &e.LorebookID, &e.Category, &e.Name, &e.Content,
			&keywords, &e.Location, &states, &requirements, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		json.Unmarshal([]byte(keywords), &e.Keywords)
		json.Unmarshal([]byte(states), &e.States)
		json.Unmarshal([]byte(requirements), &e.Requirements)
		e.Completed = completed != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateStates replaces the state annotations of a character entry.
func (s *Store) UpdateStates(ctx context.Context, lorebookID, name string, states []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, _ := json.Marshal(states)
	res, err := s.db.ExecContext(ctx,
		`UPDATE lorebook_entries SET states = ? WHERE lorebook_id = ? AND name = ? AND category = ?`,
		string(data), lorebookID, name, types.CategoryCharacters)
	if err != nil {
		return fmt.Errorf("failed to update states for %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no character entry named %q", name)
	}
	return nil
}

// CompleteGoal marks a goal entry completed.
func (s *Store) CompleteGoal(ctx context.Context, lorebookID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE lorebook_entries SET completed = 1 WHERE lorebook_id = ? AND name = ? AND category = ?`,
		lorebookID, name, types.CategoryGoals)
	if err != nil {
		return fmt.Errorf("failed to complete goal %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no goal entry named %q", name)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Activator serves activation lookups against the store. It satisfies the
// pipeline's activation contract.
type Activator struct {
	store *Store
}

// NewActivator wraps a store for activation lookups.
func NewActivator(store *Store) *Activator {
	return &Activator{store: store}
}

// FindActiveEntries loads the lorebook and returns the entries relevant to
// the query, in entry order.
func (a *Activator) FindActiveEntries(ctx context.Context, lorebookID string, q Query) ([]types.ActiveEntry, error) {
	entries, err := a.store.List(ctx, lorebookID)
	if err != nil {
		return nil, err
	}
	active := FindActive(entries, q)
	logging.Activation("lorebook %s: %d/%d entries active", lorebookID, len(active), len(entries))
	return active, nil
}
