// Package store implements the durable message store and key-value storage
// on SQLite, with change notifications for realtime cache consumers.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"x402chat/internal/logging"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DefaultDriver is the pure-Go SQLite driver registered by modernc.org/sqlite.
const DefaultDriver = "sqlite"

// LocalStore persists conversations, messages and key-value items in SQLite.
//
// Tables:
//   - conversations: one row per conversation
//   - messages: ordered by created_at (unix nanos) then seq
//   - kv: string key/value pairs (active conversation id, drafts, return path)
//
// Every successful message write is fanned out to subscribers (see Subscribe).
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	driver string
	now    func() time.Time

	subsMu  sync.Mutex
	subs    map[int]chan Change
	nextSub int
	dropped int
	closed  bool
}

// NewLocalStore opens the database at path with the default driver.
func NewLocalStore(path string) (*LocalStore, error) {
	return Open(DefaultDriver, path)
}

// Open initializes the SQLite database at the given path using driver
// ("sqlite" for modernc.org/sqlite, "sqlite3" for github.com/mattn/go-sqlite3).
func Open(driver, path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if driver == "" {
		driver = DefaultDriver
	}
	logging.Store("Opening %s store at %s", driver, path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
	}

	s := &LocalStore{
		db:     db,
		dbPath: path,
		driver: driver,
		now:    time.Now,
		subs:   make(map[int]chan Change),
	}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		parts_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Driver returns the database/sql driver name in use.
func (s *LocalStore) Driver() string {
	return s.driver
}

// Close closes subscriber channels and the database.
func (s *LocalStore) Close() error {
	s.subsMu.Lock()
	if !s.closed {
		s.closed = true
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
	}
	s.subsMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
