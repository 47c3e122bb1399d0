// Package store persists desired segment state in SQLite.
//
// The store is the single source of truth for what should exist. The
// reconciler is its only writer and writes only after a segment driver has
// confirmed the external system matches the object. Objects are keyed by
// (kind, key) and serialized as JSON; every write is transactional so a
// concurrent reader never observes a half-written object.
//
// The pure-Go driver (modernc.org/sqlite) is used so the daemon
// cross-compiles for the appliance targets without CGO.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"piso.network/provisiond/internal/model"
)

// Store is a kind/key JSON object store with a change log.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	version uint64
	closed  bool
}

// Change records one mutation for diagnostics after restart.
type Change struct {
	ID        uint64    `json:"id"`
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	Op        string    `json:"op"` // "put" or "delete"
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Open opens (or creates) the store at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.loadVersion(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load version: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS objects (
			kind TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			version INTEGER NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (kind, key)
		);

		CREATE TABLE IF NOT EXISTS changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			key TEXT NOT NULL,
			op TEXT NOT NULL,
			version INTEGER NOT NULL,
			timestamp DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_changes_version ON changes(version);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) loadVersion() error {
	var version sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(version) FROM changes").Scan(&version); err != nil {
		return err
	}
	if version.Valid {
		s.version = uint64(version.Int64)
	}
	return nil
}

// Put stores v (JSON-marshaled) under (kind, key), replacing any previous
// value atomically.
func (s *Store) Put(kind model.Kind, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &model.StoreError{Op: "put", Cause: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &model.StoreError{Op: "put", Cause: fmt.Errorf("store is closed")}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return &model.StoreError{Op: "put", Cause: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	version := s.version + 1

	if _, err := tx.Exec(`
		INSERT INTO objects (kind, key, value, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, string(kind), key, data, version, now); err != nil {
		return &model.StoreError{Op: "put", Cause: err}
	}

	if _, err := tx.Exec(`
		INSERT INTO changes (kind, key, op, version, timestamp)
		VALUES (?, ?, 'put', ?, ?)
	`, string(kind), key, version, now); err != nil {
		return &model.StoreError{Op: "put", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return &model.StoreError{Op: "put", Cause: err}
	}
	s.version = version
	return nil
}

// Get unmarshals the object at (kind, key) into out. Returns
// model.ErrNotFound if absent.
func (s *Store) Get(kind model.Kind, key string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return &model.StoreError{Op: "get", Cause: fmt.Errorf("store is closed")}
	}

	var data []byte
	err := s.db.QueryRow(
		"SELECT value FROM objects WHERE kind = ? AND key = ?",
		string(kind), key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return model.ErrNotFound
	}
	if err != nil {
		return &model.StoreError{Op: "get", Cause: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &model.StoreError{Op: "get", Cause: err}
	}
	return nil
}

// Delete removes (kind, key). Returns model.ErrNotFound if absent.
func (s *Store) Delete(kind model.Kind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &model.StoreError{Op: "delete", Cause: fmt.Errorf("store is closed")}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return &model.StoreError{Op: "delete", Cause: err}
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"DELETE FROM objects WHERE kind = ? AND key = ?",
		string(kind), key,
	)
	if err != nil {
		return &model.StoreError{Op: "delete", Cause: err}
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return model.ErrNotFound
	}

	version := s.version + 1
	if _, err := tx.Exec(`
		INSERT INTO changes (kind, key, op, version, timestamp)
		VALUES (?, ?, 'delete', ?, ?)
	`, string(kind), key, version, time.Now().UTC()); err != nil {
		return &model.StoreError{Op: "delete", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return &model.StoreError{Op: "delete", Cause: err}
	}
	s.version = version
	return nil
}

// List returns the raw JSON of every object of a kind, keyed by key.
func (s *Store) List(kind model.Kind) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, &model.StoreError{Op: "list", Cause: fmt.Errorf("store is closed")}
	}

	rows, err := s.db.Query(
		"SELECT key, value FROM objects WHERE kind = ? ORDER BY key",
		string(kind),
	)
	if err != nil {
		return nil, &model.StoreError{Op: "list", Cause: err}
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, &model.StoreError{Op: "list", Cause: err}
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StoreError{Op: "list", Cause: err}
	}
	return result, nil
}

// ChangesSince returns changes newer than version, oldest first.
func (s *Store) ChangesSince(version uint64) ([]Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, kind, key, op, version, timestamp
		FROM changes WHERE version > ? ORDER BY version
	`, version)
	if err != nil {
		return nil, &model.StoreError{Op: "changes", Cause: err}
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.ID, &c.Kind, &c.Key, &c.Op, &c.Version, &c.Timestamp); err != nil {
			return nil, &model.StoreError{Op: "changes", Cause: err}
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// CurrentVersion returns the monotonic store version.
func (s *Store) CurrentVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// ListAs unmarshals every object of a kind into a slice of T.
func ListAs[T any](s *Store, kind model.Kind) ([]T, error) {
	raw, err := s.List(kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for key, data := range raw {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, &model.StoreError{Op: "list", Cause: fmt.Errorf("decode %s/%s: %w", kind, key, err)}
		}
		out = append(out, v)
	}
	return out, nil
}
