// Package store is the durable key-value storage behind the extension
// surfaces: credentials, the extracted event list, settings and the
// persisted extraction state all live in one SQLite table as JSON values.
//
// Every write replaces the whole value of a key and notifies watchers with
// the old and new values. There is no transactional isolation between
// writers; the last write wins.
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

	_ "modernc.org/sqlite"

	appLog "ezcal/internal/log"
)

// Change describes one write. Old is nil when the key did not exist; New is
// nil when the key was deleted.
type Change struct {
	Key string
	Old json.RawMessage
	New json.RawMessage
}

// Store is a SQLite-backed key-value store.
type Store struct {
	db *sql.DB

	// wmu serializes writes so that Change.Old is the value each write
	// actually replaced.
	wmu sync.Mutex

	mu       sync.Mutex
	watchers map[int]func(Change)
	nextID   int
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. Pass ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// One connection: in-memory databases are per connection, and the
	// workload is a handful of small writes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma %q: %w", p, err)
		}
	}

	version, err := runMigrations(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	appLog.Debug("store opened", "path", path, "schema_version", version)

	return &Store{db: db, watchers: make(map[int]func(Change))}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Watch registers fn to be called after every successful write. Callbacks
// run synchronously on the writing goroutine, in no particular order, and
// may themselves write. The returned func removes the watcher.
func (s *Store) Watch(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// GetRaw returns the stored JSON for key, or nil when it is absent.
func (s *Store) GetRaw(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// Get decodes the value of key into v. It reports false, leaving v
// untouched, when the key is absent.
func (s *Store) Get(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.GetRaw(ctx, key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

// Set replaces the value of key with the JSON encoding of v.
func (s *Store) Set(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}

	s.wmu.Lock()
	old, err := s.GetRaw(ctx, key)
	if err != nil {
		s.wmu.Unlock()
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(b), time.Now().UTC().Format(time.RFC3339Nano))
	s.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}

	s.notify(Change{Key: key, Old: old, New: json.RawMessage(b)})
	return nil
}

// Delete removes key. Deleting an absent key is not an error and does not
// notify.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.wmu.Lock()
	old, err := s.GetRaw(ctx, key)
	if err != nil {
		s.wmu.Unlock()
		return err
	}
	if old == nil {
		s.wmu.Unlock()
		return nil
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	s.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}

	s.notify(Change{Key: key, Old: old})
	return nil
}
