// Package prefs persists the small flat settings mapping across process
// restarts. The whole mapping lives as one JSON document in a named slot of
// a sqlite database: read once at open, written back on every set.
package prefs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/syncstate/pkg/notify"
)

// StorageError wraps a durable read or write failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("preference storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Reporter is the user-visible surface for save failures, satisfied by
// *notify.Store.
type Reporter interface {
	Push(message string, severity notify.Severity) string
}

type Store struct {
	db       *sql.DB
	slot     string
	reporter Reporter

	mu     sync.Mutex
	values map[string]any
}

// Open loads the slot from the database at path, creating the schema when
// missing. A missing or corrupt slot never fails the open: stored values
// overlay the defaults field by field, and whatever cannot be decoded is
// simply absent.
func Open(path, slot string, defaults map[string]any, reporter Reporter) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS slots (
		name text not null primary key,
		content text
		)`,
	); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "init", Err: err}
	}

	values := make(map[string]any, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}

	var content string
	err = db.QueryRow(`SELECT content FROM slots WHERE name = ?`, slot).Scan(&content)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		_ = db.Close()
		return nil, &StorageError{Op: "load", Err: err}
	default:
		var stored map[string]any
		if err := json.Unmarshal([]byte(content), &stored); err != nil {
			slog.Warn("discarding corrupt preference slot", "slot", slot, "err", err)
		} else {
			for k, v := range stored {
				values[k] = v
			}
		}
	}

	return &Store{db: db, slot: slot, reporter: reporter, values: values}, nil
}

// Get returns the stored value for name, or def when it was never set.
func (s *Store) Get(name string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	if !ok {
		return def
	}
	return v
}

// Set updates the in-memory mapping and persists the whole document before
// returning. The mutex is held across the write so documents land in
// mutation order, a later Set can never be overwritten on disk by an
// earlier one. A write failure keeps the in-memory update, reports to the
// notification surface when one is attached, and returns a *StorageError.
func (s *Store) Set(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	content, err := json.Marshal(s.values)
	if err != nil {
		return s.saveFailed(&StorageError{Op: "encode", Err: err})
	}
	if _, err := s.db.Exec(
		`INSERT INTO slots (name, content) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET content = excluded.content`,
		s.slot, string(content),
	); err != nil {
		return s.saveFailed(&StorageError{Op: "save", Err: err})
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) saveFailed(serr *StorageError) error {
	slog.Error("failed to persist preferences", "slot", s.slot, "err", serr)
	if s.reporter != nil {
		s.reporter.Push("settings could not be saved", notify.SeverityError)
	}
	return serr
}
