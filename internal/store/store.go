// Package store provides a concurrency-safe, snapshot-backed entity store.
// Each entity kind gets its own Store instance with its own lock, so
// mutations to different kinds never block each other.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is the constraint for entities a Store can hold. The self-referential
// Clone lets the store hand out copies without reflection.
type Record[T any] interface {
	RecordID() string
	SetUpdatedAt(time.Time)
	Clone() T
}

// Store is an in-memory map of records persisted to a whole-file JSON
// snapshot after every mutation. The in-memory state is authoritative for the
// running process; snapshot write failures are logged and the mutation stands.
type Store[T Record[T]] struct {
	mu      sync.RWMutex
	kind    string
	path    string
	records map[string]T
	logger  *zap.Logger // optional; when set, logs snapshot problems
}

// Option configures a Store.
type Option func(*settings)

type settings struct {
	logger *zap.Logger
}

// WithLogger sets a logger for snapshot warnings.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// Open creates a store for one entity kind backed by the snapshot file at
// path. A missing snapshot starts the store empty; a corrupt or unreadable
// snapshot is logged as a warning and likewise degrades to empty rather than
// failing.
func Open[T Record[T]](kind, path string, opts ...Option) (*Store[T], error) {
	var set settings
	for _, opt := range opts {
		opt(&set)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}
	s := &Store[T]{
		kind:    kind,
		path:    path,
		records: make(map[string]T),
		logger:  set.logger,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && s.logger != nil {
			s.logger.Warn("snapshot unreadable, starting empty",
				zap.String("kind", kind), zap.String("path", path), zap.Error(err))
		}
		return s, nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		if s.logger != nil {
			s.logger.Warn("snapshot corrupt, starting empty",
				zap.String("kind", kind), zap.String("path", path), zap.Error(err))
		}
		s.records = make(map[string]T)
	}
	return s, nil
}

// Kind returns the entity kind this store holds.
func (s *Store[T]) Kind() string { return s.kind }

// Path returns the snapshot file path. The snapshot is exclusively owned by
// this store; other components may read it but never write it directly.
func (s *Store[T]) Path() string { return s.path }

// Get returns a copy of the record with the given id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		var zero T
		return zero, false
	}
	return rec.Clone(), true
}

// Upsert inserts or replaces the record, stamps updated_at, and writes the
// snapshot.
func (s *Store[T]) Upsert(rec T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec = rec.Clone()
	rec.SetUpdatedAt(time.Now().UTC())
	s.records[rec.RecordID()] = rec
	s.persistLocked()
}

// Delete removes the record and writes the snapshot. Returns whether the
// record existed.
func (s *Store[T]) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	s.persistLocked()
	return true
}

// ListAll returns copies of every record.
func (s *Store[T]) ListAll() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// Filter returns copies of the records matching pred.
func (s *Store[T]) Filter(pred func(T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []T
	for _, rec := range s.records {
		if pred(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Len returns the number of records.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Reload discards the in-memory state and rehydrates from the snapshot file.
// Used after an external restore of the snapshot (transaction rollback).
func (s *Store[T]) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make(map[string]T)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
		s.records = records
		return nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}
	s.records = records
	return nil
}

// persistLocked writes the snapshot via a temp file and rename, so readers
// of the snapshot file never observe a torn write. Failures are logged; the
// in-memory mutation stands.
func (s *Store[T]) persistLocked() {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		if s.logger != nil {
			s.logger.Error("snapshot marshal failed", zap.String("kind", s.kind), zap.Error(err))
		}
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		if s.logger != nil {
			s.logger.Error("snapshot write failed",
				zap.String("kind", s.kind), zap.String("path", s.path), zap.Error(err))
		}
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		if s.logger != nil {
			s.logger.Error("snapshot rename failed",
				zap.String("kind", s.kind), zap.String("path", s.path), zap.Error(err))
		}
	}
}
