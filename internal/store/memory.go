package store

import (
	"context"
	"sync"
	"time"

	"compile-sandbox/internal/job"
)

type memoryEntry struct {
	rec       *job.Record
	expiresAt time.Time
}

// MemoryStore keeps records in process. Records are copied on the way in
// and out so callers never share a pointer with the map.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttls    TTLs
	now     func() time.Time
}

func NewMemoryStore(ttls TTLs) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttls:    ttls.normalize(),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, rec *job.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	s.entries[rec.ID] = memoryEntry{
		rec:       rec.Clone(),
		expiresAt: now.Add(Retention(rec.Status, s.ttls.Pending, s.ttls.Terminal)),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*job.Record, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok || !s.now().Before(e.expiresAt) {
		return nil, ErrNotFound
	}
	return e.rec.Clone(), nil
}

func (s *MemoryStore) UpdateResult(_ context.Context, id string, success bool, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[id]
	if !ok || !now.Before(e.expiresAt) {
		return nil
	}

	rec := e.rec.Clone()
	if err := rec.Complete(success, output); err != nil {
		return err
	}
	s.entries[id] = memoryEntry{rec: rec, expiresAt: now.Add(s.ttls.Terminal)}
	return nil
}

// Len returns the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, e := range s.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}
