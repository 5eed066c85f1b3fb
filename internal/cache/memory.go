package cache

import (
	"context"
	"sync"
	"time"
)

type memoryKey struct {
	tenantID string
	query    string
	kind     string
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[memoryKey]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[memoryKey]*Entry)}
}

func (s *MemoryStore) Lookup(_ context.Context, tenantID, rawQuery, kind string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[memoryKey{tenantID, Normalize(rawQuery), kind}]
	if !ok {
		return nil, ErrMiss
	}
	e.AccessCount++
	e.LastAccessedAt = time.Now()
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Store(_ context.Context, tenantID, rawQuery, kind string, payload []byte, count int, state State) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{tenantID, Normalize(rawQuery), kind}
	now := time.Now()

	e, ok := s.entries[key]
	if !ok {
		e = &Entry{
			TenantID:    tenantID,
			Query:       key.query,
			Kind:        kind,
			FirstSeenAt: now,
		}
		s.entries[key] = e
	}
	e.AccessCount++
	e.Payload = payload
	e.ResultCount = count
	e.State = state
	e.LastAccessedAt = now

	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Sweep(_ context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var removed int64
	for key, e := range s.entries {
		if e.LastAccessedAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of live entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
