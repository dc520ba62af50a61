package quarantine

import (
	"context"
	"sort"
	"sync"

	"github.com/1sec-project/bastion/internal/core"
)

// MemoryStore keeps records in a mutex-guarded map. Records are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return core.NewError(core.KindStorageFailure, "quarantine.create", "duplicate record id "+rec.ID, nil)
	}
	s.records[rec.ID] = rec.clone()
	return nil
}

func (s *MemoryStore) Find(_ context.Context, c Criteria) ([]*Record, error) {
	s.mu.RLock()
	out := make([]*Record, 0)
	for _, r := range s.records {
		if c.Matches(r) {
			out = append(out, r.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return r.clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return core.ErrNotFound
	}
	s.records[rec.ID] = rec.clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.records = make(map[string]*Record)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
