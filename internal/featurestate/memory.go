package featurestate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and the seeder dry run.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	// FailPut makes Put fail, to exercise error paths.
	FailPut error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, name string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[normaliseName(name)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Put(_ context.Context, rec Record) (Record, error) {
	if s.FailPut != nil {
		return Record{}, s.FailPut
	}
	rec.Name = normaliseName(rec.Name)
	if rec.Name == "" || !rec.Status.Valid() {
		return Record{}, fmt.Errorf("featurestate: invalid record %q/%q", rec.Name, rec.Status)
	}
	if len(rec.Config) == 0 {
		rec.Config = []byte(`{}`)
	}
	rec.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Name] = rec
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
