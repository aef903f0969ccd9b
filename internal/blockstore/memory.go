package blockstore

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/ingestor/internal/metrics"
)

// MemoryStore is the in-process cache implementation of Store. A secondary
// index from block height to keys keeps rollback cost proportional to the
// number of affected entries. Rollback holds the write lock for its full
// duration, so no Set can interleave with the prune.
type MemoryStore struct {
	name string

	mu       sync.RWMutex
	entries  map[string]*Entry
	byHeight map[uint64]map[string]struct{}
}

// NewMemoryStore creates an empty store with the given instance name.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:     name,
		entries:  make(map[string]*Entry),
		byHeight: make(map[uint64]map[string]struct{}),
	}
}

func (s *MemoryStore) Name() string { return s.name }

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, blockHeight uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.unindex(old.BlockHeight, key)
	}

	s.entries[key] = &Entry{
		Key:         key,
		Value:       value,
		BlockHeight: blockHeight,
		WrittenAt:   time.Now(),
	}
	keys, ok := s.byHeight[blockHeight]
	if !ok {
		keys = make(map[string]struct{})
		s.byHeight[blockHeight] = keys
	}
	keys[key] = struct{}{}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		s.unindex(e.BlockHeight, key)
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) RollbackToBlock(ctx context.Context, height uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for h, keys := range s.byHeight {
		if h <= height {
			continue
		}
		for key := range keys {
			delete(s.entries, key)
			deleted++
		}
		delete(s.byHeight, h)
	}

	metrics.RollbackEntriesDeleted.WithLabelValues(s.name).Add(float64(deleted))
	return deleted, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// unindex removes key from the height index. Caller must hold the write lock.
func (s *MemoryStore) unindex(height uint64, key string) {
	if keys, ok := s.byHeight[height]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.byHeight, height)
		}
	}
}
