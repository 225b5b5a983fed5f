package blob

import (
	"context"
	"sort"
	"sync"

	"github.com/hupe1980/colloquy/core"
)

// InMemoryStore is an in-process BlobStore for tests and single-process
// setups. Data is copied on save and retrieval to avoid accidental external
// mutation of internal buffers.
//
// Layout: conversation id -> blob name -> raw bytes
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[int64]map[string][]byte
}

// NewInMemoryStore returns an empty in-memory blob store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[int64]map[string][]byte)}
}

// Put stores (or overwrites) the blob bytes for the given conversation and
// name. The input slice is copied before storage.
func (s *InMemoryStore) Put(_ context.Context, conversation int64, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[conversation]; !exists {
		s.blobs[conversation] = make(map[string][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[conversation][name] = cp
	return nil
}

// Get returns a copy of the stored blob bytes or core.ErrNotFound.
func (s *InMemoryStore) Get(_ context.Context, conversation int64, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.blobs[conversation]
	if !ok {
		return nil, core.ErrNotFound
	}
	data, ok := m[name]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// List returns the blob names stored for the conversation, sorted. The slice
// is a snapshot and safe for caller mutation.
func (s *InMemoryStore) List(_ context.Context, conversation int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.blobs[conversation]
	if !ok {
		return []string{}, nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
