// Package idempotency provides IdempotencyStore implementations mapping
// caller-supplied request keys to the sequence numbers they produced, so
// retried append requests never create duplicate events.
package idempotency

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/colloquy/core"
)

// InMemoryStore is a volatile IdempotencyStore keeping records in a process
// local map. It is safe for concurrent access.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[core.IdempotencyKey]int64
}

// NewInMemoryStore constructs an empty in-memory idempotency store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[core.IdempotencyKey]int64)}
}

// Find implements core.IdempotencyStore.
func (s *InMemoryStore) Find(_ context.Context, key core.IdempotencyKey) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.records[key]
	return seq, ok, nil
}

// Record implements core.IdempotencyStore. Records are write-once: repeating
// a key with the same seq is a no-op, repeating it with a different seq is a
// programming error and fails loudly.
func (s *InMemoryStore) Record(_ context.Context, key core.IdempotencyKey, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[key]; ok {
		if existing == seq {
			return nil
		}
		return fmt.Errorf("idempotency key %+v already bound to seq %d, refusing rebind to %d", key, existing, seq)
	}
	s.records[key] = seq
	return nil
}
