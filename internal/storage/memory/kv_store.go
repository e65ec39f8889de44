// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

type kvEntry struct {
	value []byte
	meta  map[string]string
}

// KVStore keeps persisted values in a map.
type KVStore struct {
	mu   sync.RWMutex
	data map[string]kvEntry
}

// NewKVStore creates a new in-memory key-value store.
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]kvEntry)}
}

// Put stores a copy of value and meta under key.
func (s *KVStore) Put(_ context.Context, key string, value []byte, meta map[string]string) error {
	if key == "" {
		return fmt.Errorf("put: empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = kvEntry{
		value: append([]byte(nil), value...),
		meta:  maps.Clone(meta),
	}
	return nil
}

// Get returns a copy of the value stored under key.
func (s *KVStore) Get(_ context.Context, key string) ([]byte, map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[key]
	if !ok {
		return nil, nil, fmt.Errorf("get %q: %w", key, leaderboard.ErrNotFound)
	}
	return append([]byte(nil), entry.value...), maps.Clone(entry.meta), nil
}

// Keys lists stored keys (unordered).
func (s *KVStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}
