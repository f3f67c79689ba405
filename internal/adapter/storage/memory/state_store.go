package memory

import (
	"context"
	"sync"
)

// StateStore implements ports.StateStore in process memory. It backs the
// default storage configuration and the test suites; nothing survives a
// process restart.
type StateStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewStateStore creates an empty in-memory state store.
func NewStateStore() *StateStore {
	return &StateStore{values: make(map[string][]byte)}
}

// Put stores a copy of value under the key.
func (s *StateStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

// Get retrieves a copy of the value. Returns nil, nil if the key is absent.
func (s *StateStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *StateStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
