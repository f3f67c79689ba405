package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every SDK key so the store can share a Redis instance
// with the host application.
const keyPrefix = "flexa:spend:"

// StateStore implements ports.StateStore on Redis. Values persist without TTL:
// the pinned-session pointer must survive until the flow clears it.
type StateStore struct {
	client *goredis.Client
	prefix string
}

// NewStateStore creates a Redis-backed state store.
func NewStateStore(client *goredis.Client) *StateStore {
	return &StateStore{
		client: client,
		prefix: keyPrefix,
	}
}

// Put stores a value under the key, overwriting any previous value.
func (s *StateStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis state put: %w", err)
	}
	return nil
}

// Get retrieves a value by key. Returns nil, nil if the key does not exist.
func (s *StateStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis state get: %w", err)
	}
	return val, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis state delete: %w", err)
	}
	return nil
}
