package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// StateStore implements ports.StateStore on PostgreSQL, for host apps that are
// themselves servers (POS deployments) rather than single-user processes.
//
// Expected schema:
//
//	CREATE TABLE sdk_state (
//	    key        TEXT PRIMARY KEY,
//	    value      BYTEA NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type StateStore struct {
	pool Pool
}

// NewStateStore creates a PostgreSQL-backed state store.
func NewStateStore(pool Pool) *StateStore {
	return &StateStore{pool: pool}
}

// Put upserts a value under the key.
func (s *StateStore) Put(ctx context.Context, key string, value []byte) error {
	query := `INSERT INTO sdk_state (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("upsert sdk state: %w", err)
	}
	return nil
}

// Get fetches a value by key. Returns nil, nil if the key does not exist.
func (s *StateStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT value FROM sdk_state WHERE key = $1`

	var value []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sdk state: %w", err)
	}
	return value, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	query := `DELETE FROM sdk_state WHERE key = $1`

	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("delete sdk state: %w", err)
	}
	return nil
}
