package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *StateStore {
	t.Helper()
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	return NewStateStore(client)
}

func TestStateStore_PutAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pinned := []byte(`{"session":{"id":"cs_1"},"legacy":false,"transaction_sent":true}`)

	// Get before put => nil
	result, err := store.Get(ctx, "session:pinned")
	assert.NoError(t, err)
	assert.Nil(t, result)

	require.NoError(t, store.Put(ctx, "session:pinned", pinned))

	result, err = store.Get(ctx, "session:pinned")
	require.NoError(t, err)
	assert.Equal(t, pinned, result)
}

func TestStateStore_Overwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "session:offset", []byte("evt_10")))
	require.NoError(t, store.Put(ctx, "session:offset", []byte("evt_11")))

	result, err := store.Get(ctx, "session:offset")
	require.NoError(t, err)
	assert.Equal(t, []byte("evt_11"), result)
}

func TestStateStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "session:pinned", []byte("x")))
	require.NoError(t, store.Delete(ctx, "session:pinned"))

	result, err := store.Get(ctx, "session:pinned")
	require.NoError(t, err)
	assert.Nil(t, result)

	// Deleting again is not an error.
	assert.NoError(t, store.Delete(ctx, "session:pinned"))
}

func TestStateStore_KeysAreNamespaced(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	store := NewStateStore(client)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "session:pinned", []byte("x")))
	assert.True(t, s.Exists("flexa:spend:session:pinned"))
}
