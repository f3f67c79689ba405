package service

import (
	"context"
	"encoding/json"
	"testing"

	"flexa-spend-sdk/internal/adapter/storage/memory"
	"flexa-spend-sdk/internal/core/domain"
	"flexa-spend-sdk/internal/core/ports"
	"flexa-spend-sdk/internal/core/ports/mocks"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// fakeStream is a hand-driven EventStream for exercising the watch path.
type fakeStream struct {
	listeners    map[string]func(ports.StreamEvent)
	connectedAt  string
	connects     int
	disconnects  int
	connectError error
}

func newFakeStream() *fakeStream {
	return &fakeStream{listeners: make(map[string]func(ports.StreamEvent))}
}

func (f *fakeStream) Connect(_ context.Context, lastEventID string) error {
	if f.connectError != nil {
		return f.connectError
	}
	f.connects++
	f.connectedAt = lastEventID
	return nil
}

func (f *fakeStream) Disconnect() { f.disconnects++ }

func (f *fakeStream) AddListener(eventType string, fn func(ports.StreamEvent)) {
	f.listeners[eventType] = fn
}

func (f *fakeStream) RemoveListener(eventType string) { delete(f.listeners, eventType) }

func (f *fakeStream) emit(ev ports.StreamEvent) {
	if fn := f.listeners[ev.Type]; fn != nil {
		fn(ev)
	}
}

func newSessionService(t *testing.T, stream ports.EventStream, sealer ports.Sealer) (*SessionService, *mocks.MockSessionAPI, ports.StateStore) {
	t.Helper()
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSessionAPI(ctrl)
	store := memory.NewStateStore()
	return NewSessionService(api, store, stream, sealer, zerolog.Nop()), api, store
}

func TestSessionService_PinnedPointerRoundTrip(t *testing.T) {
	svc, _, _ := newSessionService(t, newFakeStream(), nil)
	ctx := context.Background()

	pinned, err := svc.GetCurrent(ctx)
	require.NoError(t, err)
	assert.Nil(t, pinned)

	session := &domain.CommerceSession{ID: "cs_1", Status: domain.SessionStatusRequiresTransaction}
	require.NoError(t, svc.SetCurrent(ctx, session, true, true))

	pinned, err = svc.GetCurrent(ctx)
	require.NoError(t, err)
	require.NotNil(t, pinned)
	assert.Equal(t, "cs_1", pinned.Session.ID)
	assert.True(t, pinned.Legacy)
	assert.True(t, pinned.TransactionSent)

	require.NoError(t, svc.ClearCurrent(ctx))
	pinned, err = svc.GetCurrent(ctx)
	require.NoError(t, err)
	assert.Nil(t, pinned)
}

func TestSessionService_PinnedPointerSealed(t *testing.T) {
	ks, err := NewKeystore("pass")
	require.NoError(t, err)
	svc, _, store := newSessionService(t, newFakeStream(), ks)
	ctx := context.Background()

	session := &domain.CommerceSession{ID: "cs_1", Status: domain.SessionStatusCreated}
	require.NoError(t, svc.SetCurrent(ctx, session, false, false))

	raw, err := store.Get(ctx, "session:pinned")
	require.NoError(t, err)
	assert.False(t, json.Valid(raw), "stored blob must be ciphertext")

	pinned, err := svc.GetCurrent(ctx)
	require.NoError(t, err)
	require.NotNil(t, pinned)
	assert.Equal(t, "cs_1", pinned.Session.ID)
}

func TestSessionService_GetCurrentCorruptBlob(t *testing.T) {
	ks, err := NewKeystore("pass")
	require.NoError(t, err)
	svc, _, store := newSessionService(t, newFakeStream(), ks)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "session:pinned", []byte("garbage")))
	_, err = svc.GetCurrent(ctx)
	assert.Error(t, err)
}

func TestSessionService_WatchDecodesAndTracksOffset(t *testing.T) {
	stream := newFakeStream()
	svc, _, store := newSessionService(t, stream, nil)
	ctx := context.Background()

	var got []domain.SessionEvent
	require.NoError(t, svc.Watch(ctx, func(ev domain.SessionEvent) { got = append(got, ev) }))
	assert.Equal(t, "", stream.connectedAt)

	stream.emit(ports.StreamEvent{
		ID:   "evt_1",
		Type: domain.StreamEventUpdated,
		Data: []byte(`{"id":"cs_1","status":"requires_transaction"}`),
	})
	stream.emit(ports.StreamEvent{
		ID:   "evt_2",
		Type: domain.StreamEventClosed,
		Data: []byte(`{"commerce_session_id":"cs_1"}`),
	})

	require.Len(t, got, 2)
	assert.Equal(t, domain.EventRequiresTransaction, got[0].Kind)
	assert.Equal(t, domain.EventClosed, got[1].Kind)
	assert.Equal(t, "cs_1", got[1].SessionID)

	offset, err := store.Get(ctx, "session:offset")
	require.NoError(t, err)
	assert.Equal(t, "evt_2", string(offset))
}

func TestSessionService_WatchResumesFromStoredOffset(t *testing.T) {
	stream := newFakeStream()
	svc, _, store := newSessionService(t, stream, nil)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "session:offset", []byte("evt_9")))
	require.NoError(t, svc.Watch(ctx, func(domain.SessionEvent) {}))
	assert.Equal(t, "evt_9", stream.connectedAt)
}

func TestSessionService_WatchDropsUndecodableEvents(t *testing.T) {
	stream := newFakeStream()
	svc, _, _ := newSessionService(t, stream, nil)

	var got []domain.SessionEvent
	require.NoError(t, svc.Watch(context.Background(), func(ev domain.SessionEvent) { got = append(got, ev) }))

	stream.emit(ports.StreamEvent{ID: "evt_1", Type: domain.StreamEventUpdated, Data: []byte(`not json`)})
	assert.Empty(t, got)
}

func TestSessionService_WatchIsIdempotent(t *testing.T) {
	stream := newFakeStream()
	svc, _, _ := newSessionService(t, stream, nil)
	ctx := context.Background()

	require.NoError(t, svc.Watch(ctx, func(domain.SessionEvent) {}))
	require.NoError(t, svc.Watch(ctx, func(domain.SessionEvent) {}))
	assert.Equal(t, 1, stream.connects)

	svc.StopWatching()
	svc.StopWatching()
	assert.Equal(t, 1, stream.disconnects)
	assert.Empty(t, stream.listeners)
}

func TestSessionService_ClearCurrentKeepsOffset(t *testing.T) {
	svc, _, store := newSessionService(t, newFakeStream(), nil)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "session:offset", []byte("evt_3")))
	require.NoError(t, svc.SetCurrent(ctx, &domain.CommerceSession{ID: "cs_1"}, false, false))
	require.NoError(t, svc.ClearCurrent(ctx))

	offset, err := store.Get(ctx, "session:offset")
	require.NoError(t, err)
	assert.Equal(t, "evt_3", string(offset))
}
