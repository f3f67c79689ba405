package ports

import (
	"context"

	"flexa-spend-sdk/internal/core/domain"
)

// CreateSessionRequest holds validated input for starting a commerce session.
type CreateSessionRequest struct {
	BrandID string
	Amount  string
	AssetID string
}

// SessionAPI is the REST contract against the commerce session backend. Every
// call retries once on an authentication failure after refreshing the access
// token; other failures surface unchanged.
type SessionAPI interface {
	Create(ctx context.Context, req CreateSessionRequest) (*domain.CommerceSession, error)
	Get(ctx context.Context, id string) (*domain.CommerceSession, error)
	Close(ctx context.Context, id string) (*domain.CommerceSession, error)
	SetPaymentAsset(ctx context.Context, sessionID, assetID string) error
	Approve(ctx context.Context, sessionID string) error
}

// StateStore is the durable key-value slot backing the pinned-session pointer
// and the stream sync offset. Get returns nil, nil when the key is absent.
type StateStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// SessionRepository combines the REST session operations with the event stream
// subscription and the durable "current session" pointer.
type SessionRepository interface {
	Create(ctx context.Context, req CreateSessionRequest) (*domain.CommerceSession, error)
	Close(ctx context.Context, id string) (*domain.CommerceSession, error)
	SetPaymentAsset(ctx context.Context, sessionID, assetID string) error
	Approve(ctx context.Context, sessionID string) error

	// Watch opens (or reuses) the event-stream subscription and delivers decoded
	// events one at a time, in arrival order, on a background goroutine. The
	// caller marshals onto its own execution context.
	Watch(ctx context.Context, onEvent func(domain.SessionEvent)) error
	// StopWatching tears down the subscription. Idempotent; no events are
	// delivered after it returns.
	StopWatching()

	SetCurrent(ctx context.Context, session *domain.CommerceSession, legacy, transactionSent bool) error
	GetCurrent(ctx context.Context) (*domain.PinnedSession, error)
	ClearCurrent(ctx context.Context) error
}
