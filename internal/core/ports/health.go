package ports

import "context"

// HealthChecker verifies connectivity of a storage backend before the SDK
// starts relying on it for the pinned-session pointer.
type HealthChecker interface {
	// Ping returns nil when the backend is reachable.
	Ping(ctx context.Context) error
	// Name identifies the backend (e.g. "redis", "postgresql").
	Name() string
}
