package ports

import (
	"context"
	"time"

	"flexa-spend-sdk/internal/core/domain"
	"flexa-spend-sdk/pkg/apperror"
)

// StreamEvent is one decoded server-sent event as delivered by the transport.
type StreamEvent struct {
	ID    string
	Type  string
	Data  []byte
	Retry time.Duration
}

// EventStream is the long-lived event transport. Connect resumes from
// lastEventID when non-empty; listeners receive events for their registered
// type in arrival order. Disconnect is idempotent and guarantees no listener
// invocation after it returns.
type EventStream interface {
	Connect(ctx context.Context, lastEventID string) error
	Disconnect()
	AddListener(eventType string, fn func(StreamEvent))
	RemoveListener(eventType string)
}

// TransactionSigner is the host-supplied callback that signs and broadcasts a
// blockchain transaction. The flow invokes it at most once per accepted send
// and never awaits broadcast confirmation.
type TransactionSigner interface {
	Sign(req domain.TransactionRequest) error
}

// TokenProvider supplies bearer tokens for the backend. Token returns a cached
// credential, refreshing when expired; Refresh forces a new one (used after a
// 401 response).
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Sealer encrypts persisted state at rest before it reaches a StateStore.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// FlowState is the local payment flow state, mirroring the session lifecycle
// plus local UI intent.
type FlowState int

const (
	FlowLoading FlowState = iota
	FlowAccountsLoaded
	FlowSessionCreated
	FlowRequiresAmount
	FlowRequiresTransaction
	FlowRequiresApproval
	FlowTransactionSent
	FlowCompleted
)

// String returns the flow state name for logging.
func (s FlowState) String() string {
	switch s {
	case FlowLoading:
		return "loading"
	case FlowAccountsLoaded:
		return "accounts_loaded"
	case FlowSessionCreated:
		return "session_created"
	case FlowRequiresAmount:
		return "requires_amount"
	case FlowRequiresTransaction:
		return "requires_transaction"
	case FlowRequiresApproval:
		return "requires_approval"
	case FlowTransactionSent:
		return "transaction_sent"
	case FlowCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// FlowListener receives state-change notifications from the payment flow. All
// callbacks fire on the flow's owner goroutine; implementations must not call
// back into the flow synchronously.
type FlowListener interface {
	// OnStateChange fires on every local state transition. session may be nil
	// after teardown.
	OnStateChange(state FlowState, session *domain.CommerceSession)
	// OnError surfaces a displayable error. The flow state does not regress.
	OnError(err *apperror.AppError)
	// OnPaymentCompleted fires once when the session completes.
	OnPaymentCompleted(session *domain.CommerceSession)
	// OnDismiss fires after the post-completion display delay in the
	// non-legacy flow.
	OnDismiss()
}
