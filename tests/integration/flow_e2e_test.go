package integration

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"flexa-spend-sdk/config"
	"flexa-spend-sdk/internal/adapter/api"
	"flexa-spend-sdk/internal/adapter/sse"
	"flexa-spend-sdk/internal/adapter/storage/memory"
	"flexa-spend-sdk/internal/core/domain"
	"flexa-spend-sdk/internal/core/ports"
	"flexa-spend-sdk/internal/service"
	"flexa-spend-sdk/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const e2eWait = 5 * time.Second

type recordingListener struct {
	states    chan ports.FlowState
	errors    chan *apperror.AppError
	completed chan *domain.CommerceSession
	dismissed chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		states:    make(chan ports.FlowState, 32),
		errors:    make(chan *apperror.AppError, 8),
		completed: make(chan *domain.CommerceSession, 4),
		dismissed: make(chan struct{}, 4),
	}
}

func (l *recordingListener) OnStateChange(state ports.FlowState, _ *domain.CommerceSession) {
	l.states <- state
}
func (l *recordingListener) OnError(err *apperror.AppError)                { l.errors <- err }
func (l *recordingListener) OnPaymentCompleted(s *domain.CommerceSession) { l.completed <- s }
func (l *recordingListener) OnDismiss()                                   { l.dismissed <- struct{}{} }

// waitFor drains state notifications until the wanted one arrives.
func (l *recordingListener) waitFor(t *testing.T, want ports.FlowState) {
	t.Helper()
	deadline := time.After(e2eWait)
	for {
		select {
		case state := <-l.states:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

type captureSigner struct {
	requests chan domain.TransactionRequest
}

func (s *captureSigner) Sign(req domain.TransactionRequest) error {
	s.requests <- req
	return nil
}

type sdkStack struct {
	backend  *fakeBackend
	store    ports.StateStore
	sessions *service.SessionService
	flow     *service.PaymentFlow
	listener *recordingListener
	signer   *captureSigner
}

// newSDKStack wires the full client stack against a fake backend: token
// service, REST client, SSE stream, session service, payment flow.
func newSDKStack(t *testing.T, backend *fakeBackend, store ports.StateStore) *sdkStack {
	t.Helper()
	srv := httptest.NewServer(backend.Router())
	t.Cleanup(srv.Close)

	apiCfg := config.APIConfig{BaseURL: srv.URL, PublishableKey: "pk_integration", Timeout: 5 * time.Second}
	streamCfg := config.StreamConfig{Path: "/events", IdleTimeout: time.Minute, ReconnectBackoff: 50 * time.Millisecond, MaxReconnects: 3}
	flowCfg := config.FlowConfig{AutoDismissDelay: 30 * time.Millisecond, AssetRetryDelay: 20 * time.Millisecond}

	log := zerolog.Nop()
	tokens := service.NewTokenService(apiCfg, log)
	client := api.NewClient(apiCfg, tokens, log)
	stream := sse.NewStream(srv.URL, streamCfg, tokens, log)
	sessions := service.NewSessionService(client, store, stream, nil, log)

	listener := newRecordingListener()
	signer := &captureSigner{requests: make(chan domain.TransactionRequest, 4)}
	flow := service.NewPaymentFlow(sessions, signer, listener, flowCfg, log)
	t.Cleanup(flow.Close)

	return &sdkStack{
		backend:  backend,
		store:    store,
		sessions: sessions,
		flow:     flow,
		listener: listener,
		signer:   signer,
	}
}

func demoAccounts() []domain.Account {
	return []domain.Account{
		{ID: "acct_main", Name: "Main Wallet", Assets: []domain.AvailableAsset{
			{AssetID: "usdc", Symbol: "USDC", Balance: "500.00"},
			{AssetID: "eth", Symbol: "ETH", Balance: "2.0"},
		}},
	}
}

func TestEndToEnd_PaymentLifecycle(t *testing.T) {
	stack := newSDKStack(t, newFakeBackend(), memory.NewStateStore())
	require.NoError(t, stack.flow.Start(context.Background(), demoAccounts(), domain.SelectedAsset{AccountID: "acct_main", AssetID: "usdc"}))

	stack.flow.CreateSession(ports.CreateSessionRequest{BrandID: "brand_1", Amount: "10.00", AssetID: "usd"}, false)
	stack.listener.waitFor(t, ports.FlowSessionCreated)

	sessionID := stack.flow.Snapshot().Session.ID
	stack.backend.requireTransaction(sessionID, &domain.RequestedTransaction{
		ID:          "tx_1",
		Destination: "0xmerchant",
		Amount:      "9.99",
		Asset:       "usdc",
		Fee:         &domain.Fee{Amount: "0.01", Asset: "usdc"},
	})
	stack.listener.waitFor(t, ports.FlowRequiresTransaction)

	stack.flow.SendTransaction()
	select {
	case req := <-stack.signer.requests:
		assert.Equal(t, sessionID, req.SessionID)
		assert.Equal(t, "acct_main", req.AccountID)
		assert.Equal(t, "usdc", req.AssetID)
		assert.Equal(t, "0xmerchant", req.Destination)
	case <-time.After(e2eWait):
		t.Fatal("signing callback never fired")
	}
	stack.listener.waitFor(t, ports.FlowTransactionSent)

	// The pointer survives with the sent flag so a relaunch will not re-sign.
	require.Eventually(t, func() bool {
		pinned, err := stack.sessions.GetCurrent(context.Background())
		return err == nil && pinned != nil && pinned.TransactionSent
	}, e2eWait, 20*time.Millisecond)

	stack.backend.complete(sessionID)
	select {
	case session := <-stack.listener.completed:
		assert.Equal(t, sessionID, session.ID)
	case <-time.After(e2eWait):
		t.Fatal("completion never delivered")
	}
	select {
	case <-stack.listener.dismissed:
	case <-time.After(e2eWait):
		t.Fatal("auto-dismiss never fired")
	}

	require.Eventually(t, func() bool {
		pinned, err := stack.sessions.GetCurrent(context.Background())
		return err == nil && pinned == nil
	}, e2eWait, 20*time.Millisecond, "completion clears the pinned pointer")
}

func TestEndToEnd_AssetRejectionFallsBack(t *testing.T) {
	backend := newFakeBackend()
	backend.rejectAsset("eth")
	stack := newSDKStack(t, backend, memory.NewStateStore())
	require.NoError(t, stack.flow.Start(context.Background(), demoAccounts(), domain.SelectedAsset{AccountID: "acct_main", AssetID: "eth"}))

	// The backend pins new sessions to usdc, so the local eth choice triggers
	// an update, gets rejected, and falls back to the accepted asset.
	stack.flow.CreateSession(ports.CreateSessionRequest{BrandID: "brand_1", Amount: "10.00", AssetID: "usd"}, false)
	stack.listener.waitFor(t, ports.FlowSessionCreated)

	require.Eventually(t, func() bool {
		return stack.flow.Snapshot().Selected == domain.SelectedAsset{AccountID: "acct_main", AssetID: "usdc"}
	}, e2eWait, 20*time.Millisecond)

	select {
	case err := <-stack.listener.errors:
		t.Fatalf("rejection must recover silently, got %v", err)
	default:
	}
}

func TestEndToEnd_CloseTearsDown(t *testing.T) {
	stack := newSDKStack(t, newFakeBackend(), memory.NewStateStore())
	require.NoError(t, stack.flow.Start(context.Background(), demoAccounts(), domain.SelectedAsset{AccountID: "acct_main", AssetID: "usdc"}))

	stack.flow.CreateSession(ports.CreateSessionRequest{BrandID: "brand_1", Amount: "10.00", AssetID: "usd"}, false)
	stack.listener.waitFor(t, ports.FlowSessionCreated)

	stack.flow.CloseSession()
	stack.listener.waitFor(t, ports.FlowAccountsLoaded)
	assert.Nil(t, stack.flow.Snapshot().Session)
}

func TestEndToEnd_ResumeAfterRelaunch(t *testing.T) {
	backend := newFakeBackend()
	store := memory.NewStateStore()

	// First launch: create a session, send the transaction, then drop the
	// whole stack without completing.
	first := newSDKStack(t, backend, store)
	require.NoError(t, first.flow.Start(context.Background(), demoAccounts(), domain.SelectedAsset{AccountID: "acct_main", AssetID: "usdc"}))
	first.flow.CreateSession(ports.CreateSessionRequest{BrandID: "brand_1", Amount: "10.00", AssetID: "usd"}, false)
	first.listener.waitFor(t, ports.FlowSessionCreated)

	sessionID := first.flow.Snapshot().Session.ID
	backend.requireTransaction(sessionID, &domain.RequestedTransaction{ID: "tx_1", Destination: "0xmerchant", Amount: "9.99", Asset: "usdc"})
	first.listener.waitFor(t, ports.FlowRequiresTransaction)
	first.flow.SendTransaction()
	<-first.signer.requests
	first.listener.waitFor(t, ports.FlowTransactionSent)
	require.Eventually(t, func() bool {
		pinned, err := first.sessions.GetCurrent(context.Background())
		return err == nil && pinned != nil && pinned.TransactionSent
	}, e2eWait, 20*time.Millisecond)
	first.flow.Close()

	// Second launch over the same store: the flow resumes straight into
	// transactionSent and never re-signs.
	second := newSDKStack(t, backend, store)
	require.NoError(t, second.flow.Start(context.Background(), demoAccounts(), domain.SelectedAsset{AccountID: "acct_main", AssetID: "eth"}))

	snap := second.flow.Snapshot()
	assert.Equal(t, ports.FlowTransactionSent, snap.State)
	assert.Equal(t, sessionID, snap.Session.ID)
	assert.Equal(t, domain.SelectedAsset{AccountID: "acct_main", AssetID: "usdc"}, snap.Selected)

	select {
	case <-second.signer.requests:
		t.Fatal("resumed session must not re-sign")
	case <-time.After(100 * time.Millisecond):
	}

	backend.complete(sessionID)
	select {
	case <-second.listener.completed:
	case <-time.After(e2eWait):
		t.Fatal("completion never delivered after resume")
	}
}
