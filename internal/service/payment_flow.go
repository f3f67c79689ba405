package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"flexa-spend-sdk/config"
	"flexa-spend-sdk/internal/core/domain"
	"flexa-spend-sdk/internal/core/ports"
	"flexa-spend-sdk/pkg/apperror"

	"github.com/rs/zerolog"
)

// PaymentFlow is the commerce session state machine. All mutable state is
// confined to one owner goroutine: public methods and asynchronous
// completions (stream events, REST call results, timers) post closures onto
// the command channel and never touch fields directly. Listener callbacks
// fire on the owner goroutine, so they must not call back into the flow
// synchronously.
type PaymentFlow struct {
	repo     ports.SessionRepository
	signer   ports.TransactionSigner
	listener ports.FlowListener
	cfg      config.FlowConfig
	log      zerolog.Logger

	cmds chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// Durable-pointer writes are applied by one persistence goroutine, in the
	// order the owner goroutine issued them. The pinned slot has a single
	// writer; overlapping writes would let a stale record land last.
	persist     chan func()
	persistDone chan struct{}

	// Owner-goroutine state. Never read or written outside the loop.
	ctx              context.Context
	state            ports.FlowState
	session          *domain.CommerceSession
	accounts         []domain.Account
	selected         domain.SelectedAsset
	legacyMode       bool
	legacyIDs        map[string]struct{}
	paymentEnabled   bool
	paymentCompleted bool
	txInProgress     bool
	sendWhenReady    bool
	updatingAsset    bool
	pendingAssetID   string
	dismissTimer     *time.Timer
	retryTimer       *time.Timer
}

// NewPaymentFlow creates the state machine and starts its owner goroutine.
// Callers must eventually call Close.
func NewPaymentFlow(repo ports.SessionRepository, signer ports.TransactionSigner, listener ports.FlowListener, cfg config.FlowConfig, log zerolog.Logger) *PaymentFlow {
	f := &PaymentFlow{
		repo:      repo,
		signer:    signer,
		listener:  listener,
		cfg:       cfg,
		log:       log,
		cmds:        make(chan func(), 16),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		persist:     make(chan func(), 16),
		persistDone: make(chan struct{}),
		state:       ports.FlowLoading,
		legacyIDs:   make(map[string]struct{}),
	}
	go f.loop()
	go f.persistLoop()
	return f
}

func (f *PaymentFlow) loop() {
	defer close(f.done)
	for {
		select {
		case fn := <-f.cmds:
			fn()
		case <-f.quit:
			return
		}
	}
}

// run posts fn onto the owner goroutine. Dropped silently after Close.
func (f *PaymentFlow) run(fn func()) {
	select {
	case f.cmds <- fn:
	case <-f.quit:
	}
}

// spawn tracks a background call so Close can wait for it.
func (f *PaymentFlow) spawn(fn func()) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn()
	}()
}

// persistLoop drains the pointer-write queue. One write at a time keeps the
// store's pinned record equal to the owner goroutine's latest decision.
func (f *PaymentFlow) persistLoop() {
	defer close(f.persistDone)
	for fn := range f.persist {
		fn()
	}
}

// Start loads the host's funding accounts, opens the event stream, and
// resumes any pinned session. The context governs the stream and every
// network call the flow makes.
func (f *PaymentFlow) Start(ctx context.Context, accounts []domain.Account, selected domain.SelectedAsset) error {
	ready := make(chan error, 1)
	f.run(func() {
		f.ctx = ctx
		f.accounts = accounts
		f.selected = selected
		f.paymentEnabled = true
		f.setState(ports.FlowAccountsLoaded)

		if err := f.repo.Watch(ctx, f.deliver); err != nil {
			ready <- err
			return
		}
		ready <- nil
		f.resume()
	})

	select {
	case err := <-ready:
		return err
	case <-f.quit:
		return errors.New("payment flow closed")
	}
}

// deliver marshals a stream event onto the owner goroutine.
func (f *PaymentFlow) deliver(ev domain.SessionEvent) {
	f.run(func() { f.handleEvent(ev) })
}

// CreateSession starts a new session against the backend. legacy pins the
// session to the flexcode handler for its whole lifetime.
func (f *PaymentFlow) CreateSession(req ports.CreateSessionRequest, legacy bool) {
	f.run(func() {
		ctx := f.ctx
		f.spawn(func() {
			session, err := f.repo.Create(ctx, req)
			f.run(func() {
				if err != nil {
					f.fail(err, apperror.ErrSessionCreateFailed)
					return
				}
				if legacy {
					f.legacyIDs[session.ID] = struct{}{}
					f.legacyMode = true
				}
				f.handleEvent(domain.SessionEvent{Kind: domain.EventCreated, SessionID: session.ID, Session: session})
			})
		})
	})
}

// SelectAsset records the user's funding choice and pushes it to the session.
func (f *PaymentFlow) SelectAsset(accountID, assetID string) {
	f.run(func() {
		f.selected = domain.SelectedAsset{AccountID: accountID, AssetID: assetID}
		f.updatePaymentAsset(assetID)
	})
}

// SendTransaction is the user's "pay" intent.
func (f *PaymentFlow) SendTransaction() {
	f.run(f.sendTransaction)
}

// CloseSession cancels the current session server-side. Teardown happens when
// the closed event comes back on the stream, or immediately on the response
// if the stream is slower.
func (f *PaymentFlow) CloseSession() {
	f.run(func() {
		if f.session == nil {
			return
		}
		id := f.session.ID
		ctx := f.ctx
		f.spawn(func() {
			_, err := f.repo.Close(ctx, id)
			f.run(func() {
				if err != nil {
					f.fail(err, apperror.ErrSessionCloseFailed)
					return
				}
				f.handleEvent(domain.SessionEvent{Kind: domain.EventClosed, SessionID: id})
			})
		})
	})
}

// Close stops the owner goroutine and the stream subscription. Idempotent;
// when it returns, no listener callback will fire again.
func (f *PaymentFlow) Close() {
	f.once.Do(func() {
		stopped := make(chan struct{})
		f.run(func() {
			f.stopTimers()
			close(stopped)
		})
		select {
		case <-stopped:
		case <-f.quit:
		}
		f.repo.StopWatching()
		close(f.quit)
		<-f.done
		f.wg.Wait()
		// No enqueues happen after the owner goroutine exits.
		close(f.persist)
	})
	<-f.persistDone
}

// ---- Event routing ----

// handleEvent partitions events between the legacy and standard handlers.
// Legacy membership is sticky: once a session ID routes legacy, it routes
// legacy for every later event no matter how legacyMode flips.
func (f *PaymentFlow) handleEvent(ev domain.SessionEvent) {
	if _, isLegacy := f.legacyIDs[ev.SessionID]; isLegacy {
		f.handleLegacyEvent(ev)
		return
	}
	if f.session != nil && ev.SessionID != "" && ev.SessionID != f.session.ID {
		f.log.Debug().Str("session_id", ev.SessionID).Stringer("kind", ev.Kind).Msg("ignoring event for other session")
		return
	}

	f.log.Debug().Str("session_id", ev.SessionID).Stringer("kind", ev.Kind).Msg("applying session event")
	switch ev.Kind {
	case domain.EventCreated:
		f.handleCreated(ev.Session)
	case domain.EventRequiresAmount:
		f.handleRequires(ev.Session, ports.FlowRequiresAmount)
	case domain.EventRequiresTransaction:
		f.handleRequires(ev.Session, ports.FlowRequiresTransaction)
	case domain.EventRequiresApproval:
		f.handleRequires(ev.Session, ports.FlowRequiresApproval)
	case domain.EventCompleted:
		f.handleCompleted(ev.Session)
	case domain.EventClosed:
		f.teardown()
	}
}

// handleCreated applies a created event, reconciling the session's payment
// asset toward the local selection when they differ.
func (f *PaymentFlow) handleCreated(session *domain.CommerceSession) {
	if session == nil {
		return
	}
	f.session = session
	if f.state != ports.FlowTransactionSent && f.state != ports.FlowCompleted {
		f.setState(ports.FlowSessionCreated)
	}
	f.persistPointer()

	if !f.selected.IsZero() && f.selected.AssetID != session.Preferences.PaymentAsset {
		f.updatePaymentAsset(f.selected.AssetID)
	}
}

// handleRequires applies one of the requires-* events. State never regresses
// once the transaction went out; a deferred send fires here when the
// requested transaction finally arrives.
func (f *PaymentFlow) handleRequires(session *domain.CommerceSession, next ports.FlowState) {
	if session == nil {
		return
	}
	if f.state != ports.FlowTransactionSent && f.state != ports.FlowCompleted {
		f.session = session
		f.setState(next)
		f.persistPointer()
	}
	f.maybeAutoSend()
}

func (f *PaymentFlow) handleCompleted(session *domain.CommerceSession) {
	if session != nil {
		f.session = session
	}
	f.setState(ports.FlowCompleted)
	f.paymentCompleted = true
	f.clearPointer()
	f.listener.OnPaymentCompleted(f.session)

	if !f.legacyMode && f.cfg.AutoDismissDelay > 0 {
		f.dismissTimer = time.AfterFunc(f.cfg.AutoDismissDelay, func() {
			f.run(func() { f.listener.OnDismiss() })
		})
	}
}

// teardown resets the flow to accountsLoaded after a session closes.
func (f *PaymentFlow) teardown() {
	f.clearPointer()
	f.stopTimers()
	f.session = nil
	f.legacyMode = false
	f.paymentEnabled = true
	f.paymentCompleted = false
	f.txInProgress = false
	f.sendWhenReady = false
	f.updatingAsset = false
	f.pendingAssetID = ""
	f.setState(ports.FlowAccountsLoaded)
}

// handleLegacyEvent is the flexcode-path handler. The update family collapses
// into one "capture the snapshot" branch; asset switching does not exist here.
func (f *PaymentFlow) handleLegacyEvent(ev domain.SessionEvent) {
	f.log.Debug().Str("session_id", ev.SessionID).Stringer("kind", ev.Kind).Msg("applying legacy session event")
	switch ev.Kind {
	case domain.EventCreated:
		if ev.Session == nil {
			return
		}
		f.session = ev.Session
		f.setState(ports.FlowSessionCreated)
		f.persistPointer()

	case domain.EventRequiresAmount, domain.EventRequiresTransaction, domain.EventRequiresApproval:
		if ev.Session == nil {
			return
		}
		if ev.Session.RequestedTransaction != nil || ev.Session.Authorization != nil {
			f.session = ev.Session
			f.persistPointer()
		}

	case domain.EventCompleted:
		if ev.Session != nil {
			f.session = ev.Session
		}
		f.setState(ports.FlowCompleted)
		f.paymentCompleted = true
		f.clearPointer()
		f.listener.OnPaymentCompleted(f.session)

	case domain.EventClosed:
		f.teardown()
	}
}

// ---- Payment-asset updates ----

// updatePaymentAsset pushes assetID as the session's funding asset. Skipped
// when nothing would change, when the session is on the fixed approval path,
// or in legacy mode. A concurrent update queues the new target and retries
// after the current one settles.
func (f *PaymentFlow) updatePaymentAsset(assetID string) {
	if f.session == nil || assetID == "" {
		return
	}
	if assetID == f.session.Preferences.PaymentAsset || f.session.RequiresApproval() || f.legacyMode {
		return
	}
	if f.updatingAsset {
		f.pendingAssetID = assetID
		return
	}

	f.updatingAsset = true
	f.paymentEnabled = false
	sessionID := f.session.ID
	ctx := f.ctx

	f.spawn(func() {
		err := f.repo.SetPaymentAsset(ctx, sessionID, assetID)
		f.run(func() { f.finishAssetUpdate(assetID, err) })
	})
}

// finishAssetUpdate applies the result of one setPaymentAsset call on the
// owner goroutine.
func (f *PaymentFlow) finishAssetUpdate(assetID string, err error) {
	f.updatingAsset = false
	f.paymentEnabled = true

	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) && !appErr.Recoverable {
			f.listener.OnError(appErr)
		} else {
			f.log.Warn().Err(err).Str("asset_id", assetID).Msg("payment asset rejected, falling back")
			f.fallbackSelectedAsset()
		}
	} else if f.session != nil {
		f.session.Preferences.PaymentAsset = assetID
		f.persistPointer()
	}

	if pending := f.pendingAssetID; pending != "" {
		f.pendingAssetID = ""
		f.retryTimer = time.AfterFunc(f.cfg.AssetRetryDelay, func() {
			f.run(func() { f.updatePaymentAsset(pending) })
		})
		return
	}
	f.maybeAutoSend()
}

// fallbackSelectedAsset points the local selection back at an account holding
// the session's current, server-accepted payment asset.
func (f *PaymentFlow) fallbackSelectedAsset() {
	if f.session == nil {
		return
	}
	if found, ok := domain.FindAsset(f.accounts, f.session.Preferences.PaymentAsset); ok {
		f.selected = found
	}
}

// ---- Sending ----

// maybeAutoSend fires a deferred send once the requested transaction exists
// and no asset update is in flight.
func (f *PaymentFlow) maybeAutoSend() {
	if !f.sendWhenReady || f.updatingAsset {
		return
	}
	if f.session == nil || f.session.RequestedTransaction == nil {
		return
	}
	f.sendWhenReady = false
	f.sendTransaction()
}

// sendTransaction runs the send flow: approve for account-balance sessions,
// the host signing callback otherwise. At most one send per session.
func (f *PaymentFlow) sendTransaction() {
	if f.session == nil || f.state == ports.FlowTransactionSent || f.state == ports.FlowCompleted || f.txInProgress {
		return
	}

	if f.session.RequiresApproval() {
		f.txInProgress = true
		f.paymentEnabled = false
		sessionID := f.session.ID
		ctx := f.ctx
		f.spawn(func() {
			err := f.repo.Approve(ctx, sessionID)
			f.run(func() {
				if err != nil {
					f.txInProgress = false
					f.paymentEnabled = true
					f.fail(err, apperror.ErrApprovalFailed)
					return
				}
				// The server completes the spend from account balance.
				f.setState(ports.FlowTransactionSent)
				f.persistPointerWith(false)
			})
		})
		return
	}

	if f.session.RequestedTransaction == nil {
		f.sendWhenReady = true
		return
	}

	req, ok := domain.NewTransactionRequest(f.session, f.selected)
	if !ok {
		f.sendWhenReady = true
		return
	}

	f.txInProgress = true
	f.paymentEnabled = false
	f.setState(ports.FlowTransactionSent)
	f.persistPointerWith(true)

	// Fire and forget: the host signs and broadcasts; completion arrives as a
	// session event, never as a return value.
	f.spawn(func() {
		if err := f.signer.Sign(req); err != nil {
			f.run(func() { f.fail(err, apperror.ErrSigningFailed) })
		}
	})
}

// ---- Resume-on-launch ----

// resume restores a pinned session after a process restart.
func (f *PaymentFlow) resume() {
	pinned, err := f.repo.GetCurrent(f.ctx)
	if err != nil {
		f.log.Warn().Err(err).Msg("pinned session unreadable, discarding")
		f.clearPointer()
		return
	}
	if pinned == nil || pinned.Session == nil || pinned.Session.IsClosed() {
		f.clearPointer()
		return
	}
	session := pinned.Session
	f.log.Info().Str("session_id", session.ID).Bool("legacy", pinned.Legacy).
		Bool("transaction_sent", pinned.TransactionSent).Msg("resuming pinned session")

	if pinned.Legacy {
		f.legacyIDs[session.ID] = struct{}{}
		f.legacyMode = true
	}

	if pinned.TransactionSent && !session.IsCompleted() {
		f.txInProgress = true
		if found, ok := domain.FindAsset(f.accounts, session.Preferences.PaymentAsset); ok {
			f.selected = found
		}
		f.session = session
		f.setState(ports.FlowTransactionSent)
	}

	f.handleEvent(domain.EventFromStatus(session))

	if !pinned.Legacy && !pinned.TransactionSent && !f.selected.IsZero() {
		f.updatePaymentAsset(f.selected.AssetID)
	}
}

// ---- Shared helpers (owner goroutine only) ----

func (f *PaymentFlow) setState(state ports.FlowState) {
	if f.state == state {
		return
	}
	f.state = state
	f.log.Debug().Stringer("state", state).Msg("flow state changed")
	f.listener.OnStateChange(state, f.session)
}

// persistPointer saves the pinned-session pointer with the current sent flag.
func (f *PaymentFlow) persistPointer() {
	f.persistPointerWith(f.state == ports.FlowTransactionSent)
}

func (f *PaymentFlow) persistPointerWith(transactionSent bool) {
	if f.session == nil {
		return
	}
	// The owner goroutine keeps mutating its session; the store gets a copy.
	session := f.session.Clone()
	legacy := f.legacyMode
	ctx := f.ctx
	f.persist <- func() {
		if err := f.repo.SetCurrent(ctx, session, legacy, transactionSent); err != nil {
			f.log.Warn().Err(err).Str("session_id", session.ID).Msg("persisting pinned session failed")
		}
	}
}

func (f *PaymentFlow) clearPointer() {
	ctx := f.ctx
	f.persist <- func() {
		if err := f.repo.ClearCurrent(ctx); err != nil {
			f.log.Warn().Err(err).Msg("clearing pinned session failed")
		}
	}
}

// fail logs err and surfaces it to the listener, wrapping non-AppErrors.
func (f *PaymentFlow) fail(err error, wrap func(error) *apperror.AppError) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		appErr = wrap(err)
	}
	f.log.Error().Err(err).Str("code", appErr.Code).Msg("payment flow error")
	f.listener.OnError(appErr)
}

func (f *PaymentFlow) stopTimers() {
	if f.dismissTimer != nil {
		f.dismissTimer.Stop()
		f.dismissTimer = nil
	}
	if f.retryTimer != nil {
		f.retryTimer.Stop()
		f.retryTimer = nil
	}
}

// FlowSnapshot is a point-in-time copy of the flow's observable state.
type FlowSnapshot struct {
	State            ports.FlowState
	Session          *domain.CommerceSession
	Selected         domain.SelectedAsset
	PaymentEnabled   bool
	PaymentCompleted bool
	SendWhenReady    bool
}

// Snapshot reads the flow state through the owner goroutine. Returns the zero
// snapshot after Close.
func (f *PaymentFlow) Snapshot() FlowSnapshot {
	reply := make(chan FlowSnapshot, 1)
	f.run(func() {
		reply <- FlowSnapshot{
			State:            f.state,
			Session:          f.session,
			Selected:         f.selected,
			PaymentEnabled:   f.paymentEnabled,
			PaymentCompleted: f.paymentCompleted,
			SendWhenReady:    f.sendWhenReady,
		}
	})
	select {
	case snap := <-reply:
		return snap
	case <-f.done:
		return FlowSnapshot{}
	}
}
