package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"flexa-spend-sdk/internal/core/domain"
	"flexa-spend-sdk/internal/core/ports"
	"flexa-spend-sdk/pkg/apperror"

	"github.com/rs/zerolog"
)

// StateStore keys owned by the session service.
const (
	pinnedSessionKey = "session:pinned"
	streamOffsetKey  = "session:offset"
)

// SessionService implements ports.SessionRepository. It fronts the REST API,
// the event stream, and the durable state store behind one surface: REST
// calls pass through, stream events arrive decoded, and the pinned-session
// pointer round-trips through JSON plus an optional at-rest sealer.
type SessionService struct {
	api    ports.SessionAPI
	store  ports.StateStore
	stream ports.EventStream
	sealer ports.Sealer // nil means state is stored unsealed
	log    zerolog.Logger

	mu       sync.Mutex
	watching bool
}

// NewSessionService wires the repository from its adapters. sealer may be nil.
func NewSessionService(api ports.SessionAPI, store ports.StateStore, stream ports.EventStream, sealer ports.Sealer, log zerolog.Logger) *SessionService {
	return &SessionService{
		api:    api,
		store:  store,
		stream: stream,
		sealer: sealer,
		log:    log,
	}
}

// Create starts a new commerce session.
func (s *SessionService) Create(ctx context.Context, req ports.CreateSessionRequest) (*domain.CommerceSession, error) {
	return s.api.Create(ctx, req)
}

// Close cancels a session server-side.
func (s *SessionService) Close(ctx context.Context, id string) (*domain.CommerceSession, error) {
	return s.api.Close(ctx, id)
}

// SetPaymentAsset records the funding asset on the session.
func (s *SessionService) SetPaymentAsset(ctx context.Context, sessionID, assetID string) error {
	return s.api.SetPaymentAsset(ctx, sessionID, assetID)
}

// Approve authorizes the session from account balance.
func (s *SessionService) Approve(ctx context.Context, sessionID string) error {
	return s.api.Approve(ctx, sessionID)
}

// Watch subscribes to the commerce session stream and delivers decoded events
// to onEvent in arrival order. The subscription resumes from the persisted
// stream offset; each event's offset is persisted after onEvent returns, so a
// crash between the two replays the event rather than dropping it.
func (s *SessionService) Watch(ctx context.Context, onEvent func(domain.SessionEvent)) error {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return nil
	}
	s.watching = true
	s.mu.Unlock()

	for _, name := range domain.StreamEventNames {
		eventType := name
		s.stream.AddListener(eventType, func(ev ports.StreamEvent) {
			decoded, err := domain.DecodeSessionEvent(eventType, ev.Data)
			if err != nil {
				s.log.Warn().Err(err).Str("event_type", eventType).Msg("dropping undecodable stream event")
				return
			}
			onEvent(decoded)
			s.saveOffset(ctx, ev.ID)
		})
	}

	offset, err := s.loadOffset(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("stream offset unreadable, starting from live")
		offset = ""
	}
	if err := s.stream.Connect(ctx, offset); err != nil {
		s.mu.Lock()
		s.watching = false
		s.mu.Unlock()
		return fmt.Errorf("connecting session stream: %w", err)
	}
	return nil
}

// StopWatching tears down the stream subscription. Idempotent.
func (s *SessionService) StopWatching() {
	s.mu.Lock()
	if !s.watching {
		s.mu.Unlock()
		return
	}
	s.watching = false
	s.mu.Unlock()

	s.stream.Disconnect()
	for _, name := range domain.StreamEventNames {
		s.stream.RemoveListener(name)
	}
}

// SetCurrent persists the pinned-session pointer.
func (s *SessionService) SetCurrent(ctx context.Context, session *domain.CommerceSession, legacy, transactionSent bool) error {
	pinned := domain.PinnedSession{Session: session, Legacy: legacy, TransactionSent: transactionSent}
	payload, err := json.Marshal(pinned)
	if err != nil {
		return fmt.Errorf("encoding pinned session: %w", err)
	}
	if s.sealer != nil {
		if payload, err = s.sealer.Seal(payload); err != nil {
			return fmt.Errorf("sealing pinned session: %w", err)
		}
	}
	if err := s.store.Put(ctx, pinnedSessionKey, payload); err != nil {
		return apperror.ErrStorageFailure(err)
	}
	return nil
}

// GetCurrent loads the pinned-session pointer. Returns nil, nil when no
// session is pinned; an unreadable blob is treated as corrupt and surfaced so
// the caller can discard it.
func (s *SessionService) GetCurrent(ctx context.Context) (*domain.PinnedSession, error) {
	payload, err := s.store.Get(ctx, pinnedSessionKey)
	if err != nil {
		return nil, apperror.ErrStorageFailure(err)
	}
	if payload == nil {
		return nil, nil
	}
	if s.sealer != nil {
		if payload, err = s.sealer.Open(payload); err != nil {
			return nil, apperror.ErrStorageFailure(err)
		}
	}

	pinned := &domain.PinnedSession{}
	if err := json.Unmarshal(payload, pinned); err != nil {
		return nil, apperror.ErrStorageFailure(err)
	}
	if pinned.Session == nil {
		return nil, nil
	}
	pinned.Session.Status = domain.ParseSessionStatus(string(pinned.Session.Status))
	return pinned, nil
}

// ClearCurrent removes the pinned-session pointer. The stream offset survives
// so a later Watch still resumes where the stream left off.
func (s *SessionService) ClearCurrent(ctx context.Context) error {
	if err := s.store.Delete(ctx, pinnedSessionKey); err != nil {
		return apperror.ErrStorageFailure(err)
	}
	return nil
}

func (s *SessionService) loadOffset(ctx context.Context) (string, error) {
	value, err := s.store.Get(ctx, streamOffsetKey)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (s *SessionService) saveOffset(ctx context.Context, eventID string) {
	if eventID == "" {
		return
	}
	if err := s.store.Put(ctx, streamOffsetKey, []byte(eventID)); err != nil {
		s.log.Warn().Err(err).Str("event_id", eventID).Msg("persisting stream offset failed")
	}
}
