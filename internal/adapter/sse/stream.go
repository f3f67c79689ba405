package sse

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"flexa-spend-sdk/config"
	"flexa-spend-sdk/internal/core/ports"

	"github.com/rs/zerolog"
)

// Stream implements ports.EventStream over a server-sent-event connection.
// Events are dispatched to per-type listeners one at a time, in arrival order,
// on a single reader goroutine. The connection auto-reconnects with the last
// seen event ID until the configured attempt budget is spent; the stream as a
// whole lives under one coarse idle timeout.
type Stream struct {
	url        string
	cfg        config.StreamConfig
	tokens     ports.TokenProvider
	httpClient *http.Client
	log        zerolog.Logger

	mu          sync.Mutex
	listeners   map[string]func(ports.StreamEvent)
	cancel      context.CancelFunc
	done        chan struct{}
	connected   bool
	closed      bool
	lastEventID string
}

// NewStream creates a stream client for the given events URL.
func NewStream(baseURL string, cfg config.StreamConfig, tokens ports.TokenProvider, log zerolog.Logger) *Stream {
	return &Stream{
		url:        baseURL + cfg.Path,
		cfg:        cfg,
		tokens:     tokens,
		httpClient: &http.Client{},
		log:        log,
		listeners:  make(map[string]func(ports.StreamEvent)),
	}
}

// AddListener registers the handler for one event type, replacing any previous
// handler for that type.
func (s *Stream) AddListener(eventType string, fn func(ports.StreamEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[eventType] = fn
}

// RemoveListener unregisters the handler for one event type.
func (s *Stream) RemoveListener(eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, eventType)
}

// Connect opens the stream, resuming from lastEventID when non-empty. The
// initial request happens synchronously so connection failures surface here;
// reading and reconnecting continue on a background goroutine. Reusing a
// connected stream is a no-op.
func (s *Stream) Connect(ctx context.Context, lastEventID string) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.closed = false
	s.lastEventID = lastEventID

	streamCtx, cancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
	s.cancel = cancel
	s.mu.Unlock()

	resp, err := s.open(streamCtx)
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	if s.closed {
		// Disconnect raced the dial.
		s.mu.Unlock()
		resp.Body.Close()
		cancel()
		return nil
	}
	s.connected = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run(streamCtx, resp)
	}()
	return nil
}

// Disconnect tears the stream down. Idempotent; when it returns, no listener
// will be invoked again.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	if s.closed {
		done := s.done
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	s.closed = true
	s.connected = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// open dials the stream endpoint once.
func (s *Stream) open(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting stream token: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+token)

	s.mu.Lock()
	if s.lastEventID != "" {
		req.Header.Set("Last-Event-ID", s.lastEventID)
	}
	s.mu.Unlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting event stream: %w", err)
	}

	// Same rule as the REST client: one token refresh, one retry.
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		token, err = s.tokens.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("refreshing stream token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err = s.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("connecting event stream: %w", err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}
	return resp, nil
}

// run consumes the stream, reconnecting on read errors until the context ends
// or the attempt budget is spent.
func (s *Stream) run(ctx context.Context, resp *http.Response) {
	attempts := 0
	for {
		if resp != nil {
			err := s.consume(resp)
			resp.Body.Close()
			resp = nil

			if ctx.Err() != nil || s.isClosed() {
				return
			}
			s.log.Debug().Err(err).Msg("event stream interrupted, reconnecting")
		}

		attempts++
		if s.cfg.MaxReconnects > 0 && attempts > s.cfg.MaxReconnects {
			s.log.Warn().Int("attempts", attempts-1).Msg("event stream reconnect budget spent")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectBackoff):
		}

		next, err := s.open(ctx)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			s.log.Warn().Err(err).Msg("event stream reconnect failed")
			continue
		}
		resp = next
		attempts = 0
	}
}

// consume parses one connection's worth of events.
func (s *Stream) consume(resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ev ports.StreamEvent
	var data strings.Builder

	flush := func() {
		if ev.Type == "" && data.Len() == 0 {
			ev = ports.StreamEvent{}
			return
		}
		if ev.Type == "" {
			ev.Type = "message"
		}
		ev.Data = []byte(data.String())
		s.dispatch(ev)
		ev = ports.StreamEvent{}
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Type = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil {
				ev.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("event stream ended")
}

// dispatch hands one event to its listener, unless the stream was disconnected.
func (s *Stream) dispatch(ev ports.StreamEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if ev.ID != "" {
		s.lastEventID = ev.ID
	}
	fn := s.listeners[ev.Type]
	s.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
