package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"flexa-spend-sdk/config"
	"flexa-spend-sdk/pkg/apperror"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// expirySkew is subtracted from the token's exp claim so a token about to
// expire is refreshed before a request goes out with it.
const expirySkew = 30 * time.Second

// TokenService implements ports.TokenProvider. It exchanges the publishable
// key for a short-lived bearer token and caches it until close to expiry.
// Concurrent refreshes collapse into one backend call.
type TokenService struct {
	baseURL        string
	publishableKey string
	httpClient     *http.Client
	log            zerolog.Logger
	now            func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenService creates a token provider for the given backend.
func NewTokenService(cfg config.APIConfig, log zerolog.Logger) *TokenService {
	return &TokenService{
		baseURL:        cfg.BaseURL,
		publishableKey: cfg.PublishableKey,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		log:            log,
		now:            time.Now,
	}
}

// Token returns the cached bearer token, fetching a fresh one when the cache
// is empty or within the expiry skew.
func (s *TokenService) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && (s.expiresAt.IsZero() || s.now().Add(expirySkew).Before(s.expiresAt)) {
		return s.token, nil
	}
	return s.fetchLocked(ctx)
}

// Refresh discards the cached token and fetches a new one.
func (s *TokenService) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = ""
	return s.fetchLocked(ctx)
}

type tokenRequest struct {
	PublishableKey string `json:"publishable_key"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// fetchLocked exchanges the publishable key for a bearer token. Caller holds mu.
func (s *TokenService) fetchLocked(ctx context.Context) (string, error) {
	payload, err := json.Marshal(tokenRequest{PublishableKey: s.publishableKey})
	if err != nil {
		return "", fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/tokens", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", apperror.ErrTokenRefreshFailed(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", apperror.ErrTokenRefreshFailed(fmt.Errorf("token endpoint returned status %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.Token == "" {
		return "", apperror.ErrTokenRefreshFailed(fmt.Errorf("token endpoint returned empty token"))
	}

	s.token = tr.Token
	s.expiresAt = tokenExpiry(tr.Token)
	s.log.Debug().Time("expires_at", s.expiresAt).Msg("bearer token refreshed")
	return s.token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the server
// signed the token and the client only needs the deadline. Returns the zero
// time for opaque tokens, which are then cached until a 401 forces a refresh.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
