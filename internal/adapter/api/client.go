package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"flexa-spend-sdk/config"
	"flexa-spend-sdk/internal/core/domain"
	"flexa-spend-sdk/internal/core/ports"
	"flexa-spend-sdk/pkg/apperror"

	"github.com/rs/zerolog"
)

// Client implements ports.SessionAPI against the commerce session REST API.
// Every call carries a bearer token from the TokenProvider; a 401 response
// triggers one token refresh and one retry, nothing more.
type Client struct {
	baseURL        string
	publishableKey string
	httpClient     *http.Client
	tokens         ports.TokenProvider
	log            zerolog.Logger
}

// NewClient creates a session API client.
func NewClient(cfg config.APIConfig, tokens ports.TokenProvider, log zerolog.Logger) *Client {
	return &Client{
		baseURL:        cfg.BaseURL,
		publishableKey: cfg.PublishableKey,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		tokens:         tokens,
		log:            log,
	}
}

type createSessionBody struct {
	BrandID string `json:"brand_id"`
	Amount  string `json:"amount"`
	Asset   string `json:"asset"`
}

type paymentAssetBody struct {
	Preferences domain.Preferences `json:"preferences"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Create starts a new commerce session.
func (c *Client) Create(ctx context.Context, req ports.CreateSessionRequest) (*domain.CommerceSession, error) {
	body := createSessionBody{BrandID: req.BrandID, Amount: req.Amount, Asset: req.AssetID}
	session := &domain.CommerceSession{}
	if err := c.do(ctx, http.MethodPost, "/commerce_sessions", body, session); err != nil {
		return nil, apperror.ErrSessionCreateFailed(err)
	}
	session.Status = domain.ParseSessionStatus(string(session.Status))
	return session, nil
}

// Get fetches a session snapshot.
func (c *Client) Get(ctx context.Context, id string) (*domain.CommerceSession, error) {
	session := &domain.CommerceSession{}
	if err := c.do(ctx, http.MethodGet, "/commerce_sessions/"+id, nil, session); err != nil {
		return nil, fmt.Errorf("fetching session %s: %w", id, err)
	}
	session.Status = domain.ParseSessionStatus(string(session.Status))
	return session, nil
}

// Close requests server-side cancellation.
func (c *Client) Close(ctx context.Context, id string) (*domain.CommerceSession, error) {
	session := &domain.CommerceSession{}
	if err := c.do(ctx, http.MethodDelete, "/commerce_sessions/"+id, nil, session); err != nil {
		return nil, apperror.ErrSessionCloseFailed(err)
	}
	session.Status = domain.ParseSessionStatus(string(session.Status))
	return session, nil
}

// SetPaymentAsset tells the server which asset funds the session. Server-side
// rejection is a recoverable error; the flow falls back locally.
func (c *Client) SetPaymentAsset(ctx context.Context, sessionID, assetID string) error {
	body := paymentAssetBody{Preferences: domain.Preferences{PaymentAsset: assetID}}
	if err := c.do(ctx, http.MethodPatch, "/commerce_sessions/"+sessionID, body, nil); err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) && !appErr.Recoverable {
			// Auth and refresh failures keep their own class.
			return err
		}
		return apperror.ErrAssetNotEligible(assetID, err)
	}
	return nil
}

// Approve authorizes the session server-side, consuming account balance.
func (c *Client) Approve(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodPost, "/commerce_sessions/"+sessionID+"/approve", nil, nil); err != nil {
		return apperror.ErrApprovalFailed(err)
	}
	return nil
}

// do performs one request with the 401-refresh-retry rule.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("getting token: %w", err)
	}

	status, respBody, err := c.send(ctx, method, path, body, token)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return apperror.ErrTokenRefreshFailed(err)
		}
		status, respBody, err = c.send(ctx, method, path, body, token)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return apperror.ErrUnauthorized(apiError(status, respBody))
		}
	}

	if status < 200 || status >= 300 {
		return apiError(status, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.publishableKey != "" {
		req.Header.Set("Flexa-App", c.publishableKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// apiError turns a non-2xx response into an error carrying the server message.
func apiError(status int, body []byte) error {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("api error %d (%s): %s", status, envelope.Error.Code, envelope.Error.Message)
	}
	return fmt.Errorf("api error %d", status)
}
