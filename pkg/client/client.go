// Package client is the Go SDK for the visual streaming service.
//
// It covers the three surfaces a consumer touches: the workflow REST
// API (run, status, cancel), the live DOM stream, and the reverse
// control channel for driving the remote browser.
//
// Quick Start:
//
//	vc := client.New(client.Config{
//	    BaseURL: "https://visual.example.com",
//	    OwnerID: "acct-42",
//	})
//
//	run, err := vc.RunWorkflow(ctx, client.RunRequest{OwnerID: "acct-42"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	viewer, err := vc.OpenStream(ctx, run.SessionID, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for ev := range viewer.Events() {
//	    render(ev) // gapless, snapshot-first
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Terminal channel errors, translated from the service's close codes.
var (
	ErrInvalidSession  = errors.New("visualcore: invalid session id")
	ErrSessionNotFound = errors.New("visualcore: session not found")
	ErrSessionExpired  = errors.New("visualcore: session expired")
	ErrBrowserNotReady = errors.New("visualcore: browser not ready")
)

// Config holds the SDK configuration.
type Config struct {
	// BaseURL is the service endpoint (required).
	// Examples: "https://visual.example.com", "http://localhost:8080"
	BaseURL string

	// OwnerID is sent as X-Owner-ID on storage-state calls.
	OwnerID string

	// Timeout bounds REST calls (default 30s). Stream and control
	// connections are not subject to it.
	Timeout time.Duration

	// Dialer overrides the websocket dialer. Defaults to
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Client talks to one visual streaming deployment.
type Client struct {
	config     Config
	httpClient *http.Client
}

// New creates a client for the service at cfg.BaseURL.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// RunWorkflow starts a session and returns its channel URLs.
func (c *Client) RunWorkflow(ctx context.Context, req RunRequest) (*RunResult, error) {
	var result RunResult
	if err := c.do(ctx, http.MethodPost, "/workflows/visual/run", req, &result, false); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status fetches the live view of one session.
func (c *Client) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var result SessionStatus
	if err := c.do(ctx, http.MethodGet, "/workflows/visual/"+sessionID+"/status", nil, &result, false); err != nil {
		return nil, err
	}
	return &result, nil
}

// Sessions lists every session on the pod.
func (c *Client) Sessions(ctx context.Context) ([]SessionStatus, error) {
	var result struct {
		Sessions []SessionStatus `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/workflows/visual/sessions", nil, &result, false); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// Cancel asks the service to tear a session down. Teardown is
// asynchronous; poll Status until it reports not-found.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/workflows/visual/"+sessionID+"/cancel", nil, nil, false)
}

// PublicKey fetches the wrapping key clients seal storage state with.
func (c *Client) PublicKey(ctx context.Context) (*PublicKey, error) {
	var result PublicKey
	if err := c.do(ctx, http.MethodGet, "/crypto/public-key", nil, &result, false); err != nil {
		return nil, err
	}
	return &result, nil
}

// SaveStorageState uploads a sealed storage-state blob.
func (c *Client) SaveStorageState(ctx context.Context, up StorageStateUpload) (*RecordSummary, error) {
	var result RecordSummary
	if err := c.do(ctx, http.MethodPost, "/auth/storage-state", up, &result, true); err != nil {
		return nil, err
	}
	return &result, nil
}

// LatestStorageState returns the owner's newest verified record,
// decrypted. Sites narrows verification to cookie domains containing
// any of the given fragments.
func (c *Client) LatestStorageState(ctx context.Context, sites ...string) (*LatestState, error) {
	path := "/auth/storage-state/latest"
	if len(sites) > 0 {
		path += "?sites=" + strings.Join(sites, ",")
	}
	var result LatestState
	if err := c.do(ctx, http.MethodGet, path, nil, &result, true); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReplaceStorageState overwrites an existing record the owner holds.
func (c *Client) ReplaceStorageState(ctx context.Context, recordID string, up StorageStateUpload) (*RecordSummary, error) {
	var result RecordSummary
	if err := c.do(ctx, http.MethodPut, "/auth/storage-state/"+recordID, up, &result, true); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, owned bool) error {
	if owned && c.config.OwnerID == "" {
		return errors.New("visualcore: Config.OwnerID is required for storage-state calls")
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("visualcore: failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("visualcore: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if owned {
		req.Header.Set("X-Owner-ID", c.config.OwnerID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("visualcore: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("visualcore: failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Type == "" {
			apiErr.Type = "http_error"
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("visualcore: failed to parse response: %w", err)
		}
	}
	return nil
}

// wsURL rewrites the base URL onto the websocket scheme.
func (c *Client) wsURL(path string) string {
	base := c.config.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

// closeCodeError maps the service's close codes onto sentinel errors.
// Returns nil for errors that are not typed closes.
func closeCodeError(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return nil
	}
	switch ce.Code {
	case 4400:
		return ErrInvalidSession
	case 4404:
		return ErrSessionNotFound
	case 4408:
		return ErrSessionExpired
	case 4503:
		return ErrBrowserNotReady
	}
	return nil
}
