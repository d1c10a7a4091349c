package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunRequest starts a session. An empty Workflow runs the session in
// interactive mode: the browser opens and waits for control input.
type RunRequest struct {
	// Workflow is an optional step list executed after startup.
	Workflow json.RawMessage `json:"workflow,omitempty"`

	// OwnerID attributes the session and scopes cookie restore.
	OwnerID string `json:"owner_id,omitempty"`

	// Headless overrides the server's default browser visibility.
	Headless *bool `json:"headless,omitempty"`

	// UseCookies overrides whether saved storage state is restored
	// into the browser before the workflow starts.
	UseCookies *bool `json:"use_cookies,omitempty"`
}

// RunResult is the run endpoint's answer.
type RunResult struct {
	SessionID  string `json:"session_id"`
	StreamURL  string `json:"stream_url"`
	ControlURL string `json:"control_url"`
	StatusURL  string `json:"status_url"`
}

// StreamStatus carries the per-session stream counters.
type StreamStatus struct {
	StreamingActive  bool    `json:"streaming_active"`
	StreamingReady   bool    `json:"streaming_ready"`
	EventsProcessed  uint64  `json:"events_processed"`
	EventsBuffered   int     `json:"events_buffered"`
	ConnectedClients int     `json:"connected_clients"`
	LastEventTime    float64 `json:"last_event_time,omitempty"`
	EventsPerSecond  float64 `json:"events_per_second"`
}

// SessionStatus is one session as the status endpoint reports it.
type SessionStatus struct {
	SessionID string       `json:"session_id"`
	Phase     string       `json:"phase"`
	Degraded  bool         `json:"degraded"`
	Failure   string       `json:"failure,omitempty"`
	OwnerID   string       `json:"owner_id,omitempty"`
	Workflow  string       `json:"workflow,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	Stream    StreamStatus `json:"stream"`
	StreamURL string       `json:"stream_url"`
	Quality   string       `json:"quality"`
}

// Event is one sequenced frame from the DOM stream. Event holds the
// raw rrweb record; SequenceID is gapless between resets.
type Event struct {
	SessionID  string          `json:"session_id"`
	Timestamp  float64         `json:"timestamp"`
	Event      json.RawMessage `json:"event"`
	SequenceID uint64          `json:"sequence_id"`
	Metadata   EventMetadata   `json:"metadata"`
}

// EventMetadata tags an event with its page origin and whether it is a
// full snapshot (a safe render anchor).
type EventMetadata struct {
	OriginURL  string `json:"origin_url,omitempty"`
	IsSnapshot bool   `json:"is_snapshot"`
}

// PublicKey is the envelope wrapping key handed out to uploaders.
type PublicKey struct {
	KID string `json:"kid"`
	Alg string `json:"alg"`
	PEM string `json:"pem"`
}

// StorageStateUpload is a client-sealed storage-state envelope. Seal
// the plaintext with the key from PublicKey; the service never sees
// the session material unencrypted in transit.
type StorageStateUpload struct {
	Ciphertext string                 `json:"ciphertext"`
	Nonce      string                 `json:"nonce"`
	WrappedKey string                 `json:"wrappedKey"`
	KID        string                 `json:"kid"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// RecordSummary describes a stored record without its payload.
type RecordSummary struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	KID      string `json:"kid"`
	Status   string `json:"status"`
	Verified bool   `json:"verified"`
}

// LatestState is the newest verified record with its payload decrypted
// server-side.
type LatestState struct {
	ID           string                 `json:"id"`
	OwnerID      string                 `json:"owner_id"`
	KID          string                 `json:"kid"`
	Status       string                 `json:"status"`
	Verified     bool                   `json:"verified"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StorageState json.RawMessage        `json:"storage_state"`
}

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"error_type"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("visualcore: %s (%d): %s", e.Type, e.StatusCode, e.Message)
}

// CommandError is a control command the service rejected. The channel
// stays open; the command simply did not run.
type CommandError struct {
	Type    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("visualcore: command rejected (%s): %s", e.Type, e.Message)
}

// IsRateLimited reports whether err is a control-channel rejection for
// exceeding the per-connection rate limit.
func IsRateLimited(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Type == "rate_limit_exceeded"
}
