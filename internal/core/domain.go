package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SessionIDPrefix is the canonical prefix for visual streaming session ids.
const SessionIDPrefix = "visual-"

// SessionID identifies a running visual-streaming session. Canonical form is
// "visual-<uuid-v4>".
type SessionID string

func (s SessionID) String() string { return string(s) }

// NewSessionID mints a canonical session id.
func NewSessionID() SessionID {
	return SessionID(SessionIDPrefix + uuid.New().String())
}

// NormalizeSessionID maps a caller-supplied id onto the canonical form.
// Ids already carrying the prefix are accepted as-is; a bare UUID is
// prefixed; anything else is malformed.
func NormalizeSessionID(raw string) (SessionID, error) {
	if strings.HasPrefix(raw, SessionIDPrefix) {
		return SessionID(raw), nil
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("malformed session id %q", raw)
	}
	return SessionID(SessionIDPrefix + raw), nil
}

// Phase is a session lifecycle state. Transitions are owned by the session
// manager; everything else reads.
type Phase string

const (
	PhaseInit              Phase = "INIT"
	PhaseLoadingState      Phase = "LOADING_STATE"
	PhaseBrowserStarting   Phase = "BROWSER_STARTING"
	PhaseRecorderAttaching Phase = "RECORDER_ATTACHING"
	PhaseStreaming         Phase = "STREAMING"
	PhaseWorkflowRunning   Phase = "WORKFLOW_RUNNING"
	PhaseFinalizing        Phase = "FINALIZING"
	PhaseEnded             Phase = "ENDED"
	PhaseFailed            Phase = "FAILED"
)

// Terminal reports whether a session in this phase is done.
func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseFailed
}

// Cookie is the persisted browser cookie shape. Expires is seconds since
// epoch; -1 marks a session cookie that never expires on its own.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageItem is one localStorage entry.
type StorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginStorage groups localStorage entries by origin.
type OriginStorage struct {
	Origin       string        `json:"origin"`
	LocalStorage []StorageItem `json:"localStorage"`
}

// Viewport is the browser viewport size captured with env metadata.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// EnvMetadata captures the browser environment a storage state was taken
// from, so a later resume can reproduce it.
type EnvMetadata struct {
	UserAgent        string   `json:"userAgent,omitempty"`
	Timezone         string   `json:"timezone,omitempty"`
	Viewport         Viewport `json:"viewport,omitempty"`
	Languages        []string `json:"languages,omitempty"`
	DevicePixelRatio float64  `json:"devicePixelRatio,omitempty"`
}

// StorageStateBlob is the plaintext payload of an envelope-encrypted
// storage-state record: cookies plus per-origin local storage.
type StorageStateBlob struct {
	Cookies     []Cookie        `json:"cookies"`
	Origins     []OriginStorage `json:"origins"`
	EnvMetadata *EnvMetadata    `json:"__envMetadata,omitempty"`
}
