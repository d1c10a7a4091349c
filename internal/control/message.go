// Package control implements the reverse input channel: viewers send
// mouse, wheel, and keyboard messages that are validated, rate-limited,
// and dispatched into the browser session.
package control

import (
	"encoding/json"
	"fmt"
)

// Message types accepted on the channel.
const (
	TypeMouse    = "mouse"
	TypeKeyboard = "keyboard"
	TypeWheel    = "wheel"
)

// Mouse and keyboard actions.
const (
	ActionClick    = "click"
	ActionMove     = "move"
	ActionDown     = "down"
	ActionUp       = "up"
	ActionDblClick = "dblclick"
)

// coordMax bounds accepted pointer coordinates.
const coordMax = 10000

// Wrapper is the client frame shape: {session_id, message: {...}}.
type Wrapper struct {
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`
}

// Message is one decoded control command. X and Y are pointers so a
// missing coordinate is distinguishable from zero.
type Message struct {
	Type       string   `json:"type"`
	Action     string   `json:"action,omitempty"`
	X          *float64 `json:"x,omitempty"`
	Y          *float64 `json:"y,omitempty"`
	Button     string   `json:"button,omitempty"`
	ClickCount int      `json:"clickCount,omitempty"`
	DeltaX     float64  `json:"deltaX,omitempty"`
	DeltaY     float64  `json:"deltaY,omitempty"`
	Key        string   `json:"key,omitempty"`
	Code       string   `json:"code,omitempty"`
}

// ValidationError marks a message rejected before dispatch; it maps to
// the invalid_message wire kind and never closes the channel.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalidf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Parse decodes a raw client frame into its inner message.
func Parse(data []byte) (*Message, error) {
	var w Wrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, invalidf("malformed JSON frame")
	}
	if len(w.Message) == 0 || string(w.Message) == "null" {
		return nil, invalidf("missing or invalid 'message' field")
	}
	var m Message
	if err := json.Unmarshal(w.Message, &m); err != nil {
		return nil, invalidf("missing or invalid 'message' field")
	}
	if m.Type == "" {
		return nil, invalidf("missing 'type' field in message")
	}
	return &m, nil
}

func inBounds(v float64) bool { return v >= 0 && v <= coordMax }

func validButton(b string) bool {
	switch b {
	case "", "left", "right", "middle":
		return true
	}
	return false
}

// Validate checks a decoded message against the accepted command table.
func Validate(m *Message) error {
	switch m.Type {
	case TypeMouse:
		return validateMouse(m)
	case TypeWheel:
		return validateWheel(m)
	case TypeKeyboard:
		return validateKeyboard(m)
	default:
		return invalidf("unknown message type: %s", m.Type)
	}
}

func validateMouse(m *Message) error {
	if !validButton(m.Button) {
		return invalidf("unknown mouse button: %s", m.Button)
	}
	switch m.Action {
	case ActionClick, ActionMove, ActionDown, ActionDblClick:
		if m.X == nil || m.Y == nil {
			return invalidf("mouse message missing required fields: action, x, y")
		}
		if !inBounds(*m.X) || !inBounds(*m.Y) {
			return invalidf("invalid coordinates: x=%v, y=%v (must be 0-%d)", *m.X, *m.Y, coordMax)
		}
		return nil
	case ActionUp:
		return nil
	case "":
		return invalidf("mouse message missing required fields: action, x, y")
	default:
		return invalidf("unknown mouse action: %s", m.Action)
	}
}

func validateWheel(m *Message) error {
	if m.X != nil && !inBounds(*m.X) || m.Y != nil && !inBounds(*m.Y) {
		return invalidf("invalid wheel coordinates")
	}
	return nil
}

func validateKeyboard(m *Message) error {
	switch m.Action {
	case ActionDown, ActionUp:
		if m.Key == "" {
			return invalidf("keyboard message missing required fields: action, key")
		}
		return nil
	case "":
		return invalidf("keyboard message missing required fields: action, key")
	default:
		return invalidf("unknown keyboard action: %s", m.Action)
	}
}
