package control

import (
	"context"

	"github.com/visualcore/backend/internal/browser"
)

// Dispatch executes one validated message against the browser session.
// The context carries the per-command timeout; the session's internal
// queue serializes against concurrent workflow steps.
func Dispatch(ctx context.Context, sess browser.Session, m *Message) error {
	switch m.Type {
	case TypeMouse:
		return dispatchMouse(ctx, sess, m)
	case TypeWheel:
		return sess.Wheel(ctx, coord(m.X), coord(m.Y), m.DeltaX, m.DeltaY)
	case TypeKeyboard:
		return dispatchKeyboard(ctx, sess, m)
	}
	return invalidf("unknown message type: %s", m.Type)
}

func coord(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func dispatchMouse(ctx context.Context, sess browser.Session, m *Message) error {
	button := m.Button
	if button == "" {
		button = browser.ButtonLeft
	}
	switch m.Action {
	case ActionClick:
		count := m.ClickCount
		if count < 1 {
			count = 1
		}
		return sess.MouseClick(ctx, *m.X, *m.Y, button, count)
	case ActionDblClick:
		return sess.MouseClick(ctx, *m.X, *m.Y, button, 2)
	case ActionMove:
		return sess.MouseMove(ctx, *m.X, *m.Y)
	case ActionDown:
		return sess.MouseDown(ctx, *m.X, *m.Y, button)
	case ActionUp:
		return sess.MouseUp(ctx, button)
	}
	return invalidf("unknown mouse action: %s", m.Action)
}

func dispatchKeyboard(ctx context.Context, sess browser.Session, m *Message) error {
	switch m.Action {
	case ActionDown:
		// A printable character gets the full press; holding single
		// characters down has no meaning for form input.
		if browser.IsPrintable(m.Key) {
			return sess.KeyPress(ctx, m.Key)
		}
		return sess.KeyDown(ctx, m.Key)
	case ActionUp:
		return sess.KeyUp(ctx, m.Key)
	}
	return invalidf("unknown keyboard action: %s", m.Action)
}

// KeyCategory describes a key for logs without revealing it. Keystrokes
// may be passwords; only the category is ever recorded.
func KeyCategory(key string) string {
	if browser.IsPrintable(key) {
		return "character"
	}
	return "named"
}
