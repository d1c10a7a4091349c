package control

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visualcore/backend/internal/browser"
)

func f(v float64) *float64 { return &v }

func TestParseRejectsBadFrames(t *testing.T) {
	cases := []struct {
		name string
		data string
		want string
	}{
		{"not json", "definitely not json", "malformed JSON frame"},
		{"missing message", `{"session_id":"abc"}`, "missing or invalid 'message'"},
		{"null message", `{"session_id":"abc","message":null}`, "missing or invalid 'message'"},
		{"message not an object", `{"session_id":"abc","message":42}`, "missing or invalid 'message'"},
		{"missing type", `{"session_id":"abc","message":{"action":"click"}}`, "missing 'type'"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Parse([]byte(tc.data))
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.Contains(t, err.Error(), tc.want)

			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestParseExtractsInnerMessage(t *testing.T) {
	raw := `{"session_id":"s","message":{"type":"mouse","action":"click","x":12,"y":34,"button":"left"}}`
	msg, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, TypeMouse, msg.Type)
	assert.Equal(t, ActionClick, msg.Action)
	require.NotNil(t, msg.X)
	assert.Equal(t, 12.0, *msg.X)
	assert.Equal(t, "left", msg.Button)
}

func TestValidateCommandTable(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want string // empty means accepted
	}{
		{"click", Message{Type: TypeMouse, Action: ActionClick, X: f(10), Y: f(20)}, ""},
		{"move", Message{Type: TypeMouse, Action: ActionMove, X: f(0), Y: f(10000)}, ""},
		{"down right button", Message{Type: TypeMouse, Action: ActionDown, X: f(5), Y: f(5), Button: "right"}, ""},
		{"up without coordinates", Message{Type: TypeMouse, Action: ActionUp, Button: "left"}, ""},
		{"dblclick", Message{Type: TypeMouse, Action: ActionDblClick, X: f(1), Y: f(1)}, ""},
		{"negative x", Message{Type: TypeMouse, Action: ActionClick, X: f(-1), Y: f(20)}, "invalid coordinates"},
		{"y past bound", Message{Type: TypeMouse, Action: ActionClick, X: f(10), Y: f(10001)}, "invalid coordinates"},
		{"click missing y", Message{Type: TypeMouse, Action: ActionClick, X: f(10)}, "missing required fields"},
		{"unknown action", Message{Type: TypeMouse, Action: "teleport", X: f(1), Y: f(1)}, "unknown mouse action"},
		{"unknown button", Message{Type: TypeMouse, Action: ActionClick, X: f(1), Y: f(1), Button: "side"}, "unknown mouse button"},
		{"wheel bare", Message{Type: TypeWheel, DeltaY: 120}, ""},
		{"wheel anchored", Message{Type: TypeWheel, X: f(100), Y: f(100), DeltaY: -120}, ""},
		{"wheel out of bounds", Message{Type: TypeWheel, X: f(-5), DeltaY: 120}, "invalid wheel coordinates"},
		{"key down", Message{Type: TypeKeyboard, Action: ActionDown, Key: "Enter"}, ""},
		{"key up", Message{Type: TypeKeyboard, Action: ActionUp, Key: "a"}, ""},
		{"key down missing key", Message{Type: TypeKeyboard, Action: ActionDown}, "missing required fields"},
		{"keyboard press unsupported", Message{Type: TypeKeyboard, Action: "press", Key: "a"}, "unknown keyboard action"},
		{"unknown type", Message{Type: "gamepad"}, "unknown message type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.msg)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDispatchMapsCommands(t *testing.T) {
	fake := browser.NewFakeSession()
	ctx := context.Background()

	commands := []Message{
		{Type: TypeMouse, Action: ActionClick, X: f(10), Y: f(20)},
		{Type: TypeMouse, Action: ActionDblClick, X: f(30), Y: f(40)},
		{Type: TypeMouse, Action: ActionMove, X: f(1), Y: f(2)},
		{Type: TypeMouse, Action: ActionDown, X: f(3), Y: f(4), Button: "right"},
		{Type: TypeMouse, Action: ActionUp, Button: "right"},
		{Type: TypeWheel, X: f(5), Y: f(6), DeltaX: -10, DeltaY: 120},
		{Type: TypeKeyboard, Action: ActionDown, Key: "a"},
		{Type: TypeKeyboard, Action: ActionDown, Key: "Enter"},
		{Type: TypeKeyboard, Action: ActionUp, Key: "Enter"},
	}
	for i := range commands {
		require.NoError(t, Validate(&commands[i]))
		require.NoError(t, Dispatch(ctx, fake, &commands[i]))
	}

	assert.Equal(t, []string{
		"mouse_click 10,20 left x1",
		"mouse_click 30,40 left x2",
		"mouse_move 1,2",
		"mouse_down 3,4 right",
		"mouse_up right",
		"wheel 5,6 delta -10,120",
		"key_press a",
		"key_down Enter",
		"key_up Enter",
	}, fake.Inputs())
}

func TestKeyCategory(t *testing.T) {
	assert.Equal(t, "character", KeyCategory("a"))
	assert.Equal(t, "character", KeyCategory("7"))
	assert.Equal(t, "character", KeyCategory("ф"))
	assert.Equal(t, "named", KeyCategory("Enter"))
	assert.Equal(t, "named", KeyCategory("ArrowLeft"))
}

// newCaptureLogger returns a logger writing plain text without
// timestamps so assertions on log content are deterministic.
func newCaptureLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func TestKeystrokesNeverLoggedInCleartext(t *testing.T) {
	var buf bytes.Buffer
	ch := NewChannel("sess-1", browser.NewFakeSession(), DefaultConfig(), nil, newCaptureLogger(&buf), nil)

	ch.logCommand(&Message{Type: TypeKeyboard, Action: ActionDown, Key: "hunter2"})
	ch.logCommand(&Message{Type: TypeKeyboard, Action: ActionDown, Key: "z"})
	ch.logCommand(&Message{Type: TypeKeyboard, Action: ActionUp, Key: "z"})

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "z")
	assert.Contains(t, out, "key_kind=named")
	assert.Contains(t, out, "key_kind=character")
}

func TestDebugKeyLoggingOptIn(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.DebugKeys = true
	ch := NewChannel("sess-1", browser.NewFakeSession(), cfg, nil, newCaptureLogger(&buf), nil)

	ch.logCommand(&Message{Type: TypeKeyboard, Action: ActionDown, Key: "hunter2"})

	out := buf.String()
	assert.Contains(t, out, "hunter2")
	assert.Contains(t, out, "will appear in logs") // the opt-in warning
}

func TestMouseMovesNotLogged(t *testing.T) {
	var buf bytes.Buffer
	ch := NewChannel("sess-1", browser.NewFakeSession(), DefaultConfig(), nil, newCaptureLogger(&buf), nil)

	ch.logCommand(&Message{Type: TypeMouse, Action: ActionMove, X: f(1), Y: f(2)})
	ch.logCommand(&Message{Type: TypeWheel, DeltaY: 120})
	assert.Empty(t, buf.String())

	ch.logCommand(&Message{Type: TypeMouse, Action: ActionClick, X: f(10), Y: f(20)})
	assert.Contains(t, buf.String(), "action=click")
	assert.Contains(t, buf.String(), "x=10")
}
