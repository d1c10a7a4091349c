package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Controller drives a session's browser over the control channel.
// Commands are acknowledged individually; a rejection (validation,
// rate limit) returns a *CommandError and leaves the channel open.
type Controller struct {
	conn    *websocket.Conn
	session string
	replies chan controlReply
	done    chan struct{}

	writeMu sync.Mutex
	cmdMu   sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool

	closeOnce sync.Once
}

type controlReply struct {
	ack       bool
	errorType string
	message   string
}

// controlPayload mirrors the channel's inner message shape.
type controlPayload struct {
	Type       string   `json:"type"`
	Action     string   `json:"action,omitempty"`
	X          *float64 `json:"x,omitempty"`
	Y          *float64 `json:"y,omitempty"`
	Button     string   `json:"button,omitempty"`
	ClickCount int      `json:"clickCount,omitempty"`
	DeltaX     float64  `json:"deltaX,omitempty"`
	DeltaY     float64  `json:"deltaY,omitempty"`
	Key        string   `json:"key,omitempty"`
}

type controlEnvelope struct {
	SessionID string         `json:"session_id"`
	Message   controlPayload `json:"message"`
}

// OpenControl attaches to a session's control channel. While a
// controller is attached the session's workflow is paused; closing it
// resumes automation.
func (c *Client) OpenControl(ctx context.Context, sessionID string) (*Controller, error) {
	conn, resp, err := c.config.Dialer.DialContext(ctx, c.wsURL("/workflows/visual/"+sessionID+"/control"), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("visualcore: control dial failed: %w", err)
	}

	session, err := awaitEstablished(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	ct := &Controller{
		conn:    conn,
		session: session,
		replies: make(chan controlReply, 4),
		done:    make(chan struct{}),
	}
	go ct.readLoop()
	return ct, nil
}

// SessionID returns the canonical session id from the handshake.
func (ct *Controller) SessionID() string { return ct.session }

// Err reports why the channel ended. It is nil while the channel is
// live and after a local Close.
func (ct *Controller) Err() error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.err
}

// Close detaches the controller and resumes the session's workflow.
func (ct *Controller) Close() error {
	ct.closeOnce.Do(func() {
		ct.mu.Lock()
		ct.closed = true
		ct.mu.Unlock()

		ct.writeMu.Lock()
		ct.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ct.writeMu.Unlock()
		ct.conn.Close()
	})
	return nil
}

// Click presses and releases the left button at (x, y).
func (ct *Controller) Click(ctx context.Context, x, y float64) error {
	return ct.send(ctx, controlPayload{Type: "mouse", Action: "click", X: &x, Y: &y})
}

// ClickButton clicks with an explicit button ("left", "right",
// "middle") and click count.
func (ct *Controller) ClickButton(ctx context.Context, x, y float64, button string, count int) error {
	return ct.send(ctx, controlPayload{
		Type: "mouse", Action: "click", X: &x, Y: &y, Button: button, ClickCount: count,
	})
}

// DoubleClick double-clicks the left button at (x, y).
func (ct *Controller) DoubleClick(ctx context.Context, x, y float64) error {
	return ct.send(ctx, controlPayload{Type: "mouse", Action: "dblclick", X: &x, Y: &y})
}

// MoveMouse moves the pointer to (x, y) without pressing.
func (ct *Controller) MoveMouse(ctx context.Context, x, y float64) error {
	return ct.send(ctx, controlPayload{Type: "mouse", Action: "move", X: &x, Y: &y})
}

// MouseDown presses a button at (x, y); pair with MouseUp to drag.
func (ct *Controller) MouseDown(ctx context.Context, x, y float64, button string) error {
	return ct.send(ctx, controlPayload{Type: "mouse", Action: "down", X: &x, Y: &y, Button: button})
}

// MouseUp releases a held button.
func (ct *Controller) MouseUp(ctx context.Context, button string) error {
	return ct.send(ctx, controlPayload{Type: "mouse", Action: "up", Button: button})
}

// Scroll turns the wheel by the given deltas at the pointer position.
func (ct *Controller) Scroll(ctx context.Context, deltaX, deltaY float64) error {
	return ct.send(ctx, controlPayload{Type: "wheel", DeltaX: deltaX, DeltaY: deltaY})
}

// KeyDown presses a key. Printable characters are delivered as a full
// press; named keys ("Enter", "Tab", "Shift") stay held until KeyUp.
func (ct *Controller) KeyDown(ctx context.Context, key string) error {
	return ct.send(ctx, controlPayload{Type: "keyboard", Action: "down", Key: key})
}

// KeyUp releases a key.
func (ct *Controller) KeyUp(ctx context.Context, key string) error {
	return ct.send(ctx, controlPayload{Type: "keyboard", Action: "up", Key: key})
}

// TypeText sends a string one key press at a time.
func (ct *Controller) TypeText(ctx context.Context, text string) error {
	for _, r := range text {
		if err := ct.KeyDown(ctx, string(r)); err != nil {
			return err
		}
	}
	return nil
}

// send writes one command and waits for its ack or rejection.
// Commands do not pipeline; the channel answers in order.
func (ct *Controller) send(ctx context.Context, payload controlPayload) error {
	ct.cmdMu.Lock()
	defer ct.cmdMu.Unlock()

	select {
	case <-ct.done:
		return ct.terminalErr()
	default:
	}

	ct.writeMu.Lock()
	err := ct.conn.WriteJSON(controlEnvelope{SessionID: ct.session, Message: payload})
	ct.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("visualcore: control write failed: %w", err)
	}

	select {
	case r := <-ct.replies:
		if r.ack {
			return nil
		}
		return &CommandError{Type: r.errorType, Message: r.message}
	case <-ct.done:
		return ct.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ct *Controller) terminalErr() error {
	if err := ct.Err(); err != nil {
		return err
	}
	return errors.New("visualcore: control channel closed")
}

func (ct *Controller) readLoop() {
	defer close(ct.done)
	for {
		_, data, err := ct.conn.ReadMessage()
		if err != nil {
			ct.fail(err)
			return
		}

		var head struct {
			Type      string `json:"type"`
			ErrorType string `json:"error_type"`
			Message   string `json:"error"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			continue
		}
		switch head.Type {
		case "ack":
			select {
			case ct.replies <- controlReply{ack: true}:
			default:
			}
		case "error":
			select {
			case ct.replies <- controlReply{errorType: head.ErrorType, message: head.Message}:
			default:
			}
		case "session_expired":
			ct.mu.Lock()
			if ct.err == nil {
				ct.err = ErrSessionExpired
			}
			ct.mu.Unlock()
		}
	}
}

func (ct *Controller) fail(err error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.closed || ct.err != nil {
		return
	}
	if mapped := closeCodeError(err); mapped != nil {
		ct.err = mapped
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	ct.err = err
}
