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

// StreamOptions tune an OpenStream viewer. The zero value is usable.
type StreamOptions struct {
	// Buffer is the event channel capacity (default 256). A consumer
	// that stops reading stalls the viewer, not the service; the
	// service re-anchors slow viewers with a sequence reset.
	Buffer int

	// OnReset fires when the stream re-anchors at a new base sequence.
	// Rendering state from before the anchor must be discarded; the
	// next event is a full snapshot.
	OnReset func(base uint64)

	// OnError fires for non-fatal protocol error frames.
	OnError func(errorType, message string)
}

// Viewer is one attached stream consumer. Events() yields sequenced
// frames until the connection ends; Err() explains why afterwards.
type Viewer struct {
	conn   *websocket.Conn
	opts   StreamOptions
	events chan Event
	done   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	err     error
	closed  bool
	session string

	closeOnce sync.Once
}

// OpenStream attaches a viewer to a session's DOM stream. The first
// event delivered is always a full snapshot; opts may be nil.
func (c *Client) OpenStream(ctx context.Context, sessionID string, opts *StreamOptions) (*Viewer, error) {
	var o StreamOptions
	if opts != nil {
		o = *opts
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}

	conn, resp, err := c.config.Dialer.DialContext(ctx, c.wsURL("/workflows/visual/"+sessionID+"/stream"), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("visualcore: stream dial failed: %w", err)
	}

	session, err := awaitEstablished(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	v := &Viewer{
		conn:    conn,
		opts:    o,
		events:  make(chan Event, o.Buffer),
		done:    make(chan struct{}),
		session: session,
	}
	if err := v.writeJSON(map[string]string{"type": "client_ready"}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("visualcore: client_ready failed: %w", err)
	}
	go v.readLoop()
	return v, nil
}

// awaitEstablished consumes the service's opening frame. Typed closes
// (unknown session, expired, browser not ready) surface as sentinels.
func awaitEstablished(ctx context.Context, conn *websocket.Conn) (string, error) {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		if mapped := closeCodeError(err); mapped != nil {
			return "", mapped
		}
		return "", fmt.Errorf("visualcore: handshake failed: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var hello struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != "connection_established" {
		return "", errors.New("visualcore: unexpected handshake frame")
	}
	return hello.SessionID, nil
}

// Events is the stream. The channel closes when the connection ends;
// check Err() afterwards.
func (v *Viewer) Events() <-chan Event { return v.events }

// SessionID returns the canonical session id from the handshake.
func (v *Viewer) SessionID() string { return v.session }

// Err reports why the stream ended. It is nil while the stream is live
// and after a local Close.
func (v *Viewer) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// RequestReset asks the service to re-anchor this viewer's stream at
// the newest snapshot. The replay arrives on Events; the reset anchor
// is announced through OnReset.
func (v *Viewer) RequestReset() error {
	return v.writeJSON(map[string]string{"type": "sequence_reset_request"})
}

// Ping checks channel liveness. The pong is consumed internally.
func (v *Viewer) Ping() error {
	return v.writeJSON(map[string]string{"type": "ping"})
}

// Close detaches the viewer. The service keeps streaming to everyone
// else.
func (v *Viewer) Close() error {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		v.mu.Unlock()
		close(v.done)

		v.writeMu.Lock()
		v.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		v.writeMu.Unlock()
		v.conn.Close()
	})
	return nil
}

func (v *Viewer) writeJSON(payload interface{}) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	return v.conn.WriteJSON(payload)
}

func (v *Viewer) readLoop() {
	defer close(v.events)
	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			v.fail(err)
			return
		}

		var head struct {
			Type       string  `json:"type"`
			Base       uint64  `json:"base"`
			ErrorType  string  `json:"error_type"`
			Message    string  `json:"error"`
			SequenceID *uint64 `json:"sequence_id"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			continue
		}

		// Events carry no type discriminator; the sequence id marks them.
		if head.Type == "" && head.SequenceID != nil {
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case v.events <- ev:
			case <-v.done:
				return
			}
			continue
		}

		switch head.Type {
		case "sequence_reset":
			if v.opts.OnReset != nil {
				v.opts.OnReset(head.Base)
			}
		case "error":
			if v.opts.OnError != nil {
				v.opts.OnError(head.ErrorType, head.Message)
			}
		case "session_expired":
			v.mu.Lock()
			if v.err == nil {
				v.err = ErrSessionExpired
			}
			v.mu.Unlock()
		}
	}
}

// fail records the terminal error unless the viewer closed itself.
func (v *Viewer) fail(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || v.err != nil {
		return
	}
	if mapped := closeCodeError(err); mapped != nil {
		v.err = mapped
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	v.err = err
}
