// Package ws owns the WebSocket transport: upgrade, origin policy, and the
// single-reader/single-writer pump pair every channel runs on.
package ws

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Application close codes for session channels.
const (
	CloseInvalidSession  = 4400 // malformed session id
	CloseSessionNotFound = 4404 // no session registered under the id
	CloseSessionExpired  = 4408 // lifetime or wait deadline hit
	CloseBrowserNotReady = 4503 // control channel before the browser is up
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 512 * 1024       // 512KB max message size per frame
)

// Upgrader validates origins in production against ALLOWED_ORIGINS; in
// dev/staging all origins are accepted with a warning.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("APP_ENV")
	allowedRaw := os.Getenv("ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("[WebSocket] Origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("[WebSocket] Rejected connection from origin", "origin", origin)
			return false
		}
	}

	if env == "production" && allowedRaw == "" {
		slog.Warn("[WebSocket] ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool {
		return true
	}
}

// Conn pairs a WebSocket connection with its outbox. Two goroutines with
// clear ownership: writePump owns ALL writes (frames, pings, close), and
// readPump owns ALL reads. Producers only ever touch the outbox.
type Conn struct {
	ws        *websocket.Conn
	outbox    *Outbox
	logger    *slog.Logger
	onMessage func([]byte)
	onClose   func()

	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	closeCode   int
	closeReason string
}

// NewConn wraps an upgraded connection. Start must be called to run the
// pumps.
func NewConn(wsConn *websocket.Conn, outbox *Outbox, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		ws:     wsConn,
		outbox: outbox,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Outbox returns the outbound queue for this connection.
func (c *Conn) Outbox() *Outbox { return c.outbox }

// Start launches the pumps. onMessage is invoked from the read pump for
// every inbound text frame; onClose fires exactly once when the connection
// is torn down.
func (c *Conn) Start(onMessage func([]byte), onClose func()) {
	c.onMessage = onMessage
	c.onClose = onClose
	go c.writePump()
	go c.readPump()
}

// Push queues a frame for delivery. False means the queue was full or the
// connection is closing.
func (c *Conn) Push(frame []byte) bool {
	return c.outbox.Push(frame)
}

// CloseWith drains the outbox, then sends a close frame with the given
// code before tearing down. Safe to call multiple times; the first wins.
func (c *Conn) CloseWith(code int, reason string) {
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode = code
		c.closeReason = reason
	}
	c.mu.Unlock()
	c.outbox.Close()
}

// close tears the connection down exactly once.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// writePump serializes all writes to the connection: queued frames, pings,
// and the final close frame.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		frame, ok := c.outbox.Next(c.done, ticker.C)
		if !ok {
			c.writeCloseFrame()
			return
		}
		if frame == nil {
			// Ping tick
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

func (c *Conn) writeCloseFrame() {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// readPump reads inbound frames and routes them to the handler.
func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if c.onMessage != nil {
			c.onMessage(payload)
		}
	}
}

// RejectWithClose upgrades-then-closes with an application code. Used when
// the session id is malformed or unknown: the handshake must succeed for
// the client to observe the code.
func RejectWithClose(w http.ResponseWriter, r *http.Request, code int, reason string) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()
}
