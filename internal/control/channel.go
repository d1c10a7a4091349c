package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/visualcore/backend/internal/browser"
	"github.com/visualcore/backend/internal/metrics"
	"github.com/visualcore/backend/internal/stream"
	"github.com/visualcore/backend/internal/ws"
)

// Config carries the per-channel control knobs.
type Config struct {
	RatePerSec     int
	MaxLifetime    time.Duration
	CommandTimeout time.Duration
	// DebugKeys logs raw keyboard characters. Never enable outside local
	// debugging; logs will contain passwords.
	DebugKeys bool
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		RatePerSec:     100,
		MaxLifetime:    5 * time.Minute,
		CommandTimeout: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RatePerSec <= 0 {
		c.RatePerSec = d.RatePerSec
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = d.MaxLifetime
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	return c
}

// Pauser gates workflow input steps while a human drives the browser.
// Raised on attach, released on close.
type Pauser interface {
	Pause()
	Resume()
}

// Channel handles one control connection: parse, validate, rate-limit,
// dispatch, ack. Commands are processed in arrival order; a failed or
// timed-out command answers execution_failed and the channel stays open.
type Channel struct {
	sessionID string
	sess      browser.Session
	cfg       Config
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	pauser    Pauser

	conn     *ws.Conn
	started  time.Time
	lifetime *time.Timer
	commands uint64

	closeOnce sync.Once
	onClose   func()
}

func NewChannel(sessionID string, sess browser.Session, cfg Config, pauser Pauser, logger *slog.Logger, m *metrics.Metrics) *Channel {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ch := &Channel{
		sessionID: sessionID,
		sess:      sess,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		logger:    logger.With("component", "control", "session_id", sessionID),
		metrics:   m,
		pauser:    pauser,
	}
	if cfg.DebugKeys {
		ch.logger.Warn("debug key logging enabled; keyboard characters will appear in logs")
	}
	return ch
}

// OnClose installs a hook fired once when the channel shuts down.
func (ch *Channel) OnClose(fn func()) { ch.onClose = fn }

// Run attaches the channel to an upgraded connection: announces the
// attach, arms the lifetime deadline, and starts the pumps. Returns
// immediately; the connection drives everything after.
func (ch *Channel) Run(conn *ws.Conn) {
	ch.conn = conn
	ch.started = time.Now()
	if ch.pauser != nil {
		ch.pauser.Pause()
	}
	if ch.metrics != nil {
		ch.metrics.ConnectionOpened("control")
	}

	conn.Start(ch.handleMessage, ch.handleClose)
	conn.Push(stream.ConnectionEstablishedFrame(ch.sessionID))
	ch.lifetime = time.AfterFunc(ch.cfg.MaxLifetime, ch.expire)
	ch.logger.Info("control channel attached")
}

func (ch *Channel) handleMessage(data []byte) {
	msg, err := Parse(data)
	if err != nil {
		ch.conn.Push(stream.ErrorFrame("invalid_message", err.Error()))
		return
	}
	if err := Validate(msg); err != nil {
		if ch.metrics != nil {
			ch.metrics.RecordControl(msg.Type, "rejected", 0)
		}
		ch.conn.Push(stream.ErrorFrame("invalid_message", err.Error()))
		return
	}

	if !ch.limiter.Allow() {
		if ch.metrics != nil {
			ch.metrics.ControlRateLimited.Inc()
		}
		ch.conn.Push(stream.ErrorFrame("rate_limit_exceeded", "too many messages, command dropped"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ch.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	err = Dispatch(ctx, ch.sess, msg)
	elapsed := time.Since(start)
	if ch.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		ch.metrics.RecordControl(msg.Type, outcome, elapsed.Seconds())
	}
	if err != nil {
		ch.logger.Warn("command execution failed",
			"type", msg.Type, "action", msg.Action, "error", err)
		ch.conn.Push(stream.ErrorFrame("execution_failed", err.Error()))
		return
	}

	ch.commands++
	ch.logCommand(msg)
	ch.conn.Push(stream.AckFrame())
}

// logCommand records executed input without leaking what was typed:
// mouse moves and wheel are too chatty, key values are secrets.
func (ch *Channel) logCommand(m *Message) {
	switch m.Type {
	case TypeMouse:
		if m.Action == ActionClick || m.Action == ActionDblClick {
			ch.logger.Info("mouse input", "action", m.Action, "x", coord(m.X), "y", coord(m.Y))
		}
	case TypeKeyboard:
		if m.Action != ActionDown {
			return
		}
		if ch.cfg.DebugKeys {
			ch.logger.Warn("keyboard input", "action", m.Action, "key", m.Key)
			return
		}
		ch.logger.Info("keyboard input", "action", m.Action, "key_kind", KeyCategory(m.Key))
	}
}

func (ch *Channel) expire() {
	ch.logger.Info("control channel lifetime reached", "lifetime", ch.cfg.MaxLifetime)
	ch.conn.Push(stream.SessionExpiredFrame(ch.sessionID))
	ch.conn.CloseWith(ws.CloseSessionExpired, "session_expired")
}

func (ch *Channel) handleClose() {
	ch.closeOnce.Do(func() {
		if ch.lifetime != nil {
			ch.lifetime.Stop()
		}
		if ch.pauser != nil {
			ch.pauser.Resume()
		}
		if ch.metrics != nil {
			ch.metrics.ConnectionClosed("control")
		}
		ch.logger.Info("control channel closed",
			"duration", time.Since(ch.started).Round(time.Millisecond),
			"commands", ch.commands)
		if ch.onClose != nil {
			ch.onClose()
		}
	})
}
