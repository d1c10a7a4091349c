package stream

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/visualcore/backend/internal/metrics"
	"github.com/visualcore/backend/internal/ws"
)

// ErrStopped is returned by operations on a streamer that has shut down.
var ErrStopped = errors.New("streamer stopped")

// Config carries the per-session streaming knobs.
type Config struct {
	BufferSize   int           // ring capacity
	ClientQueue  int           // per-viewer outbox limit
	SnapshotWait time.Duration // max hold for a viewer with no snapshot buffered
	DrainGrace   time.Duration // shutdown flush bound
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:   1000,
		ClientQueue:  256,
		SnapshotWait: 30 * time.Second,
		DrainGrace:   2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.ClientQueue <= 0 {
		c.ClientQueue = d.ClientQueue
	}
	if c.SnapshotWait <= 0 {
		c.SnapshotWait = d.SnapshotWait
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = d.DrainGrace
	}
	return c
}

// Status is the streamer's externally visible state.
type Status struct {
	StreamingActive  bool    `json:"streaming_active"`
	StreamingReady   bool    `json:"streaming_ready"`
	EventsProcessed  uint64  `json:"events_processed"`
	EventsBuffered   int     `json:"events_buffered"`
	ConnectedClients int     `json:"connected_clients"`
	LastEventTime    float64 `json:"last_event_time,omitempty"`
	EventsPerSecond  float64 `json:"events_per_second"`
}

// Client is one registered viewer. All fields past the outbox are owned by
// the streamer loop.
type Client struct {
	ID     string
	outbox *ws.Outbox

	closeFn func(code int, reason string)

	ready        bool
	waiting      bool
	needsReset   bool
	waitingSince time.Time
}

// Outbox exposes the viewer's outbound queue for the connection pump.
func (c *Client) Outbox() *ws.Outbox { return c.outbox }

// OnClose installs the hook the streamer uses to close the underlying
// connection. Must be set before the client is registered.
func (c *Client) OnClose(fn func(code int, reason string)) { c.closeFn = fn }

func (c *Client) shutdown(code int, reason string) {
	if c.closeFn != nil {
		c.closeFn(code, reason)
		return
	}
	c.outbox.Close()
}

type commandKind int

const (
	cmdRegister commandKind = iota
	cmdUnregister
	cmdReady
	cmdResetRequest
)

type command struct {
	kind   commandKind
	client *Client
	reply  chan error
}

// Streamer owns one session's event pipeline. A single loop goroutine
// reads the ingest channel, assigns sequence ids, appends to the ring, and
// fans out; nothing that suspends runs while it holds the session state.
type Streamer struct {
	sessionID string
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ingest    chan []byte
	commands  chan command
	statusReq chan chan Status

	origin atomic.Value // string

	stopOnce sync.Once
	stopping chan struct{}
	stopped  chan struct{}

	// Loop-owned state.
	nextSeq   uint64
	ring      *Ring
	clients   map[string]*Client
	processed uint64
	lastEvent float64
	rate      rateWindow
}

// New starts a streamer for a session.
func New(sessionID string, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Streamer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Streamer{
		sessionID: sessionID,
		cfg:       cfg,
		logger:    logger.With("component", "streamer", "session_id", sessionID),
		metrics:   m,
		ingest:    make(chan []byte, cfg.BufferSize),
		commands:  make(chan command, 32),
		statusReq: make(chan chan Status),
		stopping:  make(chan struct{}),
		stopped:   make(chan struct{}),
		ring:      NewRing(cfg.BufferSize),
		clients:   make(map[string]*Client),
	}
	s.origin.Store("")
	go s.run()
	return s
}

// SessionID returns the owning session.
func (s *Streamer) SessionID() string { return s.sessionID }

// SetOrigin records the page origin stamped into event metadata.
func (s *Streamer) SetOrigin(url string) { s.origin.Store(url) }

// Ingest accepts one raw recorder payload from the page bridge. It never
// blocks: when the ingest channel is full the event is dropped and counted,
// and false is returned.
func (s *Streamer) Ingest(raw []byte) bool {
	select {
	case <-s.stopping:
		return false
	default:
	}

	select {
	case s.ingest <- raw:
		if s.metrics != nil {
			s.metrics.IngestDepth.Set(float64(len(s.ingest)))
		}
		return true
	default:
		if s.metrics != nil {
			s.metrics.RecordDrop("ingest_overflow")
		}
		s.logger.Warn("ingest channel full, dropping recorder event")
		return false
	}
}

// NewClient allocates a viewer with its own bounded outbox. The client
// receives nothing until Register and a client_ready handshake.
func (s *Streamer) NewClient() *Client {
	return &Client{
		ID:     uuid.New().String(),
		outbox: ws.NewOutbox(s.cfg.ClientQueue),
	}
}

// Register adds the client to the fan-out set.
func (s *Streamer) Register(c *Client) error {
	cmd := command{kind: cmdRegister, client: c, reply: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-s.stopping:
		return ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.stopped:
		return ErrStopped
	}
}

// Unregister removes the client and closes its outbox. Safe to call for
// clients that were never registered or are already gone.
func (s *Streamer) Unregister(c *Client) {
	select {
	case s.commands <- command{kind: cmdUnregister, client: c}:
	case <-s.stopping:
		c.outbox.Close()
	}
}

// ClientReady starts delivery for a viewer, replaying from the newest
// buffered FullSnapshot so the first event it observes is a snapshot.
func (s *Streamer) ClientReady(c *Client) {
	select {
	case s.commands <- command{kind: cmdReady, client: c}:
	case <-s.stopping:
	}
}

// RequestReset replays the snapshot-anchored suffix on viewer request.
func (s *Streamer) RequestReset(c *Client) {
	select {
	case s.commands <- command{kind: cmdResetRequest, client: c}:
	case <-s.stopping:
	}
}

// Status snapshots the streamer state. After shutdown it reports inactive.
func (s *Streamer) Status() Status {
	reply := make(chan Status, 1)
	select {
	case s.statusReq <- reply:
	case <-s.stopped:
		return Status{}
	}
	select {
	case st := <-reply:
		return st
	case <-s.stopped:
		return Status{}
	}
}

// Stop shuts the pipeline down: ingest closes, viewer queues drain within
// the grace window, then every channel closes with session_expired.
func (s *Streamer) Stop() {
	s.stopOnce.Do(func() { close(s.stopping) })
	select {
	case <-s.stopped:
	case <-time.After(s.cfg.DrainGrace + 3*time.Second):
		s.logger.Warn("streamer stop exceeded drain grace")
	}
}

// ============================================================================
// LOOP
// ============================================================================

func (s *Streamer) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case raw := <-s.ingest:
			s.handleIngest(raw)
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case reply := <-s.statusReq:
			reply <- s.buildStatus()
		case <-ticker.C:
			s.expireWaiters(time.Now())
		case <-s.stopping:
			s.shutdown()
			return
		}
	}
}

func (s *Streamer) handleIngest(raw []byte) {
	ev, err := ParseRecorderEvent(raw)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordDrop("invalid")
		}
		s.logger.Warn("dropping malformed recorder event", "error", err)
		return
	}

	wire := &WireEvent{
		SessionID:  s.sessionID,
		Timestamp:  HostTimestamp(),
		Event:      ev.Raw,
		SequenceID: s.nextSeq,
		Metadata: WireMetadata{
			OriginURL:  s.origin.Load().(string),
			IsSnapshot: ev.IsSnapshot(),
		},
	}
	s.nextSeq++
	s.ring.Append(wire)
	s.processed++
	s.lastEvent = wire.Timestamp
	s.rate.mark(time.Now().Unix())
	if s.metrics != nil {
		s.metrics.RecordIngest(ev.IsSnapshot())
		s.metrics.IngestDepth.Set(float64(len(s.ingest)))
	}

	// A fresh snapshot releases every held viewer: it is the next
	// snapshot-anchored frame they were waiting for.
	if ev.IsSnapshot() {
		for _, c := range s.clients {
			if !c.waiting {
				continue
			}
			c.waiting = false
			c.ready = true
			if c.needsReset {
				c.needsReset = false
				c.outbox.Push(SequenceResetFrame(wire.SequenceID))
				if s.metrics != nil {
					s.metrics.RecordReset("slow_client")
				}
			}
			if s.metrics != nil {
				s.metrics.SnapshotWait.Observe(time.Since(c.waitingSince).Seconds())
			}
		}
	}

	payload := wire.Encode()
	for _, c := range s.clients {
		if !c.ready {
			continue
		}
		s.deliver(c, payload)
	}
}

// deliver pushes one frame to one viewer. A full queue marks the viewer
// slow and re-anchors it; the ingest path itself never blocks.
func (s *Streamer) deliver(c *Client, payload []byte) {
	if c.outbox.Push(payload) {
		if s.metrics != nil {
			s.metrics.RecordDelivery("event")
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecordDrop("client_queue")
	}
	s.reanchor(c)
}

// reanchor drops a slow viewer's backlog to the newest FullSnapshot. When
// even the anchored suffix exceeds the queue, the viewer is parked until
// the next snapshot arrives.
func (s *Streamer) reanchor(c *Client) {
	suffix, ok := s.ring.SnapshotSuffix()
	if ok && len(suffix)+1 <= s.cfg.ClientQueue {
		frames := make([][]byte, 0, len(suffix)+1)
		frames = append(frames, SequenceResetFrame(suffix[0].SequenceID))
		for _, ev := range suffix {
			frames = append(frames, ev.Encode())
		}
		c.outbox.ReplaceAll(frames)
		if s.metrics != nil {
			s.metrics.RecordReset("slow_client")
		}
		s.logger.Info("slow viewer re-anchored",
			"client_id", c.ID, "base", suffix[0].SequenceID, "frames", len(frames))
		return
	}

	c.outbox.ReplaceAll(nil)
	c.ready = false
	c.waiting = true
	c.needsReset = true
	c.waitingSince = time.Now()
	s.logger.Info("slow viewer parked until next snapshot", "client_id", c.ID)
}

func (s *Streamer) handleCommand(cmd command) {
	c := cmd.client
	switch cmd.kind {
	case cmdRegister:
		s.clients[c.ID] = c
		cmd.reply <- nil
		s.logger.Info("viewer registered", "client_id", c.ID, "viewers", len(s.clients))

	case cmdUnregister:
		if _, ok := s.clients[c.ID]; ok {
			delete(s.clients, c.ID)
			c.outbox.Close()
			s.logger.Info("viewer unregistered", "client_id", c.ID, "viewers", len(s.clients))
		}

	case cmdReady:
		if _, ok := s.clients[c.ID]; !ok {
			return
		}
		s.startReplay(c, false)

	case cmdResetRequest:
		if _, ok := s.clients[c.ID]; !ok {
			return
		}
		// Replay first: it replaces the queue, so an ack pushed ahead of
		// it would be discarded. The ack trails the replayed suffix.
		s.startReplay(c, true)
		c.outbox.Push(SequenceResetAckFrame())
		if s.metrics != nil {
			s.metrics.RecordReset("client_request")
		}
	}
}

// startReplay seeds a viewer from the newest buffered FullSnapshot.
// withReset prefixes a sequence_reset frame for viewers that have already
// observed events under the previous anchor.
func (s *Streamer) startReplay(c *Client, withReset bool) {
	suffix, ok := s.ring.SnapshotSuffix()
	if !ok || len(suffix)+boolToInt(withReset) > s.cfg.ClientQueue {
		// Nothing to anchor on (or it no longer fits): hold the viewer
		// for the next snapshot.
		c.ready = false
		c.waiting = true
		c.needsReset = withReset
		c.waitingSince = time.Now()
		if !ok {
			s.logger.Info("viewer held for first snapshot", "client_id", c.ID)
		}
		return
	}

	frames := make([][]byte, 0, len(suffix)+1)
	if withReset {
		frames = append(frames, SequenceResetFrame(suffix[0].SequenceID))
	}
	for _, ev := range suffix {
		frames = append(frames, ev.Encode())
	}
	c.outbox.ReplaceAll(frames)
	c.ready = true
	c.waiting = false
	c.needsReset = false
	s.logger.Info("viewer replay started",
		"client_id", c.ID, "base", suffix[0].SequenceID, "frames", len(frames))
}

// expireWaiters enforces the snapshot wait deadline.
func (s *Streamer) expireWaiters(now time.Time) {
	for id, c := range s.clients {
		if !c.waiting || now.Sub(c.waitingSince) < s.cfg.SnapshotWait {
			continue
		}
		delete(s.clients, id)
		c.outbox.ReplaceAll([][]byte{SessionExpiredFrame(s.sessionID)})
		c.shutdown(ws.CloseSessionExpired, "session_expired")
		if s.metrics != nil {
			s.metrics.RecordDrop("client_evicted")
		}
		s.logger.Warn("viewer expired waiting for snapshot", "client_id", c.ID)
	}
}

func (s *Streamer) buildStatus() Status {
	_, hasSnapshot := s.ring.SnapshotSeq()
	return Status{
		StreamingActive:  true,
		StreamingReady:   s.processed > 0 && hasSnapshot,
		EventsProcessed:  s.processed,
		EventsBuffered:   s.ring.Len(),
		ConnectedClients: len(s.clients),
		LastEventTime:    s.lastEvent,
		EventsPerSecond:  s.rate.perSecond(time.Now().Unix()),
	}
}

// shutdown expires every viewer and waits for their queues to flush, up to
// the drain grace.
func (s *Streamer) shutdown() {
	defer close(s.stopped)

	expired := SessionExpiredFrame(s.sessionID)
	for _, c := range s.clients {
		if !c.outbox.Push(expired) {
			c.outbox.ReplaceAll([][]byte{expired})
		}
		c.shutdown(ws.CloseSessionExpired, "session_expired")
	}

	deadline := time.Now().Add(s.cfg.DrainGrace)
	for time.Now().Before(deadline) {
		drained := true
		for _, c := range s.clients {
			if !c.outbox.Drained() {
				drained = false
				break
			}
		}
		if drained {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	s.clients = make(map[string]*Client)
	s.logger.Info("streamer stopped", "events_processed", s.processed)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ============================================================================
// EVENT RATE — rolling ten second window
// ============================================================================

type rateWindow struct {
	seconds [10]int64
	counts  [10]uint64
}

func (w *rateWindow) mark(now int64) {
	i := now % 10
	if w.seconds[i] != now {
		w.seconds[i] = now
		w.counts[i] = 0
	}
	w.counts[i]++
}

func (w *rateWindow) perSecond(now int64) float64 {
	var sum uint64
	for i := range w.seconds {
		if w.seconds[i] > now-10 {
			sum += w.counts[i]
		}
	}
	return float64(sum) / 10
}
