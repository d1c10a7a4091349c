package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/visualcore/backend/internal/browser"
	"github.com/visualcore/backend/internal/bus"
	"github.com/visualcore/backend/internal/core"
	"github.com/visualcore/backend/internal/directory"
	"github.com/visualcore/backend/internal/metrics"
	"github.com/visualcore/backend/internal/recorder"
	"github.com/visualcore/backend/internal/storagestate"
	"github.com/visualcore/backend/internal/stream"
	"github.com/visualcore/backend/internal/workflow"
)

// BrowserStarter launches the browser for one session. A non-nil
// headless overrides the server default.
type BrowserStarter func(ctx context.Context, headless *bool, state *core.StorageStateBlob) (browser.Session, error)

// Config carries the manager's session knobs.
type Config struct {
	Stream   stream.Config
	Recorder recorder.Options

	// AutoSave persists storage state when a session with an owner ends.
	AutoSave bool
	// UseCookies restores prior storage state on start (per-session
	// override via StartOptions).
	UseCookies bool

	// StartupTimeout bounds LOADING_STATE through RECORDER_ATTACHING.
	StartupTimeout time.Duration
	// SnapshotTimeout bounds the wait for the first FullSnapshot after a
	// successful injection.
	SnapshotTimeout time.Duration

	// IdleCutoff is how long a streaming session may sit with no events
	// and no viewers before the sweeper ends it.
	IdleCutoff time.Duration
	// SweepInterval is how often the sweeper scans the registry.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 60 * time.Second
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 15 * time.Second
	}
	if c.IdleCutoff <= 0 {
		c.IdleCutoff = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

// Deps are the manager's collaborators. State and Loader may be nil when
// storage-state persistence is disabled; Bus and Directory may be nil.
type Deps struct {
	State     *storagestate.Service
	Loader    *storagestate.Loader
	Directory *directory.Directory
	Bus       bus.Emitter
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// StartOptions shape one session.
type StartOptions struct {
	OwnerID    string
	Definition *workflow.Definition // nil runs an interactive session
	Headless   *bool                // nil uses the server default
	UseCookies *bool                // nil uses the server default
}

// Manager creates sessions and drives each one's state machine.
type Manager struct {
	cfg      Config
	starter  BrowserStarter
	state    *storagestate.Service
	loader   *storagestate.Loader
	registry *Registry
	dir      *directory.Directory
	bus      bus.Emitter
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewManager(cfg Config, starter BrowserStarter, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		starter:  starter,
		state:    deps.State,
		loader:   deps.Loader,
		registry: NewRegistry(),
		dir:      deps.Directory,
		bus:      deps.Bus,
		logger:   logger.With("component", "session"),
		metrics:  deps.Metrics,
	}
}

// Registry exposes the live-session table for lookups.
func (m *Manager) Registry() *Registry { return m.registry }

// Start creates a session and returns once it is registered; the state
// machine advances in the background. Early viewers and status polls are
// valid immediately.
func (m *Manager) Start(opts StartOptions) (*Session, error) {
	if opts.Definition != nil {
		if err := opts.Definition.Validate(); err != nil {
			return nil, err
		}
	}

	id := core.NewSessionID()
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		OwnerID:   opts.OwnerID,
		CreatedAt: time.Now().UTC(),
		Streamer:  stream.New(id.String(), m.cfg.Stream, m.logger, m.metrics),
		Gate:      workflow.NewGate(),
		phase:     core.PhaseInit,
		runCtx:    runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if opts.Definition != nil {
		s.Workflow = opts.Definition.Name
	}

	m.registry.Register(s)
	if m.dir != nil {
		m.dir.Announce(runCtx, &directory.Entry{
			SessionID:    id.String(),
			OwnerID:      opts.OwnerID,
			WorkflowName: s.Workflow,
			Phase:        core.PhaseInit,
			StartedAt:    s.CreatedAt,
		})
	}
	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
	}
	m.emit(bus.SessionStarted, s, map[string]interface{}{
		"owner_id": opts.OwnerID,
		"workflow": s.Workflow,
	})
	m.logger.Info("session created", "session_id", id, "workflow", s.Workflow)

	go m.run(s, opts)
	return s, nil
}

// Lookup finds a live session by id.
func (m *Manager) Lookup(id core.SessionID) *Session {
	return m.registry.Lookup(id)
}

// ============================================================================
// STATE MACHINE
// ============================================================================

func (m *Manager) run(s *Session, opts StartOptions) {
	defer close(s.done)
	defer m.teardown(s)

	startCtx, cancelStart := context.WithTimeout(s.runCtx, m.cfg.StartupTimeout)
	defer cancelStart()

	// LOADING_STATE
	var blob *core.StorageStateBlob
	useCookies := m.cfg.UseCookies
	if opts.UseCookies != nil {
		useCookies = *opts.UseCookies
	}
	if useCookies && m.loader != nil {
		m.setPhase(s, core.PhaseLoadingState)
		var source string
		blob, source = m.loader.Load(startCtx, opts.OwnerID, nil)
		if blob != nil {
			m.logger.Info("storage state restored",
				"session_id", s.ID, "source", source, "cookies", len(blob.Cookies))
		}
	}

	// BROWSER_STARTING
	m.setPhase(s, core.PhaseBrowserStarting)
	b, err := m.starter(startCtx, opts.Headless, blob)
	if err != nil {
		m.fail(s, fmt.Sprintf("browser start failed: %v", err))
		return
	}
	s.setBrowser(b)

	// RECORDER_ATTACHING
	m.setPhase(s, core.PhaseRecorderAttaching)
	inj := recorder.New(b, s.Streamer, m.cfg.Recorder, m.logger)
	inj.OnDegraded(func(reason string) { m.degrade(s, reason) })
	s.injector = inj
	if err := inj.Attach(startCtx); err != nil {
		m.fail(s, fmt.Sprintf("recorder attach failed: %v", err))
		return
	}
	select {
	case <-inj.FirstSnapshot():
	case <-time.After(m.cfg.SnapshotTimeout):
		m.fail(s, "recorder produced no snapshot")
		return
	case <-s.runCtx.Done():
		m.finalize(s, opts.OwnerID)
		return
	}

	// STREAMING
	m.setPhase(s, core.PhaseStreaming)

	// WORKFLOW_RUNNING
	if opts.Definition != nil {
		m.setPhase(s, core.PhaseWorkflowRunning)
		runner := workflow.NewRunner(b, s.Gate, m.logger.With("session_id", s.ID))
		runner.OnStep(func(p workflow.Progress) {
			m.emit(bus.PhaseChanged, s, map[string]interface{}{
				"phase":     string(core.PhaseWorkflowRunning),
				"step":      p.Index,
				"total":     p.Total,
				"step_type": p.Step.Type,
			})
		})
		if err := runner.Run(s.runCtx, opts.Definition); err != nil && s.runCtx.Err() == nil {
			m.finalize(s, opts.OwnerID)
			m.fail(s, fmt.Sprintf("workflow failed: %v", err))
			return
		}
	} else {
		// Interactive session: stream until cancelled, expired, or swept.
		<-s.runCtx.Done()
	}

	m.finalize(s, opts.OwnerID)
	m.setPhase(s, core.PhaseEnded)
}

// finalize runs the FINALIZING phase: best-effort storage-state capture
// while the browser is still alive. Verification downstream decides
// whether the captured state is usable; capture itself never fails the
// session.
func (m *Manager) finalize(s *Session, ownerID string) {
	m.setPhase(s, core.PhaseFinalizing)
	m.autosave(s, ownerID)
}

func (m *Manager) autosave(s *Session, ownerID string) {
	if !m.cfg.AutoSave || m.state == nil || ownerID == "" {
		return
	}
	b := s.Browser()
	if b == nil {
		return
	}

	// The run context is usually cancelled by now; capture gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cookies, err := b.Cookies(ctx)
	if err != nil {
		m.logger.Warn("autosave: cookie capture failed", "session_id", s.ID, "error", err)
		m.emit(bus.AutosaveFailed, s, map[string]interface{}{"error": err.Error()})
		return
	}
	blob := &core.StorageStateBlob{Cookies: cookies}
	if origin, err := b.LocalStorage(ctx); err == nil && origin != nil && len(origin.LocalStorage) > 0 {
		blob.Origins = []core.OriginStorage{*origin}
	}
	if env, err := b.EnvMetadata(ctx); err == nil {
		blob.EnvMetadata = env
	}

	rec, err := m.state.Save(ctx, ownerID, blob, map[string]interface{}{
		"session_id": s.ID.String(),
		"workflow":   s.Workflow,
		"trigger":    "autosave",
	})
	if err != nil {
		m.logger.Warn("autosave failed", "session_id", s.ID, "error", err)
		m.emit(bus.AutosaveFailed, s, map[string]interface{}{"error": err.Error()})
		return
	}
	m.logger.Info("autosave complete",
		"session_id", s.ID, "record_id", rec.RecordID, "status", rec.Status)
	m.emit(bus.AutosaveSaved, s, map[string]interface{}{
		"record_id": rec.RecordID,
		"status":    string(rec.Status),
	})
}

// teardown releases everything a session holds. Runs exactly once, as
// the run loop's final defer.
func (m *Manager) teardown(s *Session) {
	if inj := s.injector; inj != nil {
		inj.Detach()
	}
	if b := s.Browser(); b != nil {
		if err := b.Close(); err != nil {
			m.logger.Warn("browser close failed", "session_id", s.ID, "error", err)
		}
	}
	status := s.Streamer.Status()
	s.Streamer.Stop()

	m.registry.Remove(s.ID)
	if m.dir != nil {
		m.dir.Remove(context.Background(), s.ID.String())
	}

	failed := s.Phase() == core.PhaseFailed
	duration := time.Since(s.CreatedAt)
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
		m.metrics.RecordSessionEnd(failed, duration.Seconds())
	}

	reason := s.takeEndReason()
	if reason == "" {
		if failed {
			reason = "failed"
		} else {
			reason = "completed"
		}
	}
	m.emit(bus.SessionEnded, s, map[string]interface{}{
		"reason":           reason,
		"failure":          s.Failure(),
		"duration_secs":    duration.Seconds(),
		"events_processed": status.EventsProcessed,
	})
	m.logger.Info("session ended",
		"session_id", s.ID,
		"reason", reason,
		"duration", duration.Round(time.Millisecond),
		"events", status.EventsProcessed)
}

func (m *Manager) setPhase(s *Session, p core.Phase) {
	s.setPhase(p)
	degraded, _ := s.Degraded()
	if m.dir != nil {
		m.dir.SetPhase(context.Background(), s.ID.String(), p, degraded)
	}
	m.emit(bus.PhaseChanged, s, map[string]interface{}{"phase": string(p)})
	m.logger.Debug("phase", "session_id", s.ID, "phase", p)
}

func (m *Manager) fail(s *Session, msg string) {
	s.setFailure(msg)
	m.setPhase(s, core.PhaseFailed)
	m.logger.Error("session failed", "session_id", s.ID, "failure", msg)
}

func (m *Manager) degrade(s *Session, reason string) {
	s.setDegraded(reason)
	if m.dir != nil {
		m.dir.SetPhase(context.Background(), s.ID.String(), s.Phase(), true)
	}
	m.emit(bus.Degraded, s, map[string]interface{}{"reason": reason})
}

func (m *Manager) emit(eventType string, s *Session, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventType, s.ID.String(), data)
}

// Shutdown ends every live session and waits for teardown, bounded by
// ctx. Sessions still tearing down when ctx expires are abandoned.
func (m *Manager) Shutdown(ctx context.Context) {
	sessions := m.registry.List()
	for _, s := range sessions {
		s.End("server_shutdown")
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			m.logger.Warn("shutdown timed out waiting for session", "session_id", s.ID)
			return
		}
	}
}
