// Package session owns the lifecycle of a visual streaming session: the
// browser, the recorder, the streamer, and the workflow runner, driven
// through one state machine per session.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/visualcore/backend/internal/browser"
	"github.com/visualcore/backend/internal/core"
	"github.com/visualcore/backend/internal/recorder"
	"github.com/visualcore/backend/internal/stream"
	"github.com/visualcore/backend/internal/workflow"
)

// Session is one live visual streaming session. The manager's run loop
// owns all writes; everything else reads through the accessors.
type Session struct {
	ID        core.SessionID
	OwnerID   string
	Workflow  string
	CreatedAt time.Time

	// Streamer accepts recorder events and fans out to viewers. Live from
	// the moment the session exists, so early viewers can attach and wait
	// for the first snapshot.
	Streamer *stream.Streamer

	// Gate pauses workflow input steps while a control channel is attached.
	Gate *workflow.Gate

	mu            sync.RWMutex
	phase         core.Phase
	failure       string
	degraded      bool
	degradeReason string
	browser       browser.Session
	endReason     string

	injector *recorder.Injector

	runCtx  context.Context
	cancel  context.CancelFunc
	endOnce sync.Once
	done    chan struct{}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() core.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Degraded reports whether the recorder gave up re-injecting. The stream
// stays up; new viewers see the last good snapshot.
func (s *Session) Degraded() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded, s.degradeReason
}

// Failure returns the failure detail for a FAILED session.
func (s *Session) Failure() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// Browser returns the live browser session, or nil before the browser
// has started (control attaches must answer browser_not_ready).
func (s *Session) Browser() browser.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.browser
}

// Done closes when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// End requests teardown. The run loop performs the actual shutdown;
// callers wanting to block can wait on Done.
func (s *Session) End(reason string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.endReason = reason
		s.mu.Unlock()
		s.cancel()
	})
}

func (s *Session) setBrowser(b browser.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.browser = b
}

func (s *Session) setPhase(p core.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

func (s *Session) setDegraded(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = true
	s.degradeReason = reason
}

func (s *Session) setFailure(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = msg
}

func (s *Session) takeEndReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endReason
}

// StatusView is the externally visible session state, composed for the
// status endpoint and the directory.
type StatusView struct {
	SessionID string        `json:"session_id"`
	Phase     core.Phase    `json:"phase"`
	Degraded  bool          `json:"degraded"`
	Failure   string        `json:"failure,omitempty"`
	OwnerID   string        `json:"owner_id,omitempty"`
	Workflow  string        `json:"workflow,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Stream    stream.Status `json:"stream"`
}

// StatusView snapshots the session for external readers.
func (s *Session) StatusView() StatusView {
	s.mu.RLock()
	phase, degraded, failure := s.phase, s.degraded, s.failure
	s.mu.RUnlock()
	return StatusView{
		SessionID: s.ID.String(),
		Phase:     phase,
		Degraded:  degraded,
		Failure:   failure,
		OwnerID:   s.OwnerID,
		Workflow:  s.Workflow,
		CreatedAt: s.CreatedAt,
		Stream:    s.Streamer.Status(),
	}
}
