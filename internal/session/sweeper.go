package session

import (
	"context"
	"time"

	"github.com/visualcore/backend/internal/core"
)

// RunSweeper periodically ends idle sessions until ctx is done. Only
// sessions sitting in STREAMING are swept; a running workflow is bounded
// by its own step timeouts, and startup phases by the startup timeout.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	for _, s := range m.registry.List() {
		if s.Phase() != core.PhaseStreaming {
			continue
		}
		st := s.Streamer.Status()
		if st.ConnectedClients > 0 {
			continue
		}
		last := s.CreatedAt
		if st.LastEventTime > 0 {
			last = time.Unix(0, int64(st.LastEventTime*float64(time.Second)))
		}
		idle := now.Sub(last)
		if idle < m.cfg.IdleCutoff {
			continue
		}
		m.logger.Info("ending idle session",
			"session_id", s.ID, "idle", idle.Round(time.Second))
		s.End("idle_timeout")
	}
}
