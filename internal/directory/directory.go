// Package directory tracks live sessions. The in-memory map serves a
// single pod; with Redis attached, every pod sees the same listing and
// the platform can route viewers to sessions it did not start.
package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/visualcore/backend/internal/core"
)

// RedisClient is the minimal command surface the directory needs. The
// concrete go-redis adapter lives in redis.go; tests inject fakes.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Entry is one announced session.
type Entry struct {
	SessionID    string     `json:"session_id"`
	OwnerID      string     `json:"owner_id,omitempty"`
	WorkflowName string     `json:"workflow_name,omitempty"`
	Phase        core.Phase `json:"phase"`
	Degraded     bool       `json:"degraded,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Directory is the session announcement board.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	redis  RedisClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithRedis mirrors announcements into Redis under prefix with the given
// entry TTL. Zero ttl keeps the 30-minute default.
func WithRedis(client RedisClient, prefix string, ttl time.Duration) Option {
	return func(d *Directory) {
		d.redis = client
		if prefix != "" {
			d.prefix = prefix
		}
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{
		entries: make(map[string]*Entry),
		prefix:  "visual:sessions:",
		ttl:     30 * time.Minute,
		logger:  logger.With("component", "directory"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) entryKey(id string) string { return d.prefix + "entry:" + id }
func (d *Directory) indexKey() string          { return d.prefix + "index" }

// Announce registers or refreshes an entry. Redis failures are logged
// and do not fail the announcement; the local map stays authoritative
// for sessions this pod owns.
func (d *Directory) Announce(ctx context.Context, e *Entry) {
	e.UpdatedAt = time.Now().UTC()
	if e.StartedAt.IsZero() {
		e.StartedAt = e.UpdatedAt
	}

	d.mu.Lock()
	d.entries[e.SessionID] = e
	d.mu.Unlock()

	if d.redis == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		d.logger.Error("entry marshal failed", "session_id", e.SessionID, "error", err)
		return
	}
	if err := d.redis.Set(ctx, d.entryKey(e.SessionID), data, d.ttl); err != nil {
		d.logger.Warn("redis announce failed", "session_id", e.SessionID, "error", err)
		return
	}
	if err := d.redis.SAdd(ctx, d.indexKey(), e.SessionID); err != nil {
		d.logger.Warn("redis index add failed", "session_id", e.SessionID, "error", err)
	}
}

// SetPhase refreshes the phase (and degraded flag) of an announced entry.
func (d *Directory) SetPhase(ctx context.Context, id string, phase core.Phase, degraded bool) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if ok {
		e.Phase = phase
		e.Degraded = degraded
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	// Re-announce to push the update and refresh the TTL.
	d.Announce(ctx, e)
}

// Remove withdraws an entry.
func (d *Directory) Remove(ctx context.Context, id string) {
	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()

	if d.redis == nil {
		return
	}
	if err := d.redis.Del(ctx, d.entryKey(id)); err != nil {
		d.logger.Warn("redis remove failed", "session_id", id, "error", err)
	}
	if err := d.redis.SRem(ctx, d.indexKey(), id); err != nil {
		d.logger.Warn("redis index remove failed", "session_id", id, "error", err)
	}
}

// Get returns a local entry.
func (d *Directory) Get(id string) (*Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// List returns every visible session: the shared Redis view when
// attached, otherwise this pod's own entries. Stale index members whose
// entries have expired are pruned as they are encountered.
func (d *Directory) List(ctx context.Context) []*Entry {
	if d.redis == nil {
		return d.listLocal()
	}

	ids, err := d.redis.SMembers(ctx, d.indexKey())
	if err != nil {
		d.logger.Warn("redis list failed, serving local entries", "error", err)
		return d.listLocal()
	}

	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		data, err := d.redis.Get(ctx, d.entryKey(id))
		if err != nil {
			if rerr := d.redis.SRem(ctx, d.indexKey(), id); rerr != nil {
				d.logger.Warn("stale index prune failed", "session_id", id, "error", rerr)
			}
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			d.logger.Warn("bad directory entry", "session_id", id, "error", err)
			continue
		}
		out = append(out, &e)
	}
	return out
}

func (d *Directory) listLocal() []*Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Entry, 0, len(d.entries))
	for _, e := range d.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}
