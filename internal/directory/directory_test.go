package directory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visualcore/backend/internal/core"
)

// fakeRedis implements RedisClient over maps. TTLs are recorded, not
// enforced; expiry behavior is covered by pruning stale index members.
type fakeRedis struct {
	mu   sync.Mutex
	kv   map[string][]byte
	sets map[string]map[string]bool
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		kv:   make(map[string][]byte),
		sets: make(map[string]map[string]bool),
		ttls: make(map[string]time.Duration),
	}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeRedis) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return v, nil
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.kv, k)
	}
	return nil
}

func (f *fakeRedis) SAdd(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]bool)
	}
	for _, m := range members {
		f.sets[key][m] = true
	}
	return nil
}

func (f *fakeRedis) SRem(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sets[key], m)
	}
	return nil
}

func (f *fakeRedis) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func TestDirectoryLocalOnly(t *testing.T) {
	d := New(nil)
	ctx := context.Background()

	d.Announce(ctx, &Entry{SessionID: "visual-1", OwnerID: "o1", Phase: core.PhaseInit})
	d.SetPhase(ctx, "visual-1", core.PhaseStreaming, false)

	e, ok := d.Get("visual-1")
	require.True(t, ok)
	assert.Equal(t, core.PhaseStreaming, e.Phase)
	assert.False(t, e.StartedAt.IsZero())

	list := d.List(ctx)
	require.Len(t, list, 1)

	d.Remove(ctx, "visual-1")
	_, ok = d.Get("visual-1")
	assert.False(t, ok)
	assert.Empty(t, d.List(ctx))
}

func TestDirectoryMirrorsIntoRedis(t *testing.T) {
	rds := newFakeRedis()
	d := New(nil, WithRedis(rds, "visual:sessions:", 10*time.Minute))
	ctx := context.Background()

	d.Announce(ctx, &Entry{SessionID: "visual-1", Phase: core.PhaseStreaming})

	rds.mu.Lock()
	_, stored := rds.kv["visual:sessions:entry:visual-1"]
	ttl := rds.ttls["visual:sessions:entry:visual-1"]
	rds.mu.Unlock()
	assert.True(t, stored)
	assert.Equal(t, 10*time.Minute, ttl)

	list := d.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "visual-1", list[0].SessionID)

	d.Remove(ctx, "visual-1")
	assert.Empty(t, d.List(ctx))
}

func TestDirectoryListSeesOtherPods(t *testing.T) {
	rds := newFakeRedis()
	podA := New(nil, WithRedis(rds, "", 0))
	podB := New(nil, WithRedis(rds, "", 0))
	ctx := context.Background()

	podA.Announce(ctx, &Entry{SessionID: "visual-a", Phase: core.PhaseStreaming})
	podB.Announce(ctx, &Entry{SessionID: "visual-b", Phase: core.PhaseWorkflowRunning})

	ids := make(map[string]bool)
	for _, e := range podA.List(ctx) {
		ids[e.SessionID] = true
	}
	assert.True(t, ids["visual-a"])
	assert.True(t, ids["visual-b"], "pod A must see pod B's session")

	// Pod B's entry is local only to pod B.
	_, ok := podA.Get("visual-b")
	assert.False(t, ok)
}

func TestDirectoryPrunesExpiredEntries(t *testing.T) {
	rds := newFakeRedis()
	d := New(nil, WithRedis(rds, "", 0))
	ctx := context.Background()

	d.Announce(ctx, &Entry{SessionID: "visual-1", Phase: core.PhaseStreaming})

	// Simulate TTL expiry: the value is gone but the index still lists it.
	rds.mu.Lock()
	delete(rds.kv, "visual:sessions:entry:visual-1")
	rds.mu.Unlock()

	assert.Empty(t, d.List(ctx))

	members, err := rds.SMembers(ctx, "visual:sessions:index")
	require.NoError(t, err)
	assert.Empty(t, members, "stale member pruned from index")
}
