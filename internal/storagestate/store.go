package storagestate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound means no record matched the id.
	ErrNotFound = errors.New("storage-state record not found")
	// ErrNotOwner means the record exists but belongs to another owner.
	ErrNotOwner = errors.New("storage-state record belongs to another owner")
)

// Store persists storage-state records. Implementations: Postgres,
// Supabase, and an in-memory store for tests and keyless deployments.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, recordID string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	// LatestVerified returns the newest record for the owner with
	// status == verified, created after cutoff, and with every requested
	// site true in its verified map. Returns ErrNotFound when none match.
	LatestVerified(ctx context.Context, ownerID string, sites []string, cutoff time.Time) (*Record, error)
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// MemoryStore keeps records in process memory. State does not survive a
// restart; deployments without a database fall back to it.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.RecordID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, recordID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.RecordID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	m.records[rec.RecordID] = &cp
	return nil
}

func (m *MemoryStore) LatestVerified(ctx context.Context, ownerID string, sites []string, cutoff time.Time) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []*Record
	for _, rec := range m.records {
		if rec.OwnerID != ownerID || rec.Status != StatusVerified {
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			continue
		}
		if !coversSites(rec.Verified, sites) {
			continue
		}
		matches = append(matches, rec)
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	cp := *matches[0]
	return &cp, nil
}

func coversSites(verified map[string]bool, sites []string) bool {
	for _, site := range sites {
		if !verified[site] {
			return false
		}
	}
	return true
}
