package storagestate

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseStore persists records through the Supabase REST API. Used by
// deployments without a direct Postgres connection.
type SupabaseStore struct {
	client *supabase.Client
}

// storageStateRow mirrors the storage_state_records table. Timestamps are
// strings to handle the Supabase timestamp format.
type storageStateRow struct {
	RecordID   string                 `json:"record_id"`
	OwnerID    string                 `json:"owner_id"`
	Ciphertext string                 `json:"ciphertext"`
	Nonce      string                 `json:"nonce"`
	WrappedKey string                 `json:"wrapped_key"`
	KID        string                 `json:"kid"`
	Status     string                 `json:"status"`
	Verified   map[string]bool        `json:"verified"`
	Metadata   map[string]interface{} `json:"metadata"`
	CreatedAt  string                 `json:"created_at"`
	UpdatedAt  string                 `json:"updated_at"`
}

// NewSupabaseStore creates a store backed by a Supabase project.
func NewSupabaseStore(url, serviceKey string) (*SupabaseStore, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

func (s *SupabaseStore) Insert(ctx context.Context, rec *Record) error {
	var result []storageStateRow
	_, err := s.client.From("storage_state_records").
		Insert(toRow(rec), false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.RecordID, err)
	}
	return nil
}

func (s *SupabaseStore) Get(ctx context.Context, recordID string) (*Record, error) {
	var rows []storageStateRow
	_, err := s.client.From("storage_state_records").
		Select("*", "", false).
		Eq("record_id", recordID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", recordID, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return fromRow(&rows[0])
}

func (s *SupabaseStore) Update(ctx context.Context, rec *Record) error {
	var result []storageStateRow
	_, err := s.client.From("storage_state_records").
		Update(toRow(rec), "", "").
		Eq("record_id", rec.RecordID).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", rec.RecordID, err)
	}
	return nil
}

func (s *SupabaseStore) LatestVerified(ctx context.Context, ownerID string, sites []string, cutoff time.Time) (*Record, error) {
	// PostgREST cannot express JSONB containment through this client, so
	// pull the recent verified rows and filter the site map here.
	var rows []storageStateRow
	_, err := s.client.From("storage_state_records").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Eq("status", string(StatusVerified)).
		Gte("created_at", cutoff.UTC().Format(time.RFC3339)).
		Order("created_at", nil).
		Limit(25, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to query verified records: %w", err)
	}

	var best *Record
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			continue
		}
		if !coversSites(rec.Verified, sites) {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func toRow(rec *Record) *storageStateRow {
	return &storageStateRow{
		RecordID:   rec.RecordID,
		OwnerID:    rec.OwnerID,
		Ciphertext: rec.Ciphertext,
		Nonce:      rec.Nonce,
		WrappedKey: rec.WrappedKey,
		KID:        rec.KID,
		Status:     string(rec.Status),
		Verified:   rec.Verified,
		Metadata:   rec.Metadata,
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func fromRow(row *storageStateRow) (*Record, error) {
	createdAt, err := parseSupabaseTime(row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at %q: %w", row.CreatedAt, err)
	}
	updatedAt, err := parseSupabaseTime(row.UpdatedAt)
	if err != nil {
		updatedAt = createdAt
	}
	return &Record{
		RecordID:   row.RecordID,
		OwnerID:    row.OwnerID,
		Ciphertext: row.Ciphertext,
		Nonce:      row.Nonce,
		WrappedKey: row.WrappedKey,
		KID:        row.KID,
		Status:     Status(row.Status),
		Verified:   row.Verified,
		Metadata:   row.Metadata,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}

func parseSupabaseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
