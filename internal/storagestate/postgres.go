package storagestate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore persists records in a storage_state_records table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects and ensures the table exists.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS storage_state_records (
			record_id   TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			ciphertext  TEXT NOT NULL,
			nonce       TEXT NOT NULL,
			wrapped_key TEXT NOT NULL,
			kid         TEXT NOT NULL,
			status      TEXT NOT NULL,
			verified    JSONB NOT NULL DEFAULT '{}',
			metadata    JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_storage_state_owner
			ON storage_state_records (owner_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate storage_state_records: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	verified, err := json.Marshal(rec.Verified)
	if err != nil {
		return fmt.Errorf("failed to marshal verified map: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO storage_state_records
			(record_id, owner_id, ciphertext, nonce, wrapped_key, kid,
			 status, verified, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.RecordID, rec.OwnerID, rec.Ciphertext, rec.Nonce, rec.WrappedKey,
		rec.KID, string(rec.Status), verified, metadata, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.RecordID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, recordID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT record_id, owner_id, ciphertext, nonce, wrapped_key, kid,
		       status, verified, metadata, created_at, updated_at
		FROM storage_state_records WHERE record_id = $1`, recordID)
	return scanRecord(row)
}

func (s *PostgresStore) Update(ctx context.Context, rec *Record) error {
	verified, err := json.Marshal(rec.Verified)
	if err != nil {
		return fmt.Errorf("failed to marshal verified map: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE storage_state_records
		SET ciphertext = $2, nonce = $3, wrapped_key = $4, kid = $5,
		    status = $6, verified = $7, metadata = $8, updated_at = $9
		WHERE record_id = $1`,
		rec.RecordID, rec.Ciphertext, rec.Nonce, rec.WrappedKey, rec.KID,
		string(rec.Status), verified, metadata, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", rec.RecordID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LatestVerified(ctx context.Context, ownerID string, sites []string, cutoff time.Time) (*Record, error) {
	// Requested sites become a JSONB containment filter over the
	// verified map: {"google": true} matches only records where google
	// verified.
	want := make(map[string]bool, len(sites))
	for _, site := range sites {
		want[site] = true
	}
	filter, err := json.Marshal(want)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal site filter: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT record_id, owner_id, ciphertext, nonce, wrapped_key, kid,
		       status, verified, metadata, created_at, updated_at
		FROM storage_state_records
		WHERE owner_id = $1
		  AND status = 'verified'
		  AND created_at >= $2
		  AND verified @> $3::jsonb
		ORDER BY created_at DESC
		LIMIT 1`, ownerID, cutoff, filter)
	return scanRecord(row)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var status string
	var verified, metadata []byte

	err := row.Scan(&rec.RecordID, &rec.OwnerID, &rec.Ciphertext, &rec.Nonce,
		&rec.WrappedKey, &rec.KID, &status, &verified, &metadata,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Status = Status(status)
	if err := json.Unmarshal(verified, &rec.Verified); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verified map: %w", err)
	}
	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &rec, nil
}
