package storagestate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/visualcore/backend/internal/core"
	"github.com/visualcore/backend/internal/envelope"
	"github.com/visualcore/backend/internal/metrics"
)

// Service is the storage-state contract: encrypt and persist blobs, find
// the latest verified one, replace, and decrypt. All paths run through
// the envelope keyring; the store only ever sees ciphertext.
type Service struct {
	store   Store
	ring    *envelope.Keyring
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewService wires a store and keyring together. ttlHours bounds how old
// a record may be and still count as verified.
func NewService(store Store, ring *envelope.Keyring, ttlHours int, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		ring:    ring,
		ttl:     time.Duration(ttlHours) * time.Hour,
		logger:  logger.With("component", "storage_state"),
		metrics: m,
	}
}

// TTL returns the verification window.
func (s *Service) TTL() time.Duration { return s.ttl }

// CurrentKID returns the kid new envelopes carry.
func (s *Service) CurrentKID() string { return s.ring.CurrentKID() }

// PublicKeyPEM exposes the active public key for client-side sealing.
func (s *Service) PublicKeyPEM() (string, error) {
	return s.ring.Current().PublicKeyPEM()
}

// Save normalizes, verifies, encrypts, and persists a plaintext blob.
// Returns the stored record with its issued id.
func (s *Service) Save(ctx context.Context, ownerID string, blob *core.StorageStateBlob, meta map[string]interface{}) (*Record, error) {
	now := time.Now().UTC()

	normalized := NormalizeBlob(blob, now)
	verified := VerifyBlob(normalized, now)
	status := StatusFor(verified)

	plaintext, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize storage state: %w", err)
	}
	env, err := s.ring.Seal(plaintext)
	if s.metrics != nil {
		s.metrics.RecordEnvelopeOp("seal", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to seal storage state: %w", err)
	}

	rec := &Record{
		RecordID:  NewRecordID(),
		OwnerID:   ownerID,
		Status:    status,
		Verified:  verified,
		Metadata:  buildMetadata(meta, env, verified),
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec.SetEnvelope(env)

	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist storage state: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordStateSave(status == StatusVerified)
	}
	s.logger.Info("storage state saved",
		"record_id", rec.RecordID,
		"owner_id", ownerID,
		"status", status,
		"sites", rec.VerifiedSites(),
		"cookies", len(normalized.Cookies))
	return rec, nil
}

// Ingest stores a client-sealed upload as a new record. The envelope is
// opened to validate and normalize the payload, then the blob goes through
// the regular Save path under the service's current key. Payloads that
// cannot be opened or parsed are rejected outright.
func (s *Service) Ingest(ctx context.Context, ownerID string, env *envelope.Envelope, meta map[string]interface{}) (*Record, error) {
	plaintext, err := s.ring.Open(env)
	if s.metrics != nil {
		s.metrics.RecordEnvelopeOp("open", err)
	}
	if err != nil {
		return nil, err
	}
	var blob core.StorageStateBlob
	if err := json.Unmarshal(plaintext, &blob); err != nil {
		return nil, &envelope.CryptoError{Kind: envelope.KindParseFailed, Err: err}
	}
	return s.Save(ctx, ownerID, &blob, meta)
}

// LatestVerified returns the newest verified record within the TTL that
// covers every requested site. ErrNotFound when nothing qualifies.
func (s *Service) LatestVerified(ctx context.Context, ownerID string, sites []string) (*Record, error) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	return s.store.LatestVerified(ctx, ownerID, sites, cutoff)
}

// Replace swaps a record's envelope after an ownership check and re-runs
// verification against the new payload. An envelope that cannot be opened
// or parsed marks the record rejected rather than failing the update.
func (s *Service) Replace(ctx context.Context, ownerID, recordID string, env *envelope.Envelope, meta map[string]interface{}) (*Record, error) {
	rec, err := s.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, ErrNotOwner
	}

	now := time.Now().UTC()
	verified := make(map[string]bool)
	status := StatusRejected

	plaintext, err := s.ring.Open(env)
	if s.metrics != nil {
		s.metrics.RecordEnvelopeOp("open", err)
	}
	if err != nil {
		s.logger.Warn("replacement payload failed verification decrypt",
			"record_id", recordID, "kind", envelope.KindOf(err))
	} else {
		var blob core.StorageStateBlob
		if jsonErr := json.Unmarshal(plaintext, &blob); jsonErr != nil {
			s.logger.Warn("replacement payload is not a storage-state blob",
				"record_id", recordID, "error", jsonErr)
		} else {
			verified = VerifyBlob(&blob, now)
			status = StatusFor(verified)
		}
	}

	rec.SetEnvelope(env)
	rec.Status = status
	rec.Verified = verified
	rec.UpdatedAt = now
	for k, v := range meta {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]interface{})
		}
		rec.Metadata[k] = v
	}
	rec.Metadata["size_bytes"] = len(env.Ciphertext)
	rec.Metadata["sha256"] = ciphertextDigest(env)
	rec.Metadata["replaced_at"] = now.Format(time.RFC3339)

	if err := s.store.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to update record %s: %w", recordID, err)
	}

	s.logger.Info("storage state replaced",
		"record_id", recordID,
		"owner_id", ownerID,
		"status", status,
		"sites", rec.VerifiedSites())
	return rec, nil
}

// LoadPlaintext decrypts a record back into a blob.
func (s *Service) LoadPlaintext(rec *Record) (*core.StorageStateBlob, error) {
	plaintext, err := s.ring.Open(rec.Envelope())
	if s.metrics != nil {
		s.metrics.RecordEnvelopeOp("open", err)
	}
	if err != nil {
		return nil, err
	}
	var blob core.StorageStateBlob
	if err := json.Unmarshal(plaintext, &blob); err != nil {
		return nil, &envelope.CryptoError{Kind: envelope.KindParseFailed, Err: err}
	}
	return &blob, nil
}

func buildMetadata(meta map[string]interface{}, env *envelope.Envelope, verified map[string]bool) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+3)
	for k, v := range meta {
		out[k] = v
	}
	sites := make([]string, 0)
	for site, ok := range verified {
		if ok {
			sites = append(sites, site)
		}
	}
	sort.Strings(sites)
	out["sites"] = sites
	out["size_bytes"] = len(env.Ciphertext)
	out["sha256"] = ciphertextDigest(env)
	return out
}

func ciphertextDigest(env *envelope.Envelope) string {
	sum := sha256.Sum256([]byte(env.Ciphertext))
	return hex.EncodeToString(sum[:])
}
