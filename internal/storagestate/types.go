package storagestate

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/visualcore/backend/internal/envelope"
)

// Status is the verification state of a persisted record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
)

// Record is a persisted storage-state row. The payload is always an
// envelope; plaintext never reaches the store.
type Record struct {
	RecordID   string                 `json:"record_id"`
	OwnerID    string                 `json:"owner_id"`
	Ciphertext string                 `json:"ciphertext"`
	Nonce      string                 `json:"nonce"`
	WrappedKey string                 `json:"wrapped_key"`
	KID        string                 `json:"kid"`
	Status     Status                 `json:"status"`
	Verified   map[string]bool        `json:"verified"`
	Metadata   map[string]interface{} `json:"metadata"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// NewRecordID issues a store-scoped record id.
func NewRecordID() string {
	return "st_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// Envelope views the record's encrypted payload as an envelope.
func (r *Record) Envelope() *envelope.Envelope {
	return &envelope.Envelope{
		Ciphertext: r.Ciphertext,
		Nonce:      r.Nonce,
		WrappedKey: r.WrappedKey,
		KID:        r.KID,
	}
}

// SetEnvelope stores an envelope's fields on the record.
func (r *Record) SetEnvelope(env *envelope.Envelope) {
	r.Ciphertext = env.Ciphertext
	r.Nonce = env.Nonce
	r.WrappedKey = env.WrappedKey
	r.KID = env.KID
}

// VerifiedSites returns the sites that verified true, sorted for stable
// logging and metadata.
func (r *Record) VerifiedSites() []string {
	sites := make([]string, 0, len(r.Verified))
	for site, ok := range r.Verified {
		if ok {
			sites = append(sites, site)
		}
	}
	sort.Strings(sites)
	return sites
}

// Age returns how old the record is relative to now.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}
