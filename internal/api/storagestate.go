package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/visualcore/backend/internal/envelope"
	"github.com/visualcore/backend/internal/storagestate"
)

// storageStateUpload is the wire shape of a client-sealed blob. Field
// names follow the browser uploader (camelCase wrappedKey), not the
// store's column names.
type storageStateUpload struct {
	Ciphertext string                 `json:"ciphertext"`
	Nonce      string                 `json:"nonce"`
	WrappedKey string                 `json:"wrappedKey"`
	KID        string                 `json:"kid"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (u *storageStateUpload) validate() error {
	if u.Ciphertext == "" || u.Nonce == "" || u.WrappedKey == "" || u.KID == "" {
		return errors.New("ciphertext, nonce, wrappedKey, and kid are all required")
	}
	return nil
}

func (u *storageStateUpload) envelope() *envelope.Envelope {
	return &envelope.Envelope{
		Ciphertext: u.Ciphertext,
		Nonce:      u.Nonce,
		WrappedKey: u.WrappedKey,
		KID:        u.KID,
	}
}

func recordSummary(rec *storagestate.Record) map[string]interface{} {
	return map[string]interface{}{
		"id":       rec.RecordID,
		"owner_id": rec.OwnerID,
		"kid":      rec.KID,
		"status":   rec.Status,
		"verified": rec.Verified,
	}
}

func (s *Server) storageReady(w http.ResponseWriter) bool {
	if s.state == nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "no storage-state backend is configured")
		return false
	}
	return true
}

// handleSaveState ingests a pre-encrypted upload: open, normalize,
// auto-verify, persist under the current key.
func (s *Server) handleSaveState(w http.ResponseWriter, r *http.Request) {
	if !s.storageReady(w) {
		return
	}
	var upload storageStateUpload
	if err := json.NewDecoder(r.Body).Decode(&upload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body is not valid JSON")
		return
	}
	if err := upload.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	rec, err := s.state.Ingest(r.Context(), ownerID(r), upload.envelope(), upload.Metadata)
	if err != nil {
		var ce *envelope.CryptoError
		if errors.As(err, &ce) {
			writeError(w, http.StatusBadRequest, string(ce.Kind), ce.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, recordSummary(rec))
}

// handleLatestState returns the caller's newest verified record, decrypted.
// sites= narrows to records verified for every named site.
func (s *Server) handleLatestState(w http.ResponseWriter, r *http.Request) {
	if !s.storageReady(w) {
		return
	}
	sites := splitSites(r.URL.Query().Get("sites"))

	rec, err := s.state.LatestVerified(r.Context(), ownerID(r), sites)
	if err != nil {
		if errors.Is(err, storagestate.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record_not_found", "no verified storage state within the TTL")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}

	blob, err := s.state.LoadPlaintext(rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(envelope.KindOf(err)), "stored record could not be opened")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            rec.RecordID,
		"owner_id":      rec.OwnerID,
		"kid":           rec.KID,
		"status":        rec.Status,
		"verified":      rec.Verified,
		"metadata":      rec.Metadata,
		"created_at":    rec.CreatedAt,
		"storage_state": blob,
	})
}

// handleReplaceState rewrites an existing record's envelope after an
// ownership check. A payload that fails decrypt-validate still lands,
// marked rejected, so the caller can see the verification verdict.
func (s *Server) handleReplaceState(w http.ResponseWriter, r *http.Request) {
	if !s.storageReady(w) {
		return
	}
	recordID := mux.Vars(r)["record_id"]

	var upload storageStateUpload
	if err := json.NewDecoder(r.Body).Decode(&upload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body is not valid JSON")
		return
	}
	if err := upload.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	rec, err := s.state.Replace(r.Context(), ownerID(r), recordID, upload.envelope(), upload.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, storagestate.ErrNotFound):
			writeError(w, http.StatusNotFound, "record_not_found", "no record under this id")
		case errors.Is(err, storagestate.ErrNotOwner):
			writeError(w, http.StatusForbidden, "owner_mismatch", "record belongs to another owner")
		default:
			writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, recordSummary(rec))
}

// handlePublicKey hands out the sealing key so uploaders can encrypt
// client-side. Only ever the public half; private keys stay server-side.
func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if !s.storageReady(w) {
		return
	}
	pem, err := s.state.PublicKeyPEM()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "no_public_key", "no envelope key configured")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, map[string]string{
		"kid": s.state.CurrentKID(),
		"alg": envelope.Alg,
		"pem": pem,
	})
}

func splitSites(csv string) []string {
	if csv == "" {
		return nil
	}
	var sites []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			sites = append(sites, strings.ToLower(part))
		}
	}
	return sites
}
