package storagestate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/visualcore/backend/internal/core"
	"github.com/visualcore/backend/internal/metrics"
)

// EnvBlobVar carries a base64 storage-state blob for deployments that
// inject state through the environment.
const EnvBlobVar = "STORAGE_STATE_JSON_B64"

// Loader resolves the storage state to seed a browser with, trying
// sources in priority order:
//
//  1. database, via the latest verified record for the owner
//  2. per-user plaintext file under the state dir
//  3. base64 blob in the environment
//  4. shared root file
//
// Any source error logs a warning and falls through; a run with no
// storage state proceeds unauthenticated.
type Loader struct {
	service    *Service // nil when no store is configured
	stateDir   string
	sharedFile string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewLoader(service *Service, stateDir, sharedFile string, logger *slog.Logger, m *metrics.Metrics) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		service:    service,
		stateDir:   stateDir,
		sharedFile: sharedFile,
		logger:     logger.With("component", "storage_state_loader"),
		metrics:    m,
	}
}

// Load returns the first blob found and the source that provided it.
// Source is "none" when every source came up empty.
func (l *Loader) Load(ctx context.Context, ownerID string, sites []string) (*core.StorageStateBlob, string) {
	if blob := l.fromDatabase(ctx, ownerID, sites); blob != nil {
		return l.hit(blob, "database", ownerID)
	}
	if blob := l.fromUserFile(ownerID); blob != nil {
		return l.hit(blob, "user_file", ownerID)
	}
	if blob := l.fromEnv(); blob != nil {
		return l.hit(blob, "env", ownerID)
	}
	if blob := l.fromSharedFile(); blob != nil {
		return l.hit(blob, "shared_file", ownerID)
	}

	if l.metrics != nil {
		l.metrics.RecordStateLoad("none")
	}
	l.logger.Info("no storage state available, proceeding unauthenticated", "owner_id", ownerID)
	return nil, "none"
}

func (l *Loader) hit(blob *core.StorageStateBlob, source, ownerID string) (*core.StorageStateBlob, string) {
	if l.metrics != nil {
		l.metrics.RecordStateLoad(source)
	}
	l.logger.Info("storage state loaded",
		"owner_id", ownerID,
		"source", source,
		"cookies", len(blob.Cookies),
		"origins", len(blob.Origins))
	return blob, source
}

func (l *Loader) fromDatabase(ctx context.Context, ownerID string, sites []string) *core.StorageStateBlob {
	if l.service == nil {
		return nil
	}
	rec, err := l.service.LatestVerified(ctx, ownerID, sites)
	if err != nil {
		if err != ErrNotFound {
			l.logger.Warn("database storage-state lookup failed", "owner_id", ownerID, "error", err)
		}
		return nil
	}
	blob, err := l.service.LoadPlaintext(rec)
	if err != nil {
		l.logger.Warn("storage-state record failed to decrypt",
			"record_id", rec.RecordID, "error", err)
		return nil
	}
	return blob
}

func (l *Loader) fromUserFile(ownerID string) *core.StorageStateBlob {
	if l.stateDir == "" {
		return nil
	}
	name := filepath.Base(strings.ReplaceAll(ownerID, string(os.PathSeparator), "_"))
	return l.readFile(filepath.Join(l.stateDir, name+".json"))
}

func (l *Loader) fromEnv() *core.StorageStateBlob {
	raw := os.Getenv(EnvBlobVar)
	if raw == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		l.logger.Warn("env storage state is not valid base64", "error", err)
		return nil
	}
	var blob core.StorageStateBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		l.logger.Warn("env storage state is not a valid blob", "error", err)
		return nil
	}
	return &blob
}

func (l *Loader) fromSharedFile() *core.StorageStateBlob {
	if l.sharedFile == "" {
		return nil
	}
	return l.readFile(l.sharedFile)
}

func (l *Loader) readFile(path string) *core.StorageStateBlob {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("failed to read storage-state file", "path", path, "error", err)
		}
		return nil
	}
	var blob core.StorageStateBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		l.logger.Warn("storage-state file is not a valid blob", "path", path, "error", err)
		return nil
	}
	return &blob
}
