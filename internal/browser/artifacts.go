package browser

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// ArtifactStore writes debug artifacts, screenshots and page snapshots,
// under a homedir-expanded directory. Every failure is logged and
// swallowed; debug output must never fail a run.
type ArtifactStore struct {
	dir     string
	enabled bool
	logger  *zap.Logger
}

// NewArtifactStore builds a store rooted at dir. A disabled store accepts
// and discards everything.
func NewArtifactStore(dir string, enabled bool, logger *zap.Logger) *ArtifactStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &ArtifactStore{enabled: enabled, logger: logger.Named("artifacts")}
	if !enabled {
		return store
	}

	expanded, err := homedir.Expand(dir)
	if err != nil {
		store.logger.Warn("Artifact directory expansion failed, disabling artifacts",
			zap.String("dir", dir), zap.Error(err))
		store.enabled = false
		return store
	}
	store.dir = expanded
	return store
}

// Enabled reports whether saves will be attempted.
func (a *ArtifactStore) Enabled() bool {
	return a != nil && a.enabled
}

// Dir returns the expanded artifact directory.
func (a *ArtifactStore) Dir() string {
	if a == nil {
		return ""
	}
	return a.dir
}

// Save writes one artifact, creating the directory on first use.
func (a *ArtifactStore) Save(name string, data []byte) {
	if !a.Enabled() {
		return
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		a.logger.Warn("Artifact directory creation failed", zap.String("dir", a.dir), zap.Error(err))
		return
	}

	path := filepath.Join(a.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		a.logger.Warn("Artifact write failed", zap.String("path", path), zap.Error(err))
		return
	}
	a.logger.Debug("Artifact saved", zap.String("path", path))
}
