// Package plancache persists the planner's last-seen spec tree so redundant
// planner runs are skipped across restarts. The cache is the only state that
// survives a restart; everything else is reconstructed from the provider.
package plancache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FileName is the cache file name under the repository root.
const FileName = ".decree-cache.json"

// SchemaVersion guards the on-disk layout. A mismatch invalidates the cache.
const SchemaVersion = 1

// FileEntry records one spec file as last seen by the planner.
type FileEntry struct {
	BlobSHA           string `json:"blobSHA"`
	FrontmatterStatus string `json:"frontmatterStatus"`
}

// Snapshot is the spec tree the planner was last run against.
type Snapshot struct {
	TreeSHA string               `json:"treeSHA"`
	Files   map[string]FileEntry `json:"files"`
}

// Cache is the persisted planner cache.
type Cache struct {
	Version   int      `json:"version"`
	Snapshot  Snapshot `json:"snapshot"`
	CommitSHA string   `json:"commitSHA"`
}

// LastPlannedSHAs projects the cache to the path -> blobSHA map the engine
// boots lastPlannedSHAs from.
func (c *Cache) LastPlannedSHAs() map[string]string {
	out := make(map[string]string, len(c.Snapshot.Files))
	for path, entry := range c.Snapshot.Files {
		out[path] = entry.BlobSHA
	}
	return out
}

// Store reads and writes the cache file under a repository root.
type Store struct {
	repoRoot string
	logger   *slog.Logger
}

// NewStore creates a cache store rooted at repoRoot.
func NewStore(repoRoot string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repoRoot: repoRoot, logger: logger}
}

// Path returns the cache file path.
func (s *Store) Path() string {
	return filepath.Join(s.repoRoot, FileName)
}

// Load reads the cache. A missing file, invalid JSON, or a schema mismatch
// yields (nil, nil): the cache is simply not trusted.
func (s *Store) Load() (*Cache, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read planner cache: %w", err)
	}

	var cache Cache
	if err := json.Unmarshal(data, &cache); err != nil {
		s.logger.Debug("planner cache is not valid JSON, ignoring", "path", s.Path(), "error", err)
		return nil, nil
	}
	if cache.Version != SchemaVersion || cache.Snapshot.Files == nil {
		s.logger.Debug("planner cache schema mismatch, ignoring",
			"path", s.Path(), "version", cache.Version)
		return nil, nil
	}

	return &cache, nil
}

// Save atomically replaces the cache file (temp file + rename). A missing
// directory makes the write best-effort: the failure is logged, not returned.
func (s *Store) Save(cache *Cache) error {
	cache.Version = SchemaVersion

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal planner cache: %w", err)
	}

	tmp, err := os.CreateTemp(s.repoRoot, FileName+".tmp-*")
	if err != nil {
		s.logger.Warn("planner cache write skipped", "path", s.Path(), "error", err)
		return nil
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write planner cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close planner cache: %w", err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace planner cache: %w", err)
	}

	return nil
}
