package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// CachedState is the persisted per-database snapshot used to skip a full
// repository read on load when the revision is unchanged.
type CachedState struct {
	Revision string         `bson:"revision"`
	Types    []*TypeRecord  `bson:"types,omitempty"`
	Tables   []*TableRecord `bson:"tables,omitempty"`
}

type loadStateRecord struct {
	LoadedIDs []string `bson:"loadedIDs"`
}

// DatasetCache stores one BSON snapshot file per database ID, plus the set
// of databases that were loaded at shutdown. Cache writes are best-effort:
// failures are logged and the system falls back to a full repository read.
type DatasetCache struct {
	dir      string
	disabled bool
	logger   *zap.SugaredLogger
}

func NewDatasetCache(dir string, disabled bool, logger *zap.SugaredLogger) (*DatasetCache, error) {
	if !disabled {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
		}
	}
	return &DatasetCache{dir: dir, disabled: disabled, logger: logger}, nil
}

func (c *DatasetCache) statePath(id string) string {
	return filepath.Join(c.dir, id+".cache")
}

// Read returns the cached state for a database if it exists and matches the
// given revision. Stale or unreadable caches are discarded.
func (c *DatasetCache) Read(id, revision string) (*CachedState, bool) {
	if c.disabled {
		return nil, false
	}

	data, err := os.ReadFile(c.statePath(id))
	if err != nil {
		return nil, false
	}

	var state CachedState
	if err := bson.Unmarshal(data, &state); err != nil {
		c.logger.Warnf("Discarding corrupt cache for database %s: %v", id, err)
		c.Invalidate(id)
		return nil, false
	}
	if state.Revision != revision {
		c.Invalidate(id)
		return nil, false
	}
	return &state, true
}

// Write persists the state snapshot. Errors are logged, never fatal.
func (c *DatasetCache) Write(id string, state *CachedState) {
	if c.disabled {
		return
	}

	data, err := bson.Marshal(state)
	if err != nil {
		c.logger.Warnf("Failed to encode cache for database %s: %v", id, err)
		return
	}
	if err := os.WriteFile(c.statePath(id), data, 0644); err != nil {
		c.logger.Warnf("Failed to write cache for database %s: %v", id, err)
	}
}

// Invalidate removes the cached state for a database.
func (c *DatasetCache) Invalidate(id string) {
	os.Remove(c.statePath(id))
}

// ReadLoadState returns the IDs of databases loaded at last shutdown.
func (c *DatasetCache) ReadLoadState() []string {
	if c.disabled {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(c.dir, "loadstate.bson"))
	if err != nil {
		return nil
	}
	var record loadStateRecord
	if err := bson.Unmarshal(data, &record); err != nil {
		c.logger.Warnf("Discarding corrupt load-state file: %v", err)
		return nil
	}
	return record.LoadedIDs
}

// WriteLoadState persists the set of currently loaded database IDs.
func (c *DatasetCache) WriteLoadState(loadedIDs []string) {
	if c.disabled {
		return
	}

	data, err := bson.Marshal(loadStateRecord{LoadedIDs: loadedIDs})
	if err != nil {
		c.logger.Warnf("Failed to encode load state: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(c.dir, "loadstate.bson"), data, 0644); err != nil {
		c.logger.Warnf("Failed to write load state: %v", err)
	}
}
