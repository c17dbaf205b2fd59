package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// overlayRecord is the persisted per-database state kept outside version
// control: who may see the database and who holds its exclusive lock.
type overlayRecord struct {
	Access AccessInfo `bson:"access"`
	Lock   LockInfo   `bson:"lock"`
}

// OverlayStore persists one overlay file per database, keyed by the stable
// database ID so renames never orphan a file. A missing file yields defaults;
// a file that exists but cannot be decoded is reported as an error, never
// silently replaced.
type OverlayStore struct {
	dir    string
	logger *zap.SugaredLogger
}

func NewOverlayStore(dir string, logger *zap.SugaredLogger) (*OverlayStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create overlay directory %s: %w", dir, err)
	}
	return &OverlayStore{dir: dir, logger: logger}, nil
}

func (s *OverlayStore) path(id string) string {
	return filepath.Join(s.dir, id+".access.bson")
}

// Read loads the overlay for a database. found is false when no overlay file
// exists yet.
func (s *OverlayStore) Read(id string) (record overlayRecord, found bool, err error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return overlayRecord{}, false, nil
	}
	if err != nil {
		return overlayRecord{}, false, fmt.Errorf("failed to read access info for database %s: %w", id, err)
	}
	if err := bson.Unmarshal(data, &record); err != nil {
		return overlayRecord{}, false, fmt.Errorf("access info for database %s is corrupt: %w", id, err)
	}
	return record, true, nil
}

// Write persists the overlay atomically.
func (s *OverlayStore) Write(id string, record overlayRecord) error {
	data, err := bson.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to encode access info for database %s: %w", id, err)
	}

	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write access info for database %s: %w", id, err)
	}
	return os.Rename(tmp, s.path(id))
}

// Remove deletes the overlay file. Missing files are not an error.
func (s *OverlayStore) Remove(id string) {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Warnf("Failed to remove access info for database %s: %v", id, err)
	}
}
