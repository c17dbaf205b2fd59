package engine

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// Serializer marshals item records to and from repository working-copy files.
type Serializer interface {
	WriteType(workdir string, record *TypeRecord) error
	WriteTable(workdir string, record *TableRecord) error
	ReadType(workdir, relPath string) (*TypeRecord, error)
	ReadTable(workdir, relPath string) (*TableRecord, error)

	// ReadDataSet deserializes every item under the type and table roots.
	ReadDataSet(workdir string) (*DataSet, error)

	Exists(workdir, relPath string) bool

	// ItemPaths lists the relative paths of all item files under a root
	// directory (TypeDirectory or TableDirectory).
	ItemPaths(workdir, root string) ([]string, error)
}

// BSONSerializer stores one BSON document per item file.
type BSONSerializer struct {
	logger *zap.SugaredLogger
}

func NewBSONSerializer(logger *zap.SugaredLogger) *BSONSerializer {
	return &BSONSerializer{logger: logger}
}

func (s *BSONSerializer) WriteType(workdir string, record *TypeRecord) error {
	return s.write(workdir, TypeRepositoryPath(record.CategoryPath, record.Name), record)
}

func (s *BSONSerializer) WriteTable(workdir string, record *TableRecord) error {
	return s.write(workdir, TableRepositoryPath(record.CategoryPath, record.Name), record)
}

func (s *BSONSerializer) write(workdir string, path RepositoryPath, record interface{}) error {
	data, err := bson.Marshal(record)
	if err != nil {
		return fmt.Errorf("error encoding item %s: %w", path.Path, err)
	}

	abs := path.Abs(workdir)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path.Path, err)
	}
	if err := os.WriteFile(abs, data, 0644); err != nil {
		return fmt.Errorf("error writing item %s: %w", path.Path, err)
	}
	return nil
}

func (s *BSONSerializer) ReadType(workdir, relPath string) (*TypeRecord, error) {
	var record TypeRecord
	if err := s.read(workdir, relPath, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BSONSerializer) ReadTable(workdir, relPath string) (*TableRecord, error) {
	var record TableRecord
	if err := s.read(workdir, relPath, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BSONSerializer) read(workdir, relPath string, record interface{}) error {
	data, err := os.ReadFile(filepath.Join(workdir, filepath.FromSlash(relPath)))
	if err != nil {
		return fmt.Errorf("error reading item %s: %w", relPath, err)
	}
	if err := bson.Unmarshal(data, record); err != nil {
		return fmt.Errorf("error decoding item %s: %w", relPath, err)
	}
	return nil
}

func (s *BSONSerializer) ReadDataSet(workdir string) (*DataSet, error) {
	dataSet := NewDataSet()

	typePaths, err := s.ItemPaths(workdir, TypeDirectory)
	if err != nil {
		return nil, err
	}
	for _, relPath := range typePaths {
		record, err := s.ReadType(workdir, relPath)
		if err != nil {
			return nil, err
		}
		dataSet.AddType(record)
	}

	tablePaths, err := s.ItemPaths(workdir, TableDirectory)
	if err != nil {
		return nil, err
	}
	for _, relPath := range tablePaths {
		record, err := s.ReadTable(workdir, relPath)
		if err != nil {
			return nil, err
		}
		dataSet.AddTable(record)
	}

	return dataSet, nil
}

func (s *BSONSerializer) Exists(workdir, relPath string) bool {
	info, err := os.Stat(filepath.Join(workdir, filepath.FromSlash(relPath)))
	return err == nil && !info.IsDir()
}

func (s *BSONSerializer) ItemPaths(workdir, root string) ([]string, error) {
	rootAbs := filepath.Join(workdir, root)
	if _, err := os.Stat(rootAbs); os.IsNotExist(err) {
		return nil, nil // root not created yet, nothing to list
	}

	var paths []string
	err := filepath.WalkDir(rootAbs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), itemFileExt) {
			return nil
		}
		rel, err := filepath.Rel(workdir, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning %s: %w", root, err)
	}
	return paths, nil
}
