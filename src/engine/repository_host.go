package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vcdb/src/auth"
	"vcdb/src/helpers"
	"vcdb/src/repository"
	"vcdb/src/settings"

	"go.uber.org/zap"
)

// RepositoryHost wraps the raw repository handle of one loaded database. It
// caches the flat name sets of existing types and tables so every
// structural operation gets an O(1) collision check instead of a directory
// scan; the cache is rebuilt after every successful commit.
type RepositoryHost struct {
	repo       repository.Repository
	serializer Serializer
	tempDir    string
	logger     *zap.SugaredLogger

	info       *repository.RepositoryInfo
	typeNames  map[string]bool
	tableNames map[string]bool
}

func NewRepositoryHost(repo repository.Repository, serializer Serializer, tempDir string, logger *zap.SugaredLogger) (*RepositoryHost, error) {
	host := &RepositoryHost{
		repo:       repo,
		serializer: serializer,
		tempDir:    tempDir,
		logger:     logger,
	}

	info, err := repo.Info()
	if err != nil {
		return nil, err
	}
	host.info = info

	if err := host.RebuildIndex(); err != nil {
		return nil, err
	}
	return host, nil
}

// Repository returns the wrapped raw handle.
func (h *RepositoryHost) Repository() repository.Repository {
	return h.repo
}

// Workdir returns the absolute path of the working copy root.
func (h *RepositoryHost) Workdir() string {
	return h.repo.Path()
}

func (h *RepositoryHost) Info() *repository.RepositoryInfo {
	return h.info
}

func (h *RepositoryHost) Revision() string {
	return h.info.Revision
}

// RebuildIndex rescans the serialized items and recomputes the name sets.
func (h *RepositoryHost) RebuildIndex() error {
	typeNames, err := h.scanNames(TypeDirectory)
	if err != nil {
		return err
	}
	tableNames, err := h.scanNames(TableDirectory)
	if err != nil {
		return err
	}

	h.typeNames = typeNames
	h.tableNames = tableNames
	return nil
}

func (h *RepositoryHost) scanNames(root string) (map[string]bool, error) {
	paths, err := h.serializer.ItemPaths(h.Workdir(), root)
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(paths))
	for _, relPath := range paths {
		base := filepath.Base(relPath)
		names[strings.TrimSuffix(base, itemFileExt)] = true
	}
	return names, nil
}

// ContainsTypeName reports whether any type with the name exists, in any
// category.
func (h *RepositoryHost) ContainsTypeName(name string) bool {
	return h.typeNames[name]
}

// ContainsTableName reports whether any table with the name exists, in any
// category.
func (h *RepositoryHost) ContainsTableName(name string) bool {
	return h.tableNames[name]
}

// Commit commits the working copy, refreshes the cached info and rebuilds
// the name index. In debug mode the whole dataset is re-read from disk
// afterwards as a consistency self-check.
func (h *RepositoryHost) Commit(authentication *auth.Authentication, comment string) (string, error) {
	if err := authentication.Validate(); err != nil {
		return "", err
	}

	revision, err := h.repo.Commit(authentication.UserID, comment)
	if err != nil {
		return "", err
	}

	info, err := h.repo.Info()
	if err != nil {
		return "", err
	}
	h.info = info

	if err := h.RebuildIndex(); err != nil {
		return "", err
	}

	if settings.GetSettings().Debug {
		if _, err := h.ReadDataSet(); err != nil {
			h.logger.Errorf("Post-commit consistency check failed on %s: %v", h.repo.Name(), err)
		}
	}

	return revision, nil
}

// Refresh re-reads the repository info and rebuilds the name index, for use
// after the head moved outside a normal commit (transaction rollback).
func (h *RepositoryHost) Refresh() error {
	info, err := h.repo.Info()
	if err != nil {
		return err
	}
	h.info = info
	return h.RebuildIndex()
}

// ReadDataSet deserializes the full current dataset from the working copy.
func (h *RepositoryHost) ReadDataSet() (*DataSet, error) {
	return h.serializer.ReadDataSet(h.Workdir())
}

// GetDataSetAt reconstructs the complete dataset as of the given revision.
func (h *RepositoryHost) GetDataSetAt(revision string) (*DataSet, error) {
	return h.exportData(revision,
		[]string{TableCategoryRepositoryPath("/").Path},
		[]string{TypeCategoryRepositoryPath("/").Path})
}

// GetTypeData reconstructs a single type, as of the given revision.
func (h *RepositoryHost) GetTypeData(revision, itemPath string) (*DataSet, error) {
	categoryPath, name := SplitItemPath(itemPath)
	return h.exportData(revision, nil, []string{TypeRepositoryPath(categoryPath, name).Path})
}

// GetTypeCategoryData reconstructs every type under a category, as of the
// given revision.
func (h *RepositoryHost) GetTypeCategoryData(revision, categoryPath string) (*DataSet, error) {
	return h.exportData(revision, nil, []string{TypeCategoryRepositoryPath(categoryPath).Path})
}

// GetTableData reconstructs a table plus the closure of types it references,
// as of the given revision.
func (h *RepositoryHost) GetTableData(revision, itemPath string) (*DataSet, error) {
	categoryPath, name := SplitItemPath(itemPath)
	return h.exportData(revision, []string{TableRepositoryPath(categoryPath, name).Path}, nil)
}

// GetTableCategoryData reconstructs every table under a category plus all
// referenced types, as of the given revision.
func (h *RepositoryHost) GetTableCategoryData(revision, categoryPath string) (*DataSet, error) {
	return h.exportData(revision, []string{TableCategoryRepositoryPath(categoryPath).Path}, nil)
}

// exportData exports the given repository paths at a revision into a scratch
// directory, chases table type references with a second export, and
// deserializes the result. The scratch directory is always removed.
func (h *RepositoryHost) exportData(revision string, tablePaths, typePaths []string) (*DataSet, error) {
	scratch, err := helpers.MakeScratchDir(h.tempDir)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	if err := h.repo.Export(revision, scratch, append(tablePaths, typePaths...)...); err != nil {
		return nil, fmt.Errorf("failed to export at revision %s: %w", revision, err)
	}

	if len(tablePaths) > 0 {
		// Tables reference types; pull the referenced type files too.
		exported, err := h.serializer.ItemPaths(scratch, TableDirectory)
		if err != nil {
			return nil, err
		}

		refPaths := make(map[string]bool)
		for _, relPath := range exported {
			record, err := h.serializer.ReadTable(scratch, relPath)
			if err != nil {
				return nil, err
			}
			for _, ref := range record.TypeRefs() {
				refCategory, refName := SplitItemPath(ref)
				refPaths[TypeRepositoryPath(refCategory, refName).Path] = true
			}
		}

		if len(refPaths) > 0 {
			var paths []string
			for path := range refPaths {
				paths = append(paths, path)
			}
			if err := h.repo.Export(revision, scratch, paths...); err != nil {
				return nil, fmt.Errorf("failed to export referenced types at revision %s: %w", revision, err)
			}
		}
	}

	return h.serializer.ReadDataSet(scratch)
}
