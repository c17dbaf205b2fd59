package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Repository directory roots for the two item kinds.
const (
	TypeDirectory  = "types"
	TableDirectory = "tables"
)

const itemFileExt = ".bson"

// RepositoryPath maps a logical item path (category path + name) to the
// physical path inside the repository working copy.
type RepositoryPath struct {
	// Path is the slash-separated path relative to the repository root.
	Path string

	// IsCategory marks directory paths (categories) as opposed to item files.
	IsCategory bool
}

// TypeRepositoryPath maps a type's logical location to its repository file.
func TypeRepositoryPath(categoryPath, name string) RepositoryPath {
	return RepositoryPath{Path: TypeDirectory + categoryPath + name + itemFileExt}
}

// TableRepositoryPath maps a table's logical location to its repository file.
func TableRepositoryPath(categoryPath, name string) RepositoryPath {
	return RepositoryPath{Path: TableDirectory + categoryPath + name + itemFileExt}
}

// TypeCategoryRepositoryPath maps a type category to its repository directory.
func TypeCategoryRepositoryPath(categoryPath string) RepositoryPath {
	return RepositoryPath{Path: TypeDirectory + strings.TrimSuffix(categoryPath, "/"), IsCategory: true}
}

// TableCategoryRepositoryPath maps a table category to its repository directory.
func TableCategoryRepositoryPath(categoryPath string) RepositoryPath {
	return RepositoryPath{Path: TableDirectory + strings.TrimSuffix(categoryPath, "/"), IsCategory: true}
}

// SplitItemPath splits a logical item path into category path and name.
func SplitItemPath(itemPath string) (categoryPath, name string) {
	idx := strings.LastIndex(itemPath, "/")
	if idx < 0 {
		return "/", itemPath
	}
	return itemPath[:idx+1], itemPath[idx+1:]
}

// Abs returns the absolute filesystem path inside the given working copy.
func (p RepositoryPath) Abs(workdir string) string {
	return filepath.Join(workdir, filepath.FromSlash(p.Path))
}

// ValidateExists fails with a not-found error unless the path is present in
// the working copy.
func (p RepositoryPath) ValidateExists(workdir string) error {
	info, err := os.Stat(p.Abs(workdir))
	if err != nil {
		if p.IsCategory {
			return fmt.Errorf("category path %s: %w", p.Path, ErrCategoryNotFound)
		}
		return fmt.Errorf("item path %s does not exist in the repository", p.Path)
	}
	if info.IsDir() != p.IsCategory {
		return fmt.Errorf("item path %s has the wrong kind in the repository", p.Path)
	}
	return nil
}

// ValidateNotExists fails with an already-exists error if the path is
// present in the working copy.
func (p RepositoryPath) ValidateNotExists(workdir string) error {
	if _, err := os.Stat(p.Abs(workdir)); err == nil {
		return fmt.Errorf("repository path %s: %w", p.Path, ErrItemAlreadyExists)
	}
	return nil
}
