package engine

import (
	"fmt"

	"vcdb/src/auth"
	"vcdb/src/helpers"

	"go.uber.org/zap"
)

// SetOptions controls how a DatabaseSet treats candidate records.
type SetOptions int

const (
	// AllowTypeCreation permits candidate types that do not exist yet.
	AllowTypeCreation SetOptions = 1 << iota
	// AllowTableCreation permits candidate tables that do not exist yet.
	AllowTableCreation
	// OmitUnlock marks the repository path locks as owned by an outer
	// operation: the set neither acquires nor releases them.
	OmitUnlock
)

func (o SetOptions) Has(flag SetOptions) bool {
	return o&flag == flag
}

// DatabaseSet stages one structural mutation batch against the repository
// working copy. Construction validates every candidate against the loaded
// item trees, captures prior state and file hashes for existing items, and
// locks the affected repository paths. The caller commits through the
// repository host; disposal releases the locks.
type DatabaseSet struct {
	id             string
	authentication *auth.Authentication
	host           *RepositoryHost
	serializer     Serializer
	dataSet        *DataSet
	options        SetOptions
	logger         *zap.SugaredLogger

	lockedPaths []string
	typeHashes  map[string]string // repository path -> sha256 at build time
	disposed    bool
}

func NewDatabaseSet(authentication *auth.Authentication, host *RepositoryHost, serializer Serializer,
	types *ItemTree, tables *ItemTree, dataSet *DataSet, options SetOptions,
	logger *zap.SugaredLogger) (*DatabaseSet, error) {

	if err := authentication.Validate(); err != nil {
		return nil, err
	}

	set := &DatabaseSet{
		id:             helpers.GenerateUUID(),
		authentication: authentication,
		host:           host,
		serializer:     serializer,
		dataSet:        dataSet,
		options:        options,
		logger:         logger,
		typeHashes:     make(map[string]string),
	}

	lockPaths := make(map[string]bool)

	for _, record := range dataSet.Types {
		repoPath := TypeRepositoryPath(record.CategoryPath, record.Name)
		lockPaths[repoPath.Path] = true

		existing, ok := types.Get(record.Path())
		if ok && existing.Kind == KindType {
			hash, err := helpers.HashFile(repoPath.Abs(host.Workdir()))
			if err != nil {
				return nil, err
			}
			record.IsNew = false
			record.Prior = &PriorState{
				Info:       existing.Type.Info(host.Revision()).ItemInfo,
				FileHashes: map[string]string{repoPath.Path: hash},
			}
			set.typeHashes[repoPath.Path] = hash
			continue
		}

		if !options.Has(AllowTypeCreation) {
			return nil, fmt.Errorf("candidate type %s: %w", record.Path(), ErrTypeNotFound)
		}
		record.IsNew = true
	}

	for _, record := range dataSet.Tables {
		repoPath := TableRepositoryPath(record.CategoryPath, record.Name)
		lockPaths[repoPath.Path] = true

		existing, ok := tables.Get(record.Path())
		if ok && existing.Kind == KindTable {
			hash, err := helpers.HashFile(repoPath.Abs(host.Workdir()))
			if err != nil {
				return nil, err
			}
			record.IsNew = false
			record.Prior = &PriorState{
				Info:       existing.Table.Info(host.Revision()).ItemInfo,
				FileHashes: map[string]string{repoPath.Path: hash},
			}
		} else if options.Has(AllowTableCreation) {
			record.IsNew = true
		} else {
			return nil, fmt.Errorf("candidate table %s: %w", record.Path(), ErrTableNotFound)
		}

		// Capture the referenced types' hashes so create/modify can detect
		// a concurrent edit of a dependency before committing.
		for _, ref := range record.TypeRefs() {
			if dataSet.FindType(ref) != nil {
				continue // the type travels with this candidate set
			}
			refItem, ok := types.Get(ref)
			if !ok || refItem.Kind != KindType {
				return nil, fmt.Errorf("type %s referenced by table %s: %w", ref, record.Path(), ErrTypeNotFound)
			}
			refPath := TypeRepositoryPath(refItem.Type.CategoryPath, refItem.Type.Name)
			if _, captured := set.typeHashes[refPath.Path]; !captured {
				hash, err := helpers.HashFile(refPath.Abs(host.Workdir()))
				if err != nil {
					return nil, err
				}
				set.typeHashes[refPath.Path] = hash
			}
			lockPaths[refPath.Path] = true
		}
	}

	if !options.Has(OmitUnlock) {
		paths := make([]string, 0, len(lockPaths))
		for path := range lockPaths {
			paths = append(paths, path)
		}
		if err := host.Repository().Lock(set.id, "dataset staging", paths...); err != nil {
			return nil, err
		}
		set.lockedPaths = paths
	}

	return set, nil
}

// DataSet returns the candidate dataset.
func (s *DatabaseSet) DataSet() *DataSet {
	return s.dataSet
}

// verifyTypeHash fails with a conflict if a captured type file changed since
// the set was built.
func (s *DatabaseSet) verifyTypeHash(repoPath RepositoryPath) error {
	captured, ok := s.typeHashes[repoPath.Path]
	if !ok {
		return nil
	}
	current, err := helpers.HashFile(repoPath.Abs(s.host.Workdir()))
	if err != nil {
		return err
	}
	if current != captured {
		return &ConflictError{Path: repoPath.Path, Expected: captured, Actual: current}
	}
	return nil
}

func (s *DatabaseSet) verifyTableRefs(record *TableRecord) error {
	for _, ref := range record.TypeRefs() {
		if s.dataSet.FindType(ref) != nil {
			continue
		}
		refCategory, refName := SplitItemPath(ref)
		if err := s.verifyTypeHash(TypeRepositoryPath(refCategory, refName)); err != nil {
			return err
		}
	}
	return nil
}

// CreateType serializes a new candidate type into the working copy.
func (s *DatabaseSet) CreateType(itemPath string) error {
	record := s.dataSet.FindType(itemPath)
	if record == nil {
		return fmt.Errorf("candidate type %s: %w", itemPath, ErrTypeNotFound)
	}
	if !record.IsNew {
		return fmt.Errorf("type %s: %w", itemPath, ErrItemAlreadyExists)
	}
	if s.host.ContainsTypeName(record.Name) {
		return fmt.Errorf("type name %s: %w", record.Name, ErrItemAlreadyExists)
	}

	repoPath := TypeRepositoryPath(record.CategoryPath, record.Name)
	if err := repoPath.ValidateNotExists(s.host.Workdir()); err != nil {
		return err
	}

	if err := s.serializer.WriteType(s.host.Workdir(), record); err != nil {
		return err
	}
	return s.host.Repository().Add(repoPath.Path)
}

// ModifyType rewrites an existing candidate type in place.
func (s *DatabaseSet) ModifyType(itemPath string) error {
	record := s.dataSet.FindType(itemPath)
	if record == nil || record.IsNew {
		return fmt.Errorf("type %s: %w", itemPath, ErrTypeNotFound)
	}

	repoPath := TypeRepositoryPath(record.CategoryPath, record.Name)
	if err := repoPath.ValidateExists(s.host.Workdir()); err != nil {
		return err
	}
	if err := s.verifyTypeHash(repoPath); err != nil {
		return err
	}
	return s.serializer.WriteType(s.host.Workdir(), record)
}

// RenameType moves the type's file to its new name and reserializes it.
func (s *DatabaseSet) RenameType(itemPath, newName string) error {
	record := s.dataSet.FindType(itemPath)
	if record == nil || record.IsNew {
		return fmt.Errorf("type %s: %w", itemPath, ErrTypeNotFound)
	}
	if err := ValidateName(newName); err != nil {
		return err
	}
	if s.host.ContainsTypeName(newName) {
		return fmt.Errorf("type name %s: %w", newName, ErrItemAlreadyExists)
	}

	oldPath := TypeRepositoryPath(record.CategoryPath, record.Name)
	newPath := TypeRepositoryPath(record.CategoryPath, newName)
	if err := oldPath.ValidateExists(s.host.Workdir()); err != nil {
		return err
	}
	if err := newPath.ValidateNotExists(s.host.Workdir()); err != nil {
		return err
	}

	record.Name = newName
	if err := s.host.Repository().Move(oldPath.Path, newPath.Path); err != nil {
		return err
	}
	return s.serializer.WriteType(s.host.Workdir(), record)
}

// MoveType moves the type's file to a new category and reserializes it.
func (s *DatabaseSet) MoveType(itemPath, newCategoryPath string) error {
	record := s.dataSet.FindType(itemPath)
	if record == nil || record.IsNew {
		return fmt.Errorf("type %s: %w", itemPath, ErrTypeNotFound)
	}
	if err := ValidateCategoryPath(newCategoryPath); err != nil {
		return err
	}

	oldPath := TypeRepositoryPath(record.CategoryPath, record.Name)
	newPath := TypeRepositoryPath(newCategoryPath, record.Name)
	if err := oldPath.ValidateExists(s.host.Workdir()); err != nil {
		return err
	}
	if err := newPath.ValidateNotExists(s.host.Workdir()); err != nil {
		return err
	}

	record.CategoryPath = newCategoryPath
	if err := s.host.Repository().Move(oldPath.Path, newPath.Path); err != nil {
		return err
	}
	return s.serializer.WriteType(s.host.Workdir(), record)
}

// DeleteType removes the type's file from the working copy.
func (s *DatabaseSet) DeleteType(itemPath string) error {
	record := s.dataSet.FindType(itemPath)
	if record == nil || record.IsNew {
		return fmt.Errorf("type %s: %w", itemPath, ErrTypeNotFound)
	}

	repoPath := TypeRepositoryPath(record.CategoryPath, record.Name)
	if err := repoPath.ValidateExists(s.host.Workdir()); err != nil {
		return err
	}
	return s.host.Repository().Delete(repoPath.Path)
}

// CreateTable serializes a new candidate table after re-verifying that every
// referenced type is byte-identical to its state when the set was built.
func (s *DatabaseSet) CreateTable(itemPath string) error {
	record := s.dataSet.FindTable(itemPath)
	if record == nil {
		return fmt.Errorf("candidate table %s: %w", itemPath, ErrTableNotFound)
	}
	if !record.IsNew {
		return fmt.Errorf("table %s: %w", itemPath, ErrItemAlreadyExists)
	}
	if s.host.ContainsTableName(record.Name) {
		return fmt.Errorf("table name %s: %w", record.Name, ErrItemAlreadyExists)
	}

	repoPath := TableRepositoryPath(record.CategoryPath, record.Name)
	if err := repoPath.ValidateNotExists(s.host.Workdir()); err != nil {
		return err
	}
	if err := s.verifyTableRefs(record); err != nil {
		return err
	}

	if err := s.serializer.WriteTable(s.host.Workdir(), record); err != nil {
		return err
	}
	return s.host.Repository().Add(repoPath.Path)
}

// ModifyTable rewrites an existing candidate table in place, with the same
// dependency hash check as CreateTable.
func (s *DatabaseSet) ModifyTable(itemPath string) error {
	record := s.dataSet.FindTable(itemPath)
	if record == nil || record.IsNew {
		return fmt.Errorf("table %s: %w", itemPath, ErrTableNotFound)
	}

	repoPath := TableRepositoryPath(record.CategoryPath, record.Name)
	if err := repoPath.ValidateExists(s.host.Workdir()); err != nil {
		return err
	}
	if record.Prior != nil {
		current, err := helpers.HashFile(repoPath.Abs(s.host.Workdir()))
		if err != nil {
			return err
		}
		if captured, ok := record.Prior.FileHashes[repoPath.Path]; ok && captured != current {
			return &ConflictError{Path: repoPath.Path, Expected: captured, Actual: current}
		}
	}
	if err := s.verifyTableRefs(record); err != nil {
		return err
	}
	return s.serializer.WriteTable(s.host.Workdir(), record)
}

// RenameTable moves the table's file to its new name and reserializes it.
func (s *DatabaseSet) RenameTable(itemPath, newName string) error {
	record := s.dataSet.FindTable(itemPath)
	if record == nil || record.IsNew {
		return fmt.Errorf("table %s: %w", itemPath, ErrTableNotFound)
	}
	if err := ValidateName(newName); err != nil {
		return err
	}
	if s.host.ContainsTableName(newName) {
		return fmt.Errorf("table name %s: %w", newName, ErrItemAlreadyExists)
	}

	oldPath := TableRepositoryPath(record.CategoryPath, record.Name)
	newPath := TableRepositoryPath(record.CategoryPath, newName)
	if err := oldPath.ValidateExists(s.host.Workdir()); err != nil {
		return err
	}
	if err := newPath.ValidateNotExists(s.host.Workdir()); err != nil {
		return err
	}

	record.Name = newName
	if err := s.host.Repository().Move(oldPath.Path, newPath.Path); err != nil {
		return err
	}
	return s.serializer.WriteTable(s.host.Workdir(), record)
}

// MoveTable moves the table's file to a new category and reserializes it.
func (s *DatabaseSet) MoveTable(itemPath, newCategoryPath string) error {
	record := s.dataSet.FindTable(itemPath)
	if record == nil || record.IsNew {
		return fmt.Errorf("table %s: %w", itemPath, ErrTableNotFound)
	}
	if err := ValidateCategoryPath(newCategoryPath); err != nil {
		return err
	}

	oldPath := TableRepositoryPath(record.CategoryPath, record.Name)
	newPath := TableRepositoryPath(newCategoryPath, record.Name)
	if err := oldPath.ValidateExists(s.host.Workdir()); err != nil {
		return err
	}
	if err := newPath.ValidateNotExists(s.host.Workdir()); err != nil {
		return err
	}

	record.CategoryPath = newCategoryPath
	if err := s.host.Repository().Move(oldPath.Path, newPath.Path); err != nil {
		return err
	}
	return s.serializer.WriteTable(s.host.Workdir(), record)
}

// DeleteTable removes the table's file from the working copy.
func (s *DatabaseSet) DeleteTable(itemPath string) error {
	record := s.dataSet.FindTable(itemPath)
	if record == nil || record.IsNew {
		return fmt.Errorf("table %s: %w", itemPath, ErrTableNotFound)
	}

	repoPath := TableRepositoryPath(record.CategoryPath, record.Name)
	if err := repoPath.ValidateExists(s.host.Workdir()); err != nil {
		return err
	}
	return s.host.Repository().Delete(repoPath.Path)
}

// MoveTypeCategory relocates a whole type category. Every descendant's
// path rewrite is validated before any repository call so a failure cannot
// leave a half-moved subtree.
func (s *DatabaseSet) MoveTypeCategory(categoryPath, newCategoryPath string) error {
	return s.moveCategory(categoryPath, newCategoryPath, true)
}

// MoveTableCategory relocates a whole table category with the same
// validate-everything-first discipline.
func (s *DatabaseSet) MoveTableCategory(categoryPath, newCategoryPath string) error {
	return s.moveCategory(categoryPath, newCategoryPath, false)
}

func (s *DatabaseSet) moveCategory(categoryPath, newCategoryPath string, isType bool) error {
	if err := ValidateCategoryPath(categoryPath); err != nil {
		return err
	}
	if err := ValidateCategoryPath(newCategoryPath); err != nil {
		return err
	}
	if categoryPath == "/" {
		return fmt.Errorf("cannot move the root category: %w", ErrInvalidName)
	}

	var oldDir, newDir RepositoryPath
	if isType {
		oldDir = TypeCategoryRepositoryPath(categoryPath)
		newDir = TypeCategoryRepositoryPath(newCategoryPath)
	} else {
		oldDir = TableCategoryRepositoryPath(categoryPath)
		newDir = TableCategoryRepositoryPath(newCategoryPath)
	}
	if err := oldDir.ValidateExists(s.host.Workdir()); err != nil {
		return err
	}
	if err := newDir.ValidateNotExists(s.host.Workdir()); err != nil {
		return err
	}

	// Validate every descendant's rewrite before touching the repository.
	type rewrite struct {
		typeRecord  *TypeRecord
		tableRecord *TableRecord
		newCategory string
	}
	var rewrites []rewrite

	if isType {
		for _, record := range s.dataSet.Types {
			if !pathUnder(record.CategoryPath, categoryPath) {
				continue
			}
			newCategory := newCategoryPath + record.CategoryPath[len(categoryPath):]
			if err := ValidateCategoryPath(newCategory); err != nil {
				return err
			}
			rewrites = append(rewrites, rewrite{typeRecord: record, newCategory: newCategory})
		}
	} else {
		for _, record := range s.dataSet.Tables {
			if !pathUnder(record.CategoryPath, categoryPath) {
				continue
			}
			newCategory := newCategoryPath + record.CategoryPath[len(categoryPath):]
			if err := ValidateCategoryPath(newCategory); err != nil {
				return err
			}
			rewrites = append(rewrites, rewrite{tableRecord: record, newCategory: newCategory})
		}
	}

	if err := s.host.Repository().Move(oldDir.Path, newDir.Path); err != nil {
		return err
	}

	for _, rw := range rewrites {
		if rw.typeRecord != nil {
			rw.typeRecord.CategoryPath = rw.newCategory
			if err := s.serializer.WriteType(s.host.Workdir(), rw.typeRecord); err != nil {
				return err
			}
		} else {
			rw.tableRecord.CategoryPath = rw.newCategory
			if err := s.serializer.WriteTable(s.host.Workdir(), rw.tableRecord); err != nil {
				return err
			}
		}
	}
	return nil
}

// pathUnder reports whether categoryPath equals prefix or lies beneath it.
func pathUnder(categoryPath, prefix string) bool {
	return categoryPath == prefix || len(categoryPath) > len(prefix) && categoryPath[:len(prefix)] == prefix
}

// Dispose releases the repository path locks unless an outer operation owns
// them. Safe to call more than once.
func (s *DatabaseSet) Dispose() error {
	if s.disposed {
		return nil
	}
	s.disposed = true

	if s.options.Has(OmitUnlock) || len(s.lockedPaths) == 0 {
		return nil
	}
	return s.host.Repository().Unlock(s.id, s.lockedPaths...)
}
