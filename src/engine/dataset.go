package engine

import (
	"fmt"
	"strings"
)

// PriorState is the captured repository-side state of an already-existing
// candidate item: its info at capture time plus the hash of every backing
// file. It is an explicit field on the record, not a side-channel.
type PriorState struct {
	Info       ItemInfo
	FileHashes map[string]string // relative repository path -> sha256
}

type TypeMember struct {
	Name    string `bson:"name"`
	Value   int64  `bson:"value"`
	Comment string `bson:"comment,omitempty"`
}

// TypeRecord is a reusable schema definition (an enumeration) referenced by
// table columns.
type TypeRecord struct {
	ID           string       `bson:"id"`
	Name         string       `bson:"name"`
	CategoryPath string       `bson:"categoryPath"`
	Comment      string       `bson:"comment,omitempty"`
	Members      []TypeMember `bson:"members"`

	// Candidate-set bookkeeping; never serialized.
	Prior *PriorState `bson:"-"`
	IsNew bool        `bson:"-"`
}

func (t *TypeRecord) Path() string {
	return t.CategoryPath + t.Name
}

func (t *TypeRecord) Info(revision string) TypeInfo {
	return TypeInfo{
		ItemInfo: ItemInfo{
			ID:           t.ID,
			Name:         t.Name,
			CategoryPath: t.CategoryPath,
			Comment:      t.Comment,
			Revision:     revision,
		},
		MemberCount: len(t.Members),
	}
}

// Clone returns a deep copy without candidate-set bookkeeping.
func (t *TypeRecord) Clone() *TypeRecord {
	clone := *t
	clone.Members = append([]TypeMember(nil), t.Members...)
	clone.Prior = nil
	clone.IsNew = false
	return &clone
}

type Column struct {
	Name      string `bson:"name"`
	DataType  string `bson:"dataType"`
	IsKey     bool   `bson:"isKey,omitempty"`
	AllowNull bool   `bson:"allowNull,omitempty"`

	// TypeRef names a type (by item path) constraining this column.
	TypeRef string `bson:"typeRef,omitempty"`

	Comment string `bson:"comment,omitempty"`
}

// TableRecord is a structured data definition with rows.
type TableRecord struct {
	ID           string                   `bson:"id"`
	Name         string                   `bson:"name"`
	CategoryPath string                   `bson:"categoryPath"`
	Comment      string                   `bson:"comment,omitempty"`
	Columns      []Column                 `bson:"columns"`
	Rows         []map[string]interface{} `bson:"rows,omitempty"`

	// Candidate-set bookkeeping; never serialized.
	Prior *PriorState `bson:"-"`
	IsNew bool        `bson:"-"`
}

func (t *TableRecord) Path() string {
	return t.CategoryPath + t.Name
}

// TypeRefs returns the item paths of every type referenced by the table's
// columns, without duplicates.
func (t *TableRecord) TypeRefs() []string {
	seen := make(map[string]bool)
	var refs []string
	for _, col := range t.Columns {
		if col.TypeRef == "" || seen[col.TypeRef] {
			continue
		}
		seen[col.TypeRef] = true
		refs = append(refs, col.TypeRef)
	}
	return refs
}

func (t *TableRecord) Info(revision string) TableInfo {
	return TableInfo{
		ItemInfo: ItemInfo{
			ID:           t.ID,
			Name:         t.Name,
			CategoryPath: t.CategoryPath,
			Comment:      t.Comment,
			Revision:     revision,
		},
		ColumnCount: len(t.Columns),
		RowCount:    len(t.Rows),
		TypeRefs:    t.TypeRefs(),
	}
}

// Clone returns a deep copy without candidate-set bookkeeping.
func (t *TableRecord) Clone() *TableRecord {
	clone := *t
	clone.Columns = append([]Column(nil), t.Columns...)
	clone.Rows = make([]map[string]interface{}, len(t.Rows))
	for i, row := range t.Rows {
		rowCopy := make(map[string]interface{}, len(row))
		for k, v := range row {
			rowCopy[k] = v
		}
		clone.Rows[i] = rowCopy
	}
	clone.Prior = nil
	clone.IsNew = false
	return &clone
}

// DataSet is a candidate collection of type and table records, the unit a
// DatabaseSet stages against the repository.
type DataSet struct {
	Types  []*TypeRecord
	Tables []*TableRecord
}

func NewDataSet() *DataSet {
	return &DataSet{}
}

func (ds *DataSet) AddType(t *TypeRecord) {
	ds.Types = append(ds.Types, t)
}

func (ds *DataSet) AddTable(t *TableRecord) {
	ds.Tables = append(ds.Tables, t)
}

// FindType returns the type with the given item path, or nil.
func (ds *DataSet) FindType(itemPath string) *TypeRecord {
	for _, t := range ds.Types {
		if t.Path() == itemPath {
			return t
		}
	}
	return nil
}

// FindTable returns the table with the given item path, or nil.
func (ds *DataSet) FindTable(itemPath string) *TableRecord {
	for _, t := range ds.Tables {
		if t.Path() == itemPath {
			return t
		}
	}
	return nil
}

// ValidateCategoryPath checks the "/a/b/" shape of a category path.
func ValidateCategoryPath(categoryPath string) error {
	if categoryPath == "/" {
		return nil
	}
	if !strings.HasPrefix(categoryPath, "/") || !strings.HasSuffix(categoryPath, "/") {
		return fmt.Errorf("category path %q must start and end with '/': %w", categoryPath, ErrInvalidName)
	}
	for _, segment := range strings.Split(strings.Trim(categoryPath, "/"), "/") {
		if err := ValidateName(segment); err != nil {
			return fmt.Errorf("category path %q: %w", categoryPath, err)
		}
	}
	return nil
}
