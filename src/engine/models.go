package engine

import (
	"strings"
	"time"
)

// DatabaseState is the lifecycle state of a database.
type DatabaseState int

const (
	// StateNone is both the initial state (never loaded) and the terminal
	// state after unload or delete.
	StateNone DatabaseState = iota
	StateLoading
	StateLoaded
	// StateProgressing is a transient loaded-equivalent state used while an
	// exclusive transaction is open.
	StateProgressing
	StateUnloading
	StateUnloaded
)

func (s DatabaseState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateProgressing:
		return "progressing"
	case StateUnloading:
		return "unloading"
	case StateUnloaded:
		return "unloaded"
	default:
		return "none"
	}
}

// IsLoaded reports whether the in-memory item contexts are available.
func (s DatabaseState) IsLoaded() bool {
	return s == StateLoaded || s == StateProgressing
}

// DatabaseInfo is the durable identity and provenance of a database.
type DatabaseInfo struct {
	// ID is the stable identifier, fixed at repository creation.
	ID string

	// Name is the database (and repository directory) name.
	Name string

	// Revision is the head revision of the backing repository.
	Revision string

	Comment string

	CreatedAt  time.Time
	CreatedBy  string
	ModifiedAt time.Time
	ModifiedBy string

	// Paths of the type and table roots inside the repository.
	TypePath  string
	TablePath string
}

// ItemInfo is the identity snapshot of one type or table.
type ItemInfo struct {
	ID           string `bson:"id"`
	Name         string `bson:"name"`
	CategoryPath string `bson:"categoryPath"`
	Comment      string `bson:"comment"`
	Revision     string `bson:"revision"`
}

// Path returns the logical item path (category path + name).
func (i ItemInfo) Path() string {
	return i.CategoryPath + i.Name
}

type TypeInfo struct {
	ItemInfo    `bson:",inline"`
	MemberCount int `bson:"memberCount"`
}

type TableInfo struct {
	ItemInfo    `bson:",inline"`
	ColumnCount int      `bson:"columnCount"`
	RowCount    int      `bson:"rowCount"`
	TypeRefs    []string `bson:"typeRefs,omitempty"`
}

// DatabaseFlags summarizes the externally visible status of a database.
type DatabaseFlags int

const (
	FlagPublic DatabaseFlags = 1 << iota
	FlagPrivate
	FlagLoaded
	FlagNotLoaded
	FlagLocked
	FlagNotLocked
)

func (f DatabaseFlags) Has(flag DatabaseFlags) bool {
	return f&flag == flag
}

func (f DatabaseFlags) String() string {
	var parts []string
	if f.Has(FlagPublic) {
		parts = append(parts, "public")
	}
	if f.Has(FlagPrivate) {
		parts = append(parts, "private")
	}
	if f.Has(FlagLoaded) {
		parts = append(parts, "loaded")
	}
	if f.Has(FlagNotLoaded) {
		parts = append(parts, "not-loaded")
	}
	if f.Has(FlagLocked) {
		parts = append(parts, "locked")
	}
	if f.Has(FlagNotLocked) {
		parts = append(parts, "not-locked")
	}
	return strings.Join(parts, "|")
}

// ValidateName rejects empty names and names that would escape or corrupt
// repository paths.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, "/\\:*?\"<>|") || name == "." || name == ".." {
		return ErrInvalidName
	}
	return nil
}
