package repository

import "time"

// RepositoryInfo describes one repository at its current head.
type RepositoryInfo struct {
	// ID is the stable identifier of the repository, fixed at creation.
	ID string

	// Name is the directory name of the repository under the provider root.
	Name string

	// Revision is the current head revision.
	Revision string

	// FirstRevision is the revision of the initial commit.
	FirstRevision string

	CreatedAt  time.Time
	ModifiedAt time.Time

	// Comment of the head commit.
	Comment string
}

// LogEntry is one revision in a repository's history, newest first.
type LogEntry struct {
	Revision string
	Author   string
	Comment  string
	When     time.Time
}

// Provider creates and manages repositories under a base directory,
// one repository per database.
type Provider interface {
	CreateRepository(name, author, comment string) (*RepositoryInfo, error)
	CopyRepository(srcName, dstName, author, comment string) (*RepositoryInfo, error)
	RenameRepository(oldName, newName string) error
	DeleteRepository(name string) error
	RevertRepository(name, revision, author, comment string) error

	GetRepositoryInfo(name string) (*RepositoryInfo, error)
	GetRevision(name string) (string, error)
	GetLog(name string, maxCount int) ([]LogEntry, error)
	GetRepositoryItemList(name string) ([]string, error)

	Exists(name string) bool
	List() ([]string, error)

	// Open returns a working handle for one repository.
	Open(name string) (Repository, error)
}

// Repository is a per-database working handle. All paths are relative to the
// repository root. Filesystem mutations (Add/Delete/Move/Copy and anything
// written into the working copy by a serializer) only become durable on
// Commit; Revert discards them.
type Repository interface {
	Name() string

	// Path returns the absolute path of the working copy root.
	Path() string

	Info() (*RepositoryInfo, error)

	// Commit stages everything in the working copy and commits it,
	// returning the new revision.
	Commit(author, comment string) (string, error)

	// Revert discards all uncommitted working-copy changes, including
	// untracked files.
	Revert() error

	Add(path string) error
	Delete(path string) error
	Move(oldPath, newPath string) error
	Copy(srcPath, dstPath string) error

	// Status returns the relative paths that differ from the head revision.
	Status() ([]string, error)

	// Lock/Unlock manage in-process path locks guarding read-then-modify
	// windows. Unlock only releases locks held by the same holder.
	Lock(holder, comment string, paths ...string) error
	Unlock(holder string, paths ...string) error
	UnlockMatching(holder, comment string, paths ...string) error
	FindLock(path string) (holder string, comment string, ok bool)

	// Export writes the files under each of the given paths, as of the
	// given revision, into destDir preserving relative paths.
	Export(revision string, destDir string, paths ...string) error

	GetLog(maxCount int) ([]LogEntry, error)

	// BeginTransaction snapshots the current head. CancelTransaction
	// restores the snapshot, discarding every commit and working-copy
	// change made since. EndTransaction discards the snapshot.
	BeginTransaction() error
	EndTransaction() error
	CancelTransaction() error

	Close() error
}
