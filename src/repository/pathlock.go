package repository

import (
	"fmt"
	"sync"
)

type pathLock struct {
	Holder  string
	Comment string
}

// PathLockTable is an in-process lock table keyed by repository path. Locks
// are advisory between operations of one process; they guard the window
// between reading an item and committing a change to it.
type PathLockTable struct {
	mu    sync.Mutex
	locks map[string]pathLock
}

func NewPathLockTable() *PathLockTable {
	return &PathLockTable{
		locks: make(map[string]pathLock),
	}
}

// Lock acquires every path for the holder, or none of them. A path already
// held by the same holder counts as acquired.
func (t *PathLockTable) Lock(holder, comment string, paths ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, path := range paths {
		if existing, ok := t.locks[path]; ok && existing.Holder != holder {
			return fmt.Errorf("cannot lock %s held by %s: %w", path, existing.Holder, ErrPathLocked)
		}
	}

	for _, path := range paths {
		t.locks[path] = pathLock{Holder: holder, Comment: comment}
	}
	return nil
}

// Unlock releases the holder's locks on the given paths. Paths not locked by
// the holder are an error and nothing is released.
func (t *PathLockTable) Unlock(holder string, paths ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, path := range paths {
		existing, ok := t.locks[path]
		if !ok {
			return fmt.Errorf("path %s: %w", path, ErrPathNotLocked)
		}
		if existing.Holder != holder {
			return fmt.Errorf("cannot unlock %s held by %s: %w", path, existing.Holder, ErrPathLocked)
		}
	}

	for _, path := range paths {
		delete(t.locks, path)
	}
	return nil
}

// UnlockMatching releases locks only if both holder and comment match,
// so internally-created locks (transactions, imports) can verify they are
// removing their own lock and not a user's.
func (t *PathLockTable) UnlockMatching(holder, comment string, paths ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, path := range paths {
		existing, ok := t.locks[path]
		if !ok {
			return fmt.Errorf("path %s: %w", path, ErrPathNotLocked)
		}
		if existing.Holder != holder || existing.Comment != comment {
			return fmt.Errorf("cannot unlock %s held by %s: %w", path, existing.Holder, ErrPathLocked)
		}
	}

	for _, path := range paths {
		delete(t.locks, path)
	}
	return nil
}

// Find returns the lock on a path, if any.
func (t *PathLockTable) Find(path string) (holder string, comment string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.locks[path]
	if !ok {
		return "", "", false
	}
	return existing.Holder, existing.Comment, true
}
