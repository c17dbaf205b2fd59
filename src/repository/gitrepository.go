package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vcdb/src/helpers"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"go.uber.org/zap"
)

// gitRepository is the per-database working handle over a go-git repository.
type gitRepository struct {
	name   string
	path   string
	repo   *git.Repository
	locks  *PathLockTable
	logger *zap.SugaredLogger

	mu      sync.Mutex
	txnBase *plumbing.Hash // head snapshot while a transaction is open
}

func (r *gitRepository) Name() string {
	return r.name
}

func (r *gitRepository) Path() string {
	return r.path
}

func (r *gitRepository) Info() (*RepositoryInfo, error) {
	return buildRepositoryInfo(r.repo, r.name, r.path)
}

// Commit stages every working-copy change and commits it.
func (r *gitRepository) Commit(author, comment string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash, err := commitAll(r.repo, author, comment)
	if err != nil {
		return "", fmt.Errorf("failed to commit to %s: %w", r.name, err)
	}

	r.logger.Infof("Committed revision %s to %s: %s", hash.String(), r.name, comment)
	return hash.String(), nil
}

// Revert discards all uncommitted changes and untracked files.
func (r *gitRepository) Revert() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree for %s: %w", r.name, err)
	}

	head, err := r.repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve head of %s: %w", r.name, err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: head.Hash()}); err != nil {
		return fmt.Errorf("failed to reset worktree of %s: %w", r.name, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("failed to clean worktree of %s: %w", r.name, err)
	}
	return nil
}

// Add verifies the path exists in the working copy. Staging happens at
// commit time.
func (r *gitRepository) Add(path string) error {
	if _, err := os.Stat(r.abs(path)); err != nil {
		return fmt.Errorf("cannot add %s: %w", path, err)
	}
	return nil
}

func (r *gitRepository) Delete(path string) error {
	abs := r.abs(path)
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("cannot delete %s: %w", path, err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (r *gitRepository) Move(oldPath, newPath string) error {
	oldAbs := r.abs(oldPath)
	newAbs := r.abs(newPath)

	if _, err := os.Stat(oldAbs); err != nil {
		return fmt.Errorf("cannot move %s: %w", oldPath, err)
	}
	if _, err := os.Stat(newAbs); err == nil {
		return fmt.Errorf("cannot move %s to %s: destination already exists", oldPath, newPath)
	}
	if err := os.MkdirAll(filepath.Dir(newAbs), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", newPath, err)
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

func (r *gitRepository) Copy(srcPath, dstPath string) error {
	srcAbs := r.abs(srcPath)
	dstAbs := r.abs(dstPath)

	info, err := os.Stat(srcAbs)
	if err != nil {
		return fmt.Errorf("cannot copy %s: %w", srcPath, err)
	}
	if info.IsDir() {
		return helpers.CopyDir(srcAbs, dstAbs, git.GitDirName)
	}

	data, err := os.ReadFile(srcAbs)
	if err != nil {
		return fmt.Errorf("error reading file %s: %w", srcPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(dstAbs), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dstPath, err)
	}
	if err := os.WriteFile(dstAbs, data, 0644); err != nil {
		return fmt.Errorf("error writing file %s: %w", dstPath, err)
	}
	return nil
}

// Status returns the relative paths that differ from the head revision.
func (r *gitRepository) Status() ([]string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree for %s: %w", r.name, err)
	}

	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get status of %s: %w", r.name, err)
	}

	var changed []string
	for path, fileStatus := range status {
		if fileStatus.Worktree == git.Unmodified && fileStatus.Staging == git.Unmodified {
			continue
		}
		changed = append(changed, path)
	}
	return changed, nil
}

func (r *gitRepository) Lock(holder, comment string, paths ...string) error {
	return r.locks.Lock(holder, comment, paths...)
}

func (r *gitRepository) Unlock(holder string, paths ...string) error {
	return r.locks.Unlock(holder, paths...)
}

func (r *gitRepository) UnlockMatching(holder, comment string, paths ...string) error {
	return r.locks.UnlockMatching(holder, comment, paths...)
}

func (r *gitRepository) FindLock(path string) (string, string, bool) {
	return r.locks.Find(path)
}

// Export writes the files under each of the given paths, as of the given
// revision, into destDir. A path selects either the exact file or, for
// directories, every file underneath it.
func (r *gitRepository) Export(revision string, destDir string, paths ...string) error {
	hash, err := resolveRevision(r.repo, revision)
	if err != nil {
		return err
	}

	commit, err := r.repo.CommitObject(hash)
	if err != nil {
		return fmt.Errorf("revision %s: %w", revision, ErrInvalidRevision)
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("failed to read tree at %s: %w", revision, err)
	}

	matches := func(name string) bool {
		for _, p := range paths {
			p = strings.TrimSuffix(p, "/")
			if name == p || strings.HasPrefix(name, p+"/") {
				return true
			}
		}
		return false
	}

	iter := tree.Files()
	defer iter.Close()
	return iter.ForEach(func(f *object.File) error {
		if !matches(f.Name) {
			return nil
		}
		contents, err := f.Contents()
		if err != nil {
			return fmt.Errorf("failed to read %s at %s: %w", f.Name, revision, err)
		}
		dst := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", f.Name, err)
		}
		if err := os.WriteFile(dst, []byte(contents), 0644); err != nil {
			return fmt.Errorf("failed to export %s: %w", f.Name, err)
		}
		return nil
	})
}

func (r *gitRepository) GetLog(maxCount int) ([]LogEntry, error) {
	return readLog(r.repo, maxCount)
}

// BeginTransaction snapshots the current head.
func (r *gitRepository) BeginTransaction() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.txnBase != nil {
		return ErrTransactionOpen
	}

	head, err := r.repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve head of %s: %w", r.name, err)
	}
	hash := head.Hash()
	r.txnBase = &hash
	return nil
}

// EndTransaction discards the snapshot, keeping everything committed since.
func (r *gitRepository) EndTransaction() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.txnBase == nil {
		return ErrNoTransaction
	}
	r.txnBase = nil
	return nil
}

// CancelTransaction restores the snapshot, discarding every commit and
// working-copy change made since BeginTransaction.
func (r *gitRepository) CancelTransaction() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.txnBase == nil {
		return ErrNoTransaction
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree for %s: %w", r.name, err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: *r.txnBase}); err != nil {
		return fmt.Errorf("failed to cancel transaction on %s: %w", r.name, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("failed to clean worktree of %s: %w", r.name, err)
	}

	r.txnBase = nil
	return nil
}

func (r *gitRepository) Close() error {
	// go-git holds no descriptors that need closing; locks die with the handle.
	return nil
}

func (r *gitRepository) abs(path string) string {
	return filepath.Join(r.path, filepath.FromSlash(path))
}

func commitAll(repo *git.Repository, author, comment string) (plumbing.Hash, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return plumbing.ZeroHash, err
	}

	return wt.Commit(comment, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: author + "@vcdb.local",
			When:  time.Now(),
		},
	})
}

func buildRepositoryInfo(repo *git.Repository, name, path string) (*RepositoryInfo, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve head of %s: %w", name, err)
	}
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read head commit of %s: %w", name, err)
	}

	// Walk to the initial commit for the creation provenance.
	first := headCommit
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read log of %s: %w", name, err)
	}
	defer iter.Close()
	err = iter.ForEach(func(c *object.Commit) error {
		first = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk log of %s: %w", name, err)
	}

	id := ""
	if data, err := os.ReadFile(filepath.Join(path, markerFile)); err == nil {
		id = strings.TrimSpace(string(data))
	}

	return &RepositoryInfo{
		ID:            id,
		Name:          name,
		Revision:      head.Hash().String(),
		FirstRevision: first.Hash.String(),
		CreatedAt:     first.Author.When,
		ModifiedAt:    headCommit.Author.When,
		Comment:       strings.TrimSpace(headCommit.Message),
	}, nil
}

func readLog(repo *git.Repository, maxCount int) ([]LogEntry, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	var entries []LogEntry
	err = iter.ForEach(func(c *object.Commit) error {
		if maxCount > 0 && len(entries) >= maxCount {
			return storer.ErrStop
		}
		entries = append(entries, LogEntry{
			Revision: c.Hash.String(),
			Author:   c.Author.Name,
			Comment:  strings.TrimSpace(c.Message),
			When:     c.Author.When,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk log: %w", err)
	}
	return entries, nil
}
