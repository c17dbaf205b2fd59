package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"vcdb/src/helpers"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// markerFile holds the repository's stable ID; it is written once by
// CreateRepository and rewritten with a fresh ID by CopyRepository.
const markerFile = ".vcdb"

// GitProvider manages one git repository per database under a base directory.
type GitProvider struct {
	basePath string
	logger   *zap.SugaredLogger
}

func NewGitProvider(basePath string, logger *zap.SugaredLogger) (*GitProvider, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create repository root %s: %w", basePath, err)
	}

	return &GitProvider{
		basePath: basePath,
		logger:   logger,
	}, nil
}

func (p *GitProvider) repoPath(name string) string {
	return filepath.Join(p.basePath, name)
}

// Exists reports whether a repository with the given name exists.
func (p *GitProvider) Exists(name string) bool {
	_, err := git.PlainOpen(p.repoPath(name))
	return err == nil
}

// List returns the names of all repositories under the base directory.
func (p *GitProvider) List() ([]string, error) {
	entries, err := os.ReadDir(p.basePath)
	if err != nil {
		return nil, fmt.Errorf("error reading repository root %s: %w", p.basePath, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if p.Exists(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// CreateRepository initializes a new repository with an identity marker and
// an initial commit carrying the given comment.
func (p *GitProvider) CreateRepository(name, author, comment string) (*RepositoryInfo, error) {
	path := p.repoPath(name)
	if p.Exists(name) {
		return nil, fmt.Errorf("repository %s: %w", name, ErrRepositoryAlreadyExists)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository %s: %w", name, err)
	}

	id := helpers.GenerateUUID()
	if err := os.WriteFile(filepath.Join(path, markerFile), []byte(id), 0644); err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("failed to write repository marker: %w", err)
	}

	if _, err := commitAll(repo, author, comment); err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("failed to create initial commit for %s: %w", name, err)
	}

	p.logger.Infof("Created repository %s (ID: %s)", name, id)
	return p.GetRepositoryInfo(name)
}

// CopyRepository clones an existing repository, including its full history,
// and gives the copy a fresh identity.
func (p *GitProvider) CopyRepository(srcName, dstName, author, comment string) (*RepositoryInfo, error) {
	if !p.Exists(srcName) {
		return nil, fmt.Errorf("repository %s: %w", srcName, ErrRepositoryNotFound)
	}
	if p.Exists(dstName) {
		return nil, fmt.Errorf("repository %s: %w", dstName, ErrRepositoryAlreadyExists)
	}

	dstPath := p.repoPath(dstName)
	repo, err := git.PlainClone(dstPath, false, &git.CloneOptions{
		URL: p.repoPath(srcName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone repository %s: %w", srcName, err)
	}

	// The copy is a new database; give it its own identity.
	id := helpers.GenerateUUID()
	if err := os.WriteFile(filepath.Join(dstPath, markerFile), []byte(id), 0644); err != nil {
		os.RemoveAll(dstPath)
		return nil, fmt.Errorf("failed to write repository marker: %w", err)
	}
	if _, err := commitAll(repo, author, comment); err != nil {
		os.RemoveAll(dstPath)
		return nil, fmt.Errorf("failed to commit copy of %s: %w", srcName, err)
	}

	p.logger.Infof("Copied repository %s to %s (ID: %s)", srcName, dstName, id)
	return p.GetRepositoryInfo(dstName)
}

// RenameRepository renames the repository directory.
func (p *GitProvider) RenameRepository(oldName, newName string) error {
	if !p.Exists(oldName) {
		return fmt.Errorf("repository %s: %w", oldName, ErrRepositoryNotFound)
	}
	if p.Exists(newName) {
		return fmt.Errorf("repository %s: %w", newName, ErrRepositoryAlreadyExists)
	}

	if err := os.Rename(p.repoPath(oldName), p.repoPath(newName)); err != nil {
		return fmt.Errorf("failed to rename repository %s to %s: %w", oldName, newName, err)
	}
	return nil
}

// DeleteRepository removes the repository directory and all history.
func (p *GitProvider) DeleteRepository(name string) error {
	if !p.Exists(name) {
		return fmt.Errorf("repository %s: %w", name, ErrRepositoryNotFound)
	}
	if err := os.RemoveAll(p.repoPath(name)); err != nil {
		return fmt.Errorf("failed to delete repository %s: %w", name, err)
	}
	p.logger.Infof("Deleted repository %s", name)
	return nil
}

// RevertRepository restores the content of the given revision as a new
// commit on top of the current head. No history is discarded.
func (p *GitProvider) RevertRepository(name, revision, author, comment string) error {
	repo, err := git.PlainOpen(p.repoPath(name))
	if err != nil {
		return fmt.Errorf("repository %s: %w", name, ErrRepositoryNotFound)
	}

	hash, err := resolveRevision(repo, revision)
	if err != nil {
		return err
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve head of %s: %w", name, err)
	}
	target, err := repo.CommitObject(hash)
	if err != nil {
		return fmt.Errorf("revision %s: %w", revision, ErrInvalidRevision)
	}
	current, err := repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("failed to read head commit of %s: %w", name, err)
	}
	if target.TreeHash == current.TreeHash {
		// Head already carries the requested content.
		return nil
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree for %s: %w", name, err)
	}

	// Materialize the old tree in the worktree and index, then point head
	// back at the current revision so the restored content lands as a new
	// commit on top of the existing history.
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: hash}); err != nil {
		return fmt.Errorf("failed to restore %s to %s: %w", name, revision, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("failed to clean worktree of %s: %w", name, err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.SoftReset, Commit: head.Hash()}); err != nil {
		return fmt.Errorf("failed to restore head of %s: %w", name, err)
	}
	if _, err := commitAll(repo, author, comment); err != nil {
		return fmt.Errorf("failed to commit revert of %s: %w", name, err)
	}

	p.logger.Infof("Reverted repository %s to revision %s", name, revision)
	return nil
}

// GetRepositoryInfo reads the identity and head state of a repository.
func (p *GitProvider) GetRepositoryInfo(name string) (*RepositoryInfo, error) {
	repo, err := git.PlainOpen(p.repoPath(name))
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", name, ErrRepositoryNotFound)
	}
	return buildRepositoryInfo(repo, name, p.repoPath(name))
}

// GetRevision returns the head revision of a repository.
func (p *GitProvider) GetRevision(name string) (string, error) {
	info, err := p.GetRepositoryInfo(name)
	if err != nil {
		return "", err
	}
	return info.Revision, nil
}

// GetLog returns up to maxCount revisions, newest first. maxCount <= 0
// returns the full history.
func (p *GitProvider) GetLog(name string, maxCount int) ([]LogEntry, error) {
	repo, err := git.PlainOpen(p.repoPath(name))
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", name, ErrRepositoryNotFound)
	}
	return readLog(repo, maxCount)
}

// GetRepositoryItemList returns every file path tracked at the head revision.
func (p *GitProvider) GetRepositoryItemList(name string) ([]string, error) {
	repo, err := git.PlainOpen(p.repoPath(name))
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", name, ErrRepositoryNotFound)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve head of %s: %w", name, err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read head commit of %s: %w", name, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read head tree of %s: %w", name, err)
	}

	var items []string
	iter := tree.Files()
	defer iter.Close()
	err = iter.ForEach(func(f *object.File) error {
		if f.Name == markerFile {
			return nil
		}
		items = append(items, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list items of %s: %w", name, err)
	}
	return items, nil
}

// Open returns a working handle for the repository.
func (p *GitProvider) Open(name string) (Repository, error) {
	path := p.repoPath(name)
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", name, ErrRepositoryNotFound)
	}

	return &gitRepository{
		name:   name,
		path:   path,
		repo:   repo,
		locks:  NewPathLockTable(),
		logger: p.logger,
	}, nil
}

func resolveRevision(repo *git.Repository, revision string) (plumbing.Hash, error) {
	if revision == "" {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to resolve head: %w", err)
		}
		return head.Hash(), nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("revision %s: %w", revision, ErrInvalidRevision)
	}
	return *hash, nil
}
