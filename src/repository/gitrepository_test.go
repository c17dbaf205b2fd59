package repository

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProvider(t *testing.T) *GitProvider {
	t.Helper()
	provider, err := NewGitProvider(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	return provider
}

func TestCreateAndOpenRepository(t *testing.T) {
	provider := newTestProvider(t)

	info, err := provider.CreateRepository("db1", "admin", "init")
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "init", info.Comment)
	assert.Equal(t, info.Revision, info.FirstRevision)

	_, err = provider.CreateRepository("db1", "admin", "again")
	assert.ErrorIs(t, err, ErrRepositoryAlreadyExists)

	repo, err := provider.Open("db1")
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, os.WriteFile(filepath.Join(repo.Path(), "hello.txt"), []byte("hi"), 0644))
	rev, err := repo.Commit("admin", "add hello")
	require.NoError(t, err)
	assert.NotEqual(t, info.Revision, rev)

	items, err := provider.GetRepositoryItemList("db1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello.txt"}, items)
}

func TestRevertDiscardsWorkingCopy(t *testing.T) {
	provider := newTestProvider(t)
	_, err := provider.CreateRepository("db1", "admin", "init")
	require.NoError(t, err)

	repo, err := provider.Open("db1")
	require.NoError(t, err)

	path := filepath.Join(repo.Path(), "junk.txt")
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0644))

	changed, err := repo.Status()
	require.NoError(t, err)
	assert.NotEmpty(t, changed)

	require.NoError(t, repo.Revert())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	changed, err = repo.Status()
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestRevertRepositoryPreservesHistory(t *testing.T) {
	provider := newTestProvider(t)
	info, err := provider.CreateRepository("db1", "admin", "init")
	require.NoError(t, err)

	repo, err := provider.Open("db1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repo.Path(), "a.txt"), []byte("a"), 0644))
	_, err = repo.Commit("admin", "add a")
	require.NoError(t, err)

	require.NoError(t, provider.RevertRepository("db1", info.FirstRevision, "admin", "restore"))

	// The restored content lands as a new commit; nothing is discarded.
	entries, err := provider.GetLog("db1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "restore", entries[0].Comment)

	rev, err := provider.GetRevision("db1")
	require.NoError(t, err)
	assert.NotEqual(t, info.FirstRevision, rev)

	_, err = os.Stat(filepath.Join(repo.Path(), "a.txt"))
	assert.True(t, os.IsNotExist(err))

	// Reverting to content the head already carries is a no-op.
	require.NoError(t, provider.RevertRepository("db1", info.FirstRevision, "admin", "again"))
	entries, err = provider.GetLog("db1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestTransactionCancelRestoresSnapshot(t *testing.T) {
	provider := newTestProvider(t)
	info, err := provider.CreateRepository("db1", "admin", "init")
	require.NoError(t, err)

	repo, err := provider.Open("db1")
	require.NoError(t, err)

	require.NoError(t, repo.BeginTransaction())
	assert.ErrorIs(t, repo.BeginTransaction(), ErrTransactionOpen)

	require.NoError(t, os.WriteFile(filepath.Join(repo.Path(), "txn.txt"), []byte("x"), 0644))
	_, err = repo.Commit("admin", "inside txn")
	require.NoError(t, err)

	require.NoError(t, repo.CancelTransaction())
	assert.ErrorIs(t, repo.CancelTransaction(), ErrNoTransaction)

	currentInfo, err := repo.Info()
	require.NoError(t, err)
	assert.Equal(t, info.Revision, currentInfo.Revision)
}

func TestExportAtRevision(t *testing.T) {
	provider := newTestProvider(t)
	_, err := provider.CreateRepository("db1", "admin", "init")
	require.NoError(t, err)

	repo, err := provider.Open("db1")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(repo.Path(), "types", "a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo.Path(), "types", "a", "t1.bson"), []byte("v1"), 0644))
	rev1, err := repo.Commit("admin", "v1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(repo.Path(), "types", "a", "t1.bson"), []byte("v2"), 0644))
	_, err = repo.Commit("admin", "v2")
	require.NoError(t, err)

	destDir := t.TempDir()
	require.NoError(t, repo.Export(rev1, destDir, "types/a"))

	data, err := os.ReadFile(filepath.Join(destDir, "types", "a", "t1.bson"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestCopyRepositoryGetsFreshIdentity(t *testing.T) {
	provider := newTestProvider(t)
	srcInfo, err := provider.CreateRepository("db1", "admin", "init")
	require.NoError(t, err)

	dstInfo, err := provider.CopyRepository("db1", "db2", "admin", "copy of db1")
	require.NoError(t, err)
	assert.NotEqual(t, srcInfo.ID, dstInfo.ID)

	names, err := provider.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"db1", "db2"}, names)
}

func TestPathLockTable(t *testing.T) {
	locks := NewPathLockTable()

	require.NoError(t, locks.Lock("alice", "editing", "types/a", "types/b"))
	err := locks.Lock("bob", "editing", "types/b", "types/c")
	require.ErrorIs(t, err, ErrPathLocked)

	// All-or-nothing: types/c must not have been taken.
	_, _, ok := locks.Find("types/c")
	assert.False(t, ok)

	// Re-locking your own path is fine.
	require.NoError(t, locks.Lock("alice", "still editing", "types/a"))

	assert.ErrorIs(t, locks.Unlock("bob", "types/a"), ErrPathLocked)
	assert.ErrorIs(t, locks.UnlockMatching("alice", "wrong-comment", "types/a"), ErrPathLocked)
	require.NoError(t, locks.UnlockMatching("alice", "still editing", "types/a"))
	require.NoError(t, locks.Unlock("alice", "types/b"))

	assert.ErrorIs(t, locks.Unlock("alice", "types/b"), ErrPathNotLocked)
}
