package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"vcdb/src/auth"
	"vcdb/src/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	provider *repository.GitProvider
	registry *DatabaseContext
	cache    *DatasetCache
	overlays *OverlayStore
	domains  *LocalDomainContext
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()
	root := t.TempDir()

	provider, err := repository.NewGitProvider(filepath.Join(root, "repos"), logger)
	require.NoError(t, err)
	cache, err := NewDatasetCache(filepath.Join(root, "cache"), false, logger)
	require.NoError(t, err)
	overlays, err := NewOverlayStore(filepath.Join(root, "meta"), logger)
	require.NoError(t, err)
	domains := NewLocalDomainContext(logger)

	registry, err := NewDatabaseContext(provider, NewBSONSerializer(logger), cache, overlays,
		domains, filepath.Join(root, "tmp"), logger)
	require.NoError(t, err)

	return &testEnv{
		provider: provider,
		registry: registry,
		cache:    cache,
		overlays: overlays,
		domains:  domains,
	}
}

func memberToken(userID string) *auth.Authentication {
	return auth.NewAuthentication(userID, auth.AuthorityMember, 0)
}

func adminToken(userID string) *auth.Authentication {
	return auth.NewAuthentication(userID, auth.AuthorityAdmin, 0)
}

func newTypeRecord(name, categoryPath string) *TypeRecord {
	return &TypeRecord{
		Name:         name,
		CategoryPath: categoryPath,
		Members: []TypeMember{
			{Name: "Red", Value: 1},
			{Name: "Green", Value: 2},
		},
	}
}

func newTableRecord(name, categoryPath, typeRef string) *TableRecord {
	return &TableRecord{
		Name:         name,
		CategoryPath: categoryPath,
		Columns: []Column{
			{Name: "id", DataType: "int", IsKey: true},
			{Name: "color", DataType: "ref", TypeRef: typeRef},
		},
		Rows: []map[string]interface{}{
			{"id": int32(1), "color": "Red"},
		},
	}
}

func TestDatabaseLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "orders", "init")
	require.NoError(t, err)
	require.Equal(t, StateNone, db.State(ctx))

	require.NoError(t, db.Load(ctx, alice))
	require.Equal(t, StateLoaded, db.State(ctx))

	// Load is only legal from the initial state.
	err = db.Load(ctx, alice)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, StateLoaded, db.State(ctx))

	require.NoError(t, db.Unload(ctx, alice))
	require.Equal(t, StateNone, db.State(ctx))

	// Unload from the initial state is rejected too.
	err = db.Unload(ctx, alice)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, StateNone, db.State(ctx))

	// The settled database can be loaded again.
	require.NoError(t, db.Load(ctx, alice))
	require.NoError(t, db.Unload(ctx, alice))
}

func TestSessionEnterLeave(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "sess", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	require.NoError(t, db.Enter(ctx, alice))
	require.Equal(t, 1, db.SessionCount(ctx))

	err = db.Enter(ctx, alice)
	require.ErrorIs(t, err, ErrAlreadyEntered)

	require.NoError(t, db.Leave(ctx, alice))
	require.Equal(t, 0, db.SessionCount(ctx))

	err = db.Leave(ctx, alice)
	require.ErrorIs(t, err, ErrNotEntered)
}

func TestSessionExpiryRemovesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "sess", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	token := memberToken("bob")
	require.NoError(t, db.Enter(ctx, token))
	require.Equal(t, 1, db.SessionCount(ctx))

	token.Expire()
	require.Eventually(t, func() bool {
		return db.SessionCount(ctx) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// A second expiry firing is a no-op.
	token.Expire()
	require.Equal(t, 0, db.SessionCount(ctx))
	require.ErrorIs(t, db.Leave(ctx, token), ErrNotEntered)
}

func TestLockGate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")
	bob := memberToken("bob")

	db, err := env.registry.AddNewDatabase(ctx, alice, "locked", "init")
	require.NoError(t, err)
	require.NoError(t, db.AddAccessMember(ctx, alice, "bob", AccessMaster))
	require.NoError(t, db.Load(ctx, alice))

	require.NoError(t, db.Lock(ctx, alice, "c1"))
	lock := db.GetLockInfo(ctx)
	require.True(t, lock.IsLocked)
	require.Equal(t, "c1", lock.Comment)
	require.Equal(t, "alice", lock.UserID)

	require.ErrorIs(t, db.Lock(ctx, alice, "again"), ErrAlreadyLocked)
	require.ErrorIs(t, db.Lock(ctx, bob, "mine"), ErrLockedByAnother)

	// Mutations by anyone but the holder are rejected.
	dataSet := NewDataSet()
	dataSet.AddType(newTypeRecord("Color", "/"))
	require.ErrorIs(t, db.CreateItems(ctx, bob, dataSet, "add color"), ErrLockedByAnother)

	// The holder can still mutate.
	require.NoError(t, db.CreateItems(ctx, alice, dataSet, "add color"))

	require.ErrorIs(t, db.Unlock(ctx, bob), ErrLockedByAnother)
	require.NoError(t, db.Unlock(ctx, alice))
	require.False(t, db.GetLockInfo(ctx).IsLocked)
	require.ErrorIs(t, db.Unlock(ctx, alice), ErrNotLocked)

	// Admins may break anyone's lock.
	require.NoError(t, db.Lock(ctx, bob, "bobs"))
	require.NoError(t, db.Unlock(ctx, adminToken("root")))
}

func TestLoggedOutUserLosesLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "locked", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))
	require.NoError(t, db.Lock(ctx, alice, "wip"))

	env.registry.UsersLoggedOut(ctx, "alice")
	require.False(t, db.GetLockInfo(ctx).IsLocked)
}

func TestPrivateDatabaseDeniesUnlisted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")
	bob := memberToken("bob")

	db, err := env.registry.AddNewDatabase(ctx, alice, "secret", "init")
	require.NoError(t, err)
	require.NoError(t, db.SetPrivate(ctx, alice))

	require.ErrorIs(t, db.Load(ctx, bob), ErrPermissionDenied)

	// Guests cannot load or unload either; that takes master-level access.
	require.NoError(t, db.AddAccessMember(ctx, alice, "bob", AccessGuest))
	require.ErrorIs(t, db.Load(ctx, bob), ErrPermissionDenied)

	require.NoError(t, db.Load(ctx, alice))
	require.ErrorIs(t, db.Unload(ctx, bob), ErrPermissionDenied)

	// Guests cannot perform structural changes.
	dataSet := NewDataSet()
	dataSet.AddType(newTypeRecord("Color", "/"))
	require.ErrorIs(t, db.CreateItems(ctx, bob, dataSet, "add"), ErrPermissionDenied)

	require.ErrorIs(t, db.AddAccessMember(ctx, alice, "bob", AccessEditor), ErrMemberAlreadyExists)
	require.NoError(t, db.SetAccessMember(ctx, alice, "bob", AccessMaster))
	require.NoError(t, db.CreateItems(ctx, bob, dataSet, "add"))
	require.NoError(t, db.Unload(ctx, bob))
	require.NoError(t, db.Load(ctx, bob))

	require.NoError(t, db.RemoveAccessMember(ctx, alice, "bob"))
	require.ErrorIs(t, db.SetAccessMember(ctx, alice, "bob", AccessGuest), ErrMemberNotFound)
}

func TestRevertWithoutLoad(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "history", "init")
	require.NoError(t, err)
	firstRevision := db.Info(ctx).Revision

	require.NoError(t, db.Load(ctx, alice))
	dataSet := NewDataSet()
	dataSet.AddType(newTypeRecord("Color", "/"))
	require.NoError(t, db.CreateItems(ctx, alice, dataSet, "add color"))
	require.NotEqual(t, firstRevision, db.Info(ctx).Revision)
	require.NoError(t, db.Unload(ctx, alice))

	entries, err := db.GetLog(ctx, alice, 0)
	require.NoError(t, err)
	historyLen := len(entries)

	// Revert restores the old content as a new revision without building
	// any in-memory state.
	require.NoError(t, db.Revert(ctx, alice, firstRevision))
	require.Equal(t, StateNone, db.State(ctx))
	require.NotEqual(t, firstRevision, db.Info(ctx).Revision)

	entries, err = db.GetLog(ctx, alice, 0)
	require.NoError(t, err)
	assert.Len(t, entries, historyLen+1)

	require.NoError(t, db.Load(ctx, alice))
	infos, err := db.GetTypeInfos(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestRevertRequiresNotLoaded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "history", "init")
	require.NoError(t, err)
	revision := db.Info(ctx).Revision

	require.NoError(t, db.Load(ctx, alice))
	require.ErrorIs(t, db.Revert(ctx, alice, revision), ErrInvalidState)
}

func TestFilterDatabasesByFlags(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	loaded, err := env.registry.AddNewDatabase(ctx, alice, "loaded", "init")
	require.NoError(t, err)
	require.NoError(t, loaded.Load(ctx, alice))

	private, err := env.registry.AddNewDatabase(ctx, alice, "private", "init")
	require.NoError(t, err)
	require.NoError(t, private.SetPrivate(ctx, alice))

	require.Len(t, env.registry.FilterDatabases(ctx, FlagPublic), 1)
	require.Len(t, env.registry.FilterDatabases(ctx, FlagPrivate), 1)
	require.Len(t, env.registry.FilterDatabases(ctx, FlagLoaded), 1)
	require.Len(t, env.registry.FilterDatabases(ctx, FlagPublic|FlagLoaded), 1)
	require.Empty(t, env.registry.FilterDatabases(ctx, FlagPrivate|FlagLoaded))
}

func TestLoadStateRestore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "persist", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))
	env.registry.SaveLoadState(ctx)
	require.NoError(t, db.Unload(ctx, alice))

	env.registry.RestoreLoadState(ctx, alice)
	require.Equal(t, StateLoaded, db.State(ctx))
}

func TestEndToEndScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "N1", "init")
	require.NoError(t, err)
	require.Equal(t, StateNone, db.State(ctx))

	flags := db.Flags(ctx)
	require.True(t, flags.Has(FlagPublic))
	require.True(t, flags.Has(FlagNotLoaded))
	require.True(t, flags.Has(FlagNotLocked))

	require.NoError(t, db.Load(ctx, alice))
	require.Equal(t, StateLoaded, db.State(ctx))

	require.NoError(t, db.Lock(ctx, alice, "c1"))
	lock := db.GetLockInfo(ctx)
	require.True(t, lock.IsLocked)
	require.Equal(t, "c1", lock.Comment)

	require.NoError(t, db.Unlock(ctx, alice))
	require.False(t, db.GetLockInfo(ctx).IsLocked)

	// Renaming a loaded database is rejected.
	err = env.registry.RenameDatabase(ctx, alice, "N1", "N2")
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, db.Unload(ctx, alice))
	require.NoError(t, env.registry.RenameDatabase(ctx, alice, "N1", "N2"))
	require.Equal(t, "N2", db.Name(ctx))

	_, err = env.registry.GetDatabase(ctx, "N1")
	require.ErrorIs(t, err, ErrDatabaseNotFound)
	found, err := env.registry.GetDatabase(ctx, "N2")
	require.NoError(t, err)
	require.Same(t, db, found)

	require.NoError(t, env.registry.DeleteDatabase(ctx, alice, "N2"))
	_, err = env.registry.GetDatabase(ctx, "N2")
	require.ErrorIs(t, err, ErrDatabaseNotFound)

	// A second delete on the same handle reports the state, not a missing
	// repository.
	require.ErrorIs(t, db.Delete(ctx, alice), ErrInvalidState)
}

func TestRenamedNameCanBeReclaimed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	first, err := env.registry.AddNewDatabase(ctx, alice, "orders", "init")
	require.NoError(t, err)

	// Rename through the handle; the registry learns of it only through the
	// forwarded event.
	require.NoError(t, first.Rename(ctx, alice, "archive"))
	require.Eventually(t, func() bool {
		db, err := env.registry.GetDatabase(ctx, "archive")
		return err == nil && db.ID() == first.ID()
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh database may reclaim the old name, and the stale rename event
	// must not knock its mapping out.
	second, err := env.registry.AddNewDatabase(ctx, alice, "orders", "fresh start")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		reclaimed, err := env.registry.GetDatabase(ctx, "orders")
		if err != nil || reclaimed.ID() != second.ID() {
			return false
		}
		renamed, err := env.registry.GetDatabase(ctx, "archive")
		return err == nil && renamed.ID() == first.ID()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCopyDatabaseGetsFreshIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	src, err := env.registry.AddNewDatabase(ctx, alice, "src", "init")
	require.NoError(t, err)
	require.NoError(t, src.Load(ctx, alice))
	dataSet := NewDataSet()
	dataSet.AddType(newTypeRecord("Color", "/"))
	require.NoError(t, src.CreateItems(ctx, alice, dataSet, "add color"))
	require.NoError(t, src.Unload(ctx, alice))

	dst, err := env.registry.CopyDatabase(ctx, alice, "src", "dst", "fork")
	require.NoError(t, err)
	require.NotEqual(t, src.ID(), dst.ID())

	require.NoError(t, dst.Load(ctx, alice))
	infos, err := dst.GetTypeInfos(ctx, alice)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "Color", infos[0].Name)
}
