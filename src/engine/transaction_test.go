package engine

import (
	"context"
	"testing"
	"time"

	"vcdb/src/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typePaths(t *testing.T, db *Database, token *auth.Authentication) []string {
	t.Helper()
	infos, err := db.GetTypeInfos(context.Background(), token)
	require.NoError(t, err)
	var paths []string
	for _, info := range infos {
		paths = append(paths, info.Path())
	}
	return paths
}

func TestTransactionCommitKeepsChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "txn", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	txn, err := db.BeginTransaction(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, StateProgressing, db.State(ctx))

	dataSet := NewDataSet()
	dataSet.AddType(newTypeRecord("Color", "/"))
	require.NoError(t, db.CreateItems(ctx, alice, dataSet, "add color"))

	require.NoError(t, txn.Commit(ctx))
	require.Equal(t, StateLoaded, db.State(ctx))

	require.NoError(t, db.Unload(ctx, alice))
	require.NoError(t, db.Load(ctx, alice))
	assert.Equal(t, []string{"/Color"}, typePaths(t, db, alice))
}

func TestTransactionRollbackRestoresSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "txn", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	seed := NewDataSet()
	seed.AddType(newTypeRecord("Color", "/"))
	seed.AddTable(newTableRecord("Paint", "/", "/Color"))
	require.NoError(t, db.CreateItems(ctx, alice, seed, "seed"))
	revision := db.Info(ctx).Revision

	txn, err := db.BeginTransaction(ctx, alice)
	require.NoError(t, err)

	added := NewDataSet()
	added.AddType(newTypeRecord("Size", "/"))
	require.NoError(t, db.CreateItems(ctx, alice, added, "add size"))

	doomed := NewDataSet()
	doomed.AddTable(newTableRecord("Paint", "/", "/Color"))
	require.NoError(t, db.DeleteItems(ctx, alice, doomed, "drop paint"))

	require.NoError(t, txn.Rollback(ctx))
	require.Equal(t, StateLoaded, db.State(ctx))

	// Element-wise equal to the pre-transaction snapshot.
	assert.Equal(t, []string{"/Color"}, typePaths(t, db, alice))
	tableInfos, err := db.GetTableInfos(ctx, alice)
	require.NoError(t, err)
	require.Len(t, tableInfos, 1)
	assert.Equal(t, "/Paint", tableInfos[0].Path())
	assert.Equal(t, revision, db.Info(ctx).Revision)

	// The repository matches after a full reload too.
	require.NoError(t, db.Unload(ctx, alice))
	require.NoError(t, db.Load(ctx, alice))
	assert.Equal(t, []string{"/Color"}, typePaths(t, db, alice))
}

func TestTransactionIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")
	bob := memberToken("bob")

	db, err := env.registry.AddNewDatabase(ctx, alice, "txn", "init")
	require.NoError(t, err)
	require.NoError(t, db.AddAccessMember(ctx, alice, "bob", AccessMaster))
	require.NoError(t, db.Load(ctx, alice))

	txn, err := db.BeginTransaction(ctx, alice)
	require.NoError(t, err)

	_, err = db.BeginTransaction(ctx, alice)
	require.ErrorIs(t, err, ErrTransactionInProgress)

	dataSet := NewDataSet()
	dataSet.AddType(newTypeRecord("Color", "/"))
	require.ErrorIs(t, db.CreateItems(ctx, bob, dataSet, "add"), ErrTransactionInProgress)

	require.NoError(t, txn.Commit(ctx))
	require.ErrorIs(t, txn.Commit(ctx), ErrNoTransaction)
	require.ErrorIs(t, txn.Rollback(ctx), ErrNoTransaction)

	require.NoError(t, db.CreateItems(ctx, bob, dataSet, "add"))
}

func TestTransactionBlocksUnload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "txn", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	txn, err := db.BeginTransaction(ctx, alice)
	require.NoError(t, err)

	// Progressing is loaded-equivalent but not unloadable.
	require.ErrorIs(t, db.Unload(ctx, alice), ErrInvalidState)

	require.NoError(t, txn.Rollback(ctx))
	require.NoError(t, db.Unload(ctx, alice))
}

func TestExpiredAuthenticationRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "txn", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	editor := memberToken("alice")
	txn, err := db.BeginTransaction(ctx, editor)
	require.NoError(t, err)

	dataSet := NewDataSet()
	dataSet.AddType(newTypeRecord("Color", "/"))
	require.NoError(t, db.CreateItems(ctx, editor, dataSet, "add color"))

	editor.Expire()

	require.Eventually(t, func() bool {
		return db.State(ctx) == StateLoaded
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, typePaths(t, db, alice))
	require.ErrorIs(t, txn.Commit(ctx), ErrNoTransaction)
}

func TestRollbackDeletesTransactionDomains(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "txn", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	env.domains.AddDomain(db.ID(), "pre-existing")

	txn, err := db.BeginTransaction(ctx, alice)
	require.NoError(t, err)

	env.domains.AddDomain(db.ID(), "created-in-txn")
	require.NoError(t, txn.Rollback(ctx))

	assert.Equal(t, []string{"pre-existing"}, env.domains.GetDomains(db.ID()))
}
