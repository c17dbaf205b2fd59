package engine

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreateItemsSurvivesReload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "catalog", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	dataSet := NewDataSet()
	dataSet.AddType(newTypeRecord("Color", "/"))
	dataSet.AddTable(newTableRecord("Paint", "/stock/", "/Color"))
	require.NoError(t, db.CreateItems(ctx, alice, dataSet, "seed"))

	require.NoError(t, db.Unload(ctx, alice))
	require.NoError(t, db.Load(ctx, alice))

	typeInfos, err := db.GetTypeInfos(ctx, alice)
	require.NoError(t, err)
	require.Len(t, typeInfos, 1)
	assert.Equal(t, "/Color", typeInfos[0].Path())

	tableInfos, err := db.GetTableInfos(ctx, alice)
	require.NoError(t, err)
	require.Len(t, tableInfos, 1)
	assert.Equal(t, "/stock/Paint", tableInfos[0].Path())
	assert.Equal(t, []string{"/Color"}, tableInfos[0].TypeRefs)
	assert.Equal(t, 1, tableInfos[0].RowCount)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "catalog", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	dataSet := NewDataSet()
	dataSet.AddType(newTypeRecord("Color", "/"))
	require.NoError(t, db.CreateItems(ctx, alice, dataSet, "seed"))

	// The name index spans every category.
	dup := NewDataSet()
	dup.AddType(newTypeRecord("Color", "/other/"))
	require.ErrorIs(t, db.CreateItems(ctx, alice, dup, "dup"), ErrItemAlreadyExists)
}

func TestRenameCollisionLeavesRepositoryUnmodified(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "catalog", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	dataSet := NewDataSet()
	dataSet.AddType(newTypeRecord("Color", "/"))
	dataSet.AddType(newTypeRecord("Size", "/"))
	require.NoError(t, db.CreateItems(ctx, alice, dataSet, "seed"))
	revision := db.Info(ctx).Revision

	err = db.RenameItem(ctx, alice, KindType, "/Color", "Size", "rename")
	require.ErrorIs(t, err, ErrItemAlreadyExists)

	// No partial move: same revision, clean working copy, both types still
	// at their original paths.
	require.Equal(t, revision, db.Info(ctx).Revision)
	status, err := db.host.Repository().Status()
	require.NoError(t, err)
	require.Empty(t, status)

	infos, err := db.GetTypeInfos(ctx, alice)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "/Color", infos[0].Path())
	assert.Equal(t, "/Size", infos[1].Path())
}

func TestCreateTableHashGuard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "catalog", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	seed := NewDataSet()
	seed.AddType(newTypeRecord("Color", "/"))
	require.NoError(t, db.CreateItems(ctx, alice, seed, "seed"))
	revision := db.Info(ctx).Revision

	// Build the candidate set, then tamper with the referenced type's
	// backing file before the mutation runs.
	dataSet := NewDataSet()
	dataSet.AddTable(newTableRecord("Paint", "/", "/Color"))
	set, err := NewDatabaseSet(alice, db.host, db.serializer, db.types, db.tables, dataSet,
		AllowTableCreation, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer set.Dispose()

	typeFile := TypeRepositoryPath("/", "Color").Abs(db.host.Workdir())
	require.NoError(t, os.WriteFile(typeFile, []byte("tampered"), 0644))

	err = set.CreateTable("/Paint")
	require.Error(t, err)
	require.True(t, IsConflict(err))

	// No new commit was made.
	currentRevision, err := env.provider.GetRevision("catalog")
	require.NoError(t, err)
	require.Equal(t, revision, currentRevision)
}

func TestMoveCategory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "catalog", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	dataSet := NewDataSet()
	dataSet.AddType(newTypeRecord("Color", "/paint/"))
	dataSet.AddType(newTypeRecord("Finish", "/paint/gloss/"))
	require.NoError(t, db.CreateItems(ctx, alice, dataSet, "seed"))

	require.NoError(t, db.MoveCategory(ctx, alice, KindType, "/paint/", "/coating/", "reorganize"))

	infos, err := db.GetTypeInfos(ctx, alice)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "/coating/Color", infos[0].Path())
	assert.Equal(t, "/coating/gloss/Finish", infos[1].Path())

	// The move is durable.
	require.NoError(t, db.Unload(ctx, alice))
	require.NoError(t, db.Load(ctx, alice))
	infos, err = db.GetTypeInfos(ctx, alice)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "/coating/Color", infos[0].Path())
}

func TestDeleteItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "catalog", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	dataSet := NewDataSet()
	dataSet.AddType(newTypeRecord("Color", "/"))
	require.NoError(t, db.CreateItems(ctx, alice, dataSet, "seed"))

	doomed := NewDataSet()
	doomed.AddType(newTypeRecord("Color", "/"))
	require.NoError(t, db.DeleteItems(ctx, alice, doomed, "cleanup"))

	infos, err := db.GetTypeInfos(ctx, alice)
	require.NoError(t, err)
	require.Empty(t, infos)

	// Deleting again reports a missing type.
	again := NewDataSet()
	again.AddType(newTypeRecord("Color", "/"))
	require.ErrorIs(t, db.DeleteItems(ctx, alice, again, "cleanup"), ErrTypeNotFound)
}

func TestImportReplacesTableContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "catalog", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))

	seed := NewDataSet()
	seed.AddType(newTypeRecord("Color", "/"))
	seed.AddTable(newTableRecord("Paint", "/", "/Color"))
	require.NoError(t, db.CreateItems(ctx, alice, seed, "seed"))

	update := NewDataSet()
	updated := newTableRecord("Paint", "/", "/Color")
	updated.Rows = []map[string]interface{}{
		{"id": int32(1), "color": "Green"},
		{"id": int32(2), "color": "Red"},
	}
	update.AddTable(updated)
	require.NoError(t, db.Import(ctx, alice, update, "bulk import"))

	infos, err := db.GetTableInfos(ctx, alice)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 2, infos[0].RowCount)

	// No stray path locks remain.
	_, _, locked := db.host.Repository().FindLock(TableRepositoryPath("/", "Paint").Path)
	require.False(t, locked)
}

func TestImportUnknownTableFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := memberToken("alice")

	db, err := env.registry.AddNewDatabase(ctx, alice, "catalog", "init")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx, alice))
	revision := db.Info(ctx).Revision

	update := NewDataSet()
	update.AddTable(newTableRecord("Ghost", "/", ""))
	require.ErrorIs(t, db.Import(ctx, alice, update, "bulk import"), ErrTableNotFound)
	require.Equal(t, revision, db.Info(ctx).Revision)
}
