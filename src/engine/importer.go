package engine

import (
	"context"
	"fmt"

	"vcdb/src/auth"
	"vcdb/src/helpers"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Importer replaces the content of existing tables in bulk: one system lock
// over everything affected, one candidate set, one commit. Any failure after
// the repository mutation starts reverts the working copy and releases the
// lock before the error is returned.
type Importer struct {
	logger *zap.SugaredLogger
}

func NewImporter(logger *zap.SugaredLogger) *Importer {
	return &Importer{logger: logger}
}

// Import replaces the content of every table in the dataset on the given
// loaded database. All affected tables and their referenced types are
// system-locked under a fresh import uuid for the duration.
func (imp *Importer) Import(ctx context.Context, authentication *auth.Authentication, d *Database, dataSet *DataSet, comment string) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireAccess(authentication, AccessEditor); err != nil {
			return err
		}
		if err := d.requireLoaded(); err != nil {
			return err
		}
		if err := d.checkExclusive(authentication); err != nil {
			return err
		}
		if err := d.checkLockGate(authentication); err != nil {
			return err
		}
		if len(dataSet.Types) > 0 {
			return fmt.Errorf("import only replaces table content, %d type(s) in dataset: %w",
				len(dataSet.Types), ErrInvalidState)
		}

		// Resolve affected paths: every imported table plus the types its
		// columns reference.
		lockPaths := make(map[string]bool)
		var itemPaths []string
		for _, record := range dataSet.Tables {
			if !d.tables.Contains(record.Path()) {
				return fmt.Errorf("table %s: %w", record.Path(), ErrTableNotFound)
			}
			itemPaths = append(itemPaths, record.Path())
			lockPaths[TableRepositoryPath(record.CategoryPath, record.Name).Path] = true
			for _, ref := range record.TypeRefs() {
				refItem, ok := d.types.Get(ref)
				if !ok || refItem.Kind != KindType {
					return fmt.Errorf("type %s referenced by table %s: %w", ref, record.Path(), ErrTypeNotFound)
				}
				lockPaths[TypeRepositoryPath(refItem.Type.CategoryPath, refItem.Type.Name).Path] = true
			}
		}

		importID := helpers.GenerateUUID()
		paths := make([]string, 0, len(lockPaths))
		for path := range lockPaths {
			paths = append(paths, path)
		}
		if err := d.host.Repository().Lock(importID, importID, paths...); err != nil {
			return err
		}

		imp.logger.Infof("Importing %d table(s) into database %s under import %s",
			len(dataSet.Tables), d.info.Name, importID)

		set, err := NewDatabaseSet(authentication, d.host, d.serializer, d.types, d.tables, dataSet, OmitUnlock, d.logger)
		if err != nil {
			return multierr.Append(err, d.host.Repository().UnlockMatching(importID, importID, paths...))
		}

		fail := func(cause error) error {
			errs := cause
			if err := d.repoDispatcher.Invoke(ctx, func(ctx context.Context) error {
				return d.host.Repository().Revert()
			}); err != nil {
				errs = multierr.Append(errs, err)
			}
			if err := d.host.Repository().UnlockMatching(importID, importID, paths...); err != nil {
				errs = multierr.Append(errs, err)
			}
			return errs
		}

		if err := d.repoDispatcher.Invoke(ctx, func(ctx context.Context) error {
			for _, record := range dataSet.Tables {
				if err := set.ModifyTable(record.Path()); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fail(err)
		}

		if err := d.repoDispatcher.Invoke(ctx, func(ctx context.Context) error {
			_, err := d.host.Commit(authentication, comment)
			return err
		}); err != nil {
			return fail(err)
		}

		for _, record := range dataSet.Tables {
			d.tables.Set(Item{Kind: KindTable, Table: record.Clone()})
		}
		d.refreshInfo()
		d.info.ModifiedBy = authentication.UserID
		d.writeCache()

		if err := d.host.Repository().UnlockMatching(importID, importID, paths...); err != nil {
			d.logger.Errorf("Failed to release import lock %s on database %s: %v", importID, d.info.Name, err)
		}

		d.publish(ctx, EventItemsModified, authentication.UserID, itemPaths...)
		d.publish(ctx, EventInfoChanged, authentication.UserID)
		d.taskCompleted(ctx, authentication.UserID)
		return nil
	})
}

// Import is the database-side convenience wrapper.
func (d *Database) Import(ctx context.Context, authentication *auth.Authentication, dataSet *DataSet, comment string) error {
	return NewImporter(d.logger).Import(ctx, authentication, d, dataSet, comment)
}
