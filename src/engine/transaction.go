package engine

import (
	"context"
	"fmt"

	"vcdb/src/auth"
	"vcdb/src/helpers"

	"go.uber.org/multierr"
)

// Transaction is an exclusive edit session over one loaded database. While it
// is open the database is in the progressing state, every item path is
// path-locked under the transaction's uuid, and other callers are rejected.
// Commit keeps everything written since Begin; Rollback restores the exact
// pre-transaction snapshot, both in the repository and in memory.
type Transaction struct {
	id             string
	db             *Database
	authentication *auth.Authentication

	snapshotTypes  []*TypeRecord
	snapshotTables []*TableRecord
	priorDomains   map[string]bool
	lockedPaths    []string

	cancelWatch chan struct{}
	done        bool
}

// ID returns the transaction uuid, which doubles as its reserved path-lock
// comment.
func (t *Transaction) ID() string {
	return t.id
}

// BeginTransaction opens an exclusive transaction. The database moves to the
// progressing state; an expiring authentication rolls the transaction back
// automatically.
func (d *Database) BeginTransaction(ctx context.Context, authentication *auth.Authentication) (*Transaction, error) {
	var txn *Transaction
	err := d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireAccess(authentication, AccessEditor); err != nil {
			return err
		}
		if err := d.requireState(StateLoaded); err != nil {
			return err
		}
		if d.txn != nil {
			return fmt.Errorf("database %s: %w", d.info.Name, ErrTransactionInProgress)
		}
		if err := d.checkLockGate(authentication); err != nil {
			return err
		}

		t := &Transaction{
			id:             helpers.GenerateUUID(),
			db:             d,
			authentication: authentication,
			priorDomains:   make(map[string]bool),
			cancelWatch:    make(chan struct{}),
		}

		// Path-lock every current item so no other candidate set can touch
		// the repository while the transaction is open. The uuid serves as
		// the reserved lock comment.
		paths := make([]string, 0, len(d.types.Paths())+len(d.tables.Paths()))
		for _, record := range d.types.TypeRecords() {
			paths = append(paths, TypeRepositoryPath(record.CategoryPath, record.Name).Path)
		}
		for _, record := range d.tables.TableRecords() {
			paths = append(paths, TableRepositoryPath(record.CategoryPath, record.Name).Path)
		}
		if len(paths) > 0 {
			if err := d.host.Repository().Lock(t.id, t.id, paths...); err != nil {
				return err
			}
		}
		t.lockedPaths = paths

		if err := d.repoDispatcher.Invoke(ctx, func(ctx context.Context) error {
			return d.host.Repository().BeginTransaction()
		}); err != nil {
			d.releaseTransactionLocks(t)
			return err
		}

		for _, record := range d.types.TypeRecords() {
			t.snapshotTypes = append(t.snapshotTypes, record.Clone())
		}
		for _, record := range d.tables.TableRecords() {
			t.snapshotTables = append(t.snapshotTables, record.Clone())
		}
		for _, domainID := range d.domains.GetDomains(d.info.ID) {
			t.priorDomains[domainID] = true
		}

		d.txn = t
		d.setState(ctx, StateProgressing)
		go t.watchExpiry()

		txn = t
		return nil
	})
	return txn, err
}

func (d *Database) releaseTransactionLocks(t *Transaction) {
	if len(t.lockedPaths) == 0 {
		return
	}
	if err := d.host.Repository().UnlockMatching(t.id, t.id, t.lockedPaths...); err != nil {
		d.logger.Errorf("Failed to release transaction locks on database %s: %v", d.info.Name, err)
	}
}

func (t *Transaction) watchExpiry() {
	select {
	case <-t.authentication.Expired():
		err := t.db.dispatcher.InvokeAsync(func(ctx context.Context) {
			if t.done {
				return
			}
			t.db.logger.Warnf("Authentication %s expired with an open transaction on database %s, rolling back",
				t.authentication.ID, t.db.info.Name)
			if err := t.rollback(ctx); err != nil {
				t.db.logger.Errorf("Automatic rollback on database %s failed: %v", t.db.info.Name, err)
			}
		})
		if err != nil {
			t.db.logger.Debugf("Dropping expiry rollback for database %s: %v", t.db.info.Name, err)
		}
	case <-t.cancelWatch:
	}
}

// Commit ends the transaction keeping every commit made since Begin.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.db.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if t.done || t.db.txn != t {
			return fmt.Errorf("database %s: %w", t.db.info.Name, ErrNoTransaction)
		}

		if err := t.db.repoDispatcher.Invoke(ctx, func(ctx context.Context) error {
			return t.db.host.Repository().EndTransaction()
		}); err != nil {
			return err
		}

		t.finish(ctx)
		t.db.taskCompleted(ctx, t.authentication.UserID)
		return nil
	})
}

// Rollback ends the transaction discarding everything since Begin: the
// repository head moves back to the snapshot, the in-memory trees are
// rebuilt from the snapshot clones, and domains created during the
// transaction are deleted.
func (t *Transaction) Rollback(ctx context.Context) error {
	return t.db.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		return t.rollback(ctx)
	})
}

func (t *Transaction) rollback(ctx context.Context) error {
	d := t.db
	if t.done || d.txn != t {
		return fmt.Errorf("database %s: %w", d.info.Name, ErrNoTransaction)
	}

	d.publish(ctx, EventDatabaseResetting, t.authentication.UserID)

	var errs error
	if err := d.repoDispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.host.Repository().CancelTransaction(); err != nil {
			return err
		}
		return d.host.Refresh()
	}); err != nil {
		errs = multierr.Append(errs, err)
	}

	d.types = NewTypeTree(t.snapshotTypes)
	d.tables = NewTableTree(t.snapshotTables)
	d.refreshInfo()
	d.writeCache()

	var created []string
	for _, domainID := range d.domains.GetDomains(d.info.ID) {
		if !t.priorDomains[domainID] {
			created = append(created, domainID)
		}
	}
	if len(created) > 0 {
		if err := d.domains.DeleteDomains(d.info.ID, created...); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	t.finish(ctx)
	d.publish(ctx, EventDatabaseReset, t.authentication.UserID)
	d.taskCompleted(ctx, t.authentication.UserID)
	return errs
}

// finish releases locks, stops the expiry watcher and returns the database
// to the loaded state. Runs on the database dispatcher.
func (t *Transaction) finish(ctx context.Context) {
	t.done = true
	close(t.cancelWatch)
	t.db.releaseTransactionLocks(t)
	t.db.txn = nil
	t.db.setState(ctx, StateLoaded)
}
