package engine

import (
	"context"
	"fmt"
	"time"

	"vcdb/src/auth"
	"vcdb/src/dispatch"
	"vcdb/src/helpers"
	"vcdb/src/repository"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// session is one entered authentication plus its expiry watcher handle.
type session struct {
	authentication *auth.Authentication
	cancel         chan struct{}
}

// Database is the lifecycle hub for one version-controlled database. It owns
// two serial dispatchers: one for its registry-visible state (info, state,
// sessions, loaded item trees, overlays) and one for the backing repository.
// Every operation runs as a pipeline: validate on the database dispatcher,
// mutate the repository on the repository dispatcher with revert-on-error,
// then apply the in-memory result and fire events back on the database
// dispatcher.
type Database struct {
	dispatcher     *dispatch.Dispatcher
	repoDispatcher *dispatch.Dispatcher

	provider   repository.Provider
	serializer Serializer
	cache      *DatasetCache
	overlays   *OverlayStore
	domains    DomainContext
	tempDir    string
	logger     *zap.SugaredLogger

	events *EventRegistry

	// Owned by dispatcher.
	info     DatabaseInfo
	state    DatabaseState
	access   AccessInfo
	lock     LockInfo
	host     *RepositoryHost
	types    *ItemTree
	tables   *ItemTree
	sessions map[string]*session
	txn      *Transaction
	deleted  bool
}

func NewDatabase(provider repository.Provider, name string, serializer Serializer,
	cache *DatasetCache, overlays *OverlayStore, domains DomainContext,
	tempDir string, logger *zap.SugaredLogger) (*Database, error) {

	repoInfo, err := provider.GetRepositoryInfo(name)
	if err != nil {
		return nil, err
	}

	d := &Database{
		dispatcher:     dispatch.NewDispatcher("db:" + name),
		repoDispatcher: dispatch.NewDispatcher("repo:" + name),
		provider:       provider,
		serializer:     serializer,
		cache:          cache,
		overlays:       overlays,
		domains:        domains,
		tempDir:        tempDir,
		logger:         logger,
		info: DatabaseInfo{
			ID:         repoInfo.ID,
			Name:       repoInfo.Name,
			Revision:   repoInfo.Revision,
			Comment:    repoInfo.Comment,
			CreatedAt:  repoInfo.CreatedAt,
			ModifiedAt: repoInfo.ModifiedAt,
			TypePath:   TypeDirectory,
			TablePath:  TableDirectory,
		},
		state:    StateNone,
		sessions: make(map[string]*session),
	}
	d.events = NewEventRegistry(d.dispatcher)

	record, found, err := d.overlays.Read(d.info.ID)
	if err != nil {
		return nil, err
	}
	if found {
		d.access = record.Access
		d.lock = record.Lock
	} else {
		d.access = NewPublicAccessInfo("")
	}

	return d, nil
}

// Close stops both dispatchers. The database must be unloaded first.
func (d *Database) Close() {
	d.dispatcher.Close()
	d.repoDispatcher.Close()
}

// ID returns the stable database ID.
func (d *Database) ID() string {
	return d.info.ID
}

// Name returns the current database name.
func (d *Database) Name(ctx context.Context) string {
	name, _ := dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) (string, error) {
		return d.info.Name, nil
	})
	return name
}

// State returns the current lifecycle state.
func (d *Database) State(ctx context.Context) DatabaseState {
	state, _ := dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) (DatabaseState, error) {
		return d.state, nil
	})
	return state
}

// Info returns a snapshot of the database info.
func (d *Database) Info(ctx context.Context) DatabaseInfo {
	info, _ := dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) (DatabaseInfo, error) {
		return d.info, nil
	})
	return info
}

// Flags summarizes visibility, load and lock status for registry filtering.
func (d *Database) Flags(ctx context.Context) DatabaseFlags {
	flags, _ := dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) (DatabaseFlags, error) {
		var f DatabaseFlags
		if d.access.IsPublic {
			f |= FlagPublic
		} else {
			f |= FlagPrivate
		}
		if d.state.IsLoaded() {
			f |= FlagLoaded
		} else {
			f |= FlagNotLoaded
		}
		if d.lock.IsLocked {
			f |= FlagLocked
		} else {
			f |= FlagNotLocked
		}
		return f, nil
	})
	return flags
}

// GetLockInfo returns the exclusive-lock overlay.
func (d *Database) GetLockInfo(ctx context.Context) LockInfo {
	lock, _ := dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) (LockInfo, error) {
		return d.lock, nil
	})
	return lock
}

// GetAccessInfo returns the visibility overlay.
func (d *Database) GetAccessInfo(ctx context.Context) AccessInfo {
	access, _ := dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) (AccessInfo, error) {
		return d.access, nil
	})
	return access
}

// Subscribe registers an event handler on the database's registry.
func (d *Database) Subscribe(ctx context.Context, handler EventHandler) (int, error) {
	return dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) (int, error) {
		return d.events.Subscribe(ctx, handler)
	})
}

// Unsubscribe removes an event handler by token.
func (d *Database) Unsubscribe(ctx context.Context, token int) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		return d.events.Unsubscribe(ctx, token)
	})
}

// --- internal helpers, all run on the database dispatcher ---

func (d *Database) publish(ctx context.Context, kind EventKind, userID string, paths ...string) {
	err := d.events.publish(ctx, Event{
		Kind:         kind,
		DatabaseID:   d.info.ID,
		DatabaseName: d.info.Name,
		Paths:        paths,
		UserID:       userID,
	})
	if err != nil {
		d.logger.Errorf("Failed to publish %s event on database %s: %v", kind, d.info.Name, err)
	}
}

func (d *Database) taskCompleted(ctx context.Context, userID string) {
	err := d.events.publish(ctx, Event{
		Kind:         EventTaskCompleted,
		DatabaseID:   d.info.ID,
		DatabaseName: d.info.Name,
		UserID:       userID,
		TaskID:       helpers.GenerateUUID(),
	})
	if err != nil {
		d.logger.Errorf("Failed to publish task-completed event on database %s: %v", d.info.Name, err)
	}
}

func (d *Database) setState(ctx context.Context, state DatabaseState) {
	if d.state == state {
		return
	}
	d.state = state
	d.publish(ctx, EventStateChanged, "")
}

func (d *Database) requireState(states ...DatabaseState) error {
	if d.deleted {
		return fmt.Errorf("database %s is deleted: %w", d.info.Name, ErrInvalidState)
	}
	for _, s := range states {
		if d.state == s {
			return nil
		}
	}
	return fmt.Errorf("database %s is %s: %w", d.info.Name, d.state, ErrInvalidState)
}

func (d *Database) requireLoaded() error {
	if !d.state.IsLoaded() {
		return fmt.Errorf("database %s is %s: %w", d.info.Name, d.state, ErrInvalidState)
	}
	return nil
}

func (d *Database) requireAccess(authentication *auth.Authentication, min AccessType) error {
	if err := authentication.Validate(); err != nil {
		return err
	}
	if effective := d.access.Effective(authentication); effective < min {
		return fmt.Errorf("user %s has %s access to database %s, %s required: %w",
			authentication.UserID, effective, d.info.Name, min, ErrPermissionDenied)
	}
	return nil
}

// checkLockGate rejects mutations unless the database is unlocked or locked
// by the caller.
func (d *Database) checkLockGate(authentication *auth.Authentication) error {
	if d.lock.IsLocked && d.lock.UserID != authentication.UserID {
		return fmt.Errorf("database %s is locked by %s: %w", d.info.Name, d.lock.UserID, ErrLockedByAnother)
	}
	return nil
}

// checkExclusive rejects callers that are not the owner of an open
// transaction.
func (d *Database) checkExclusive(authentication *auth.Authentication) error {
	if d.txn != nil && d.txn.authentication.ID != authentication.ID {
		return fmt.Errorf("database %s: %w", d.info.Name, ErrTransactionInProgress)
	}
	return nil
}

func (d *Database) persistOverlay() error {
	return d.overlays.Write(d.info.ID, overlayRecord{Access: d.access, Lock: d.lock})
}

func (d *Database) refreshInfo() {
	info := d.host.Info()
	d.info.Revision = info.Revision
	d.info.ModifiedAt = info.ModifiedAt
	d.info.Comment = info.Comment
}

func (d *Database) writeCache() {
	d.cache.Write(d.info.ID, &CachedState{
		Revision: d.info.Revision,
		Types:    d.types.TypeRecords(),
		Tables:   d.tables.TableRecords(),
	})
}

// --- lifecycle ---

// Load opens the backing repository and builds the in-memory item trees,
// taking the cache fast path when the cached revision matches the head.
func (d *Database) Load(ctx context.Context, authentication *auth.Authentication) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireAccess(authentication, AccessMaster); err != nil {
			return err
		}
		if err := d.requireState(StateNone); err != nil {
			return err
		}

		// Re-read the overlay so an external corruption shows up here, not
		// as a silent fallback to public access.
		record, found, err := d.overlays.Read(d.info.ID)
		if err != nil {
			return err
		}
		if found {
			d.access = record.Access
			d.lock = record.Lock
		}

		d.setState(ctx, StateLoading)

		var host *RepositoryHost
		var typeRecords []*TypeRecord
		var tableRecords []*TableRecord

		err = d.repoDispatcher.Invoke(ctx, func(ctx context.Context) error {
			repo, err := d.provider.Open(d.info.Name)
			if err != nil {
				return err
			}
			host, err = NewRepositoryHost(repo, d.serializer, d.tempDir, d.logger)
			if err != nil {
				repo.Close()
				return err
			}

			if cached, ok := d.cache.Read(d.info.ID, host.Revision()); ok {
				d.logger.Debugf("Loaded database %s from cache at revision %s", d.info.Name, cached.Revision)
				typeRecords = cached.Types
				tableRecords = cached.Tables
				return nil
			}

			dataSet, err := host.ReadDataSet()
			if err != nil {
				repo.Close()
				return err
			}
			typeRecords = dataSet.Types
			tableRecords = dataSet.Tables
			d.cache.Write(d.info.ID, &CachedState{
				Revision: host.Revision(),
				Types:    typeRecords,
				Tables:   tableRecords,
			})
			return nil
		})
		if err != nil {
			d.setState(ctx, StateNone)
			return fmt.Errorf("failed to load database %s: %w", d.info.Name, err)
		}

		d.host = host
		d.types = NewTypeTree(typeRecords)
		d.tables = NewTableTree(tableRecords)
		d.refreshInfo()

		if err := d.domains.AttachUsers(d.info.ID); err != nil {
			d.logger.Warnf("Failed to attach domain users for database %s: %v", d.info.Name, err)
		}

		d.setState(ctx, StateLoaded)
		d.publish(ctx, EventDatabaseLoaded, authentication.UserID)
		d.taskCompleted(ctx, authentication.UserID)
		return nil
	})
}

// Unload tears the in-memory state down and closes the repository handle.
// The cache snapshot is written first so the next load is cheap. Every
// cleanup step runs even if an earlier one fails.
func (d *Database) Unload(ctx context.Context, authentication *auth.Authentication) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireAccess(authentication, AccessMaster); err != nil {
			return err
		}
		if err := d.requireState(StateLoaded); err != nil {
			return err
		}

		d.setState(ctx, StateUnloading)

		var errs error

		if err := d.domains.DetachUsers(d.info.ID); err != nil {
			errs = multierr.Append(errs, err)
		}

		d.writeCache()

		for _, entry := range d.sessions {
			close(entry.cancel)
		}
		d.sessions = make(map[string]*session)

		host := d.host
		if err := d.repoDispatcher.Invoke(ctx, func(ctx context.Context) error {
			return host.Repository().Close()
		}); err != nil {
			errs = multierr.Append(errs, err)
		}

		d.host = nil
		d.types = nil
		d.tables = nil

		d.setState(ctx, StateUnloaded)
		d.publish(ctx, EventDatabaseUnloaded, authentication.UserID)
		d.taskCompleted(ctx, authentication.UserID)

		// Unloaded is only event-visible; the database settles back to the
		// initial state so it can be loaded again.
		d.state = StateNone

		return errs
	})
}

// --- sessions ---

// Enter registers an authentication with the loaded database and starts an
// expiry watcher that performs the equivalent of Leave when the token
// expires.
func (d *Database) Enter(ctx context.Context, authentication *auth.Authentication) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireAccess(authentication, AccessGuest); err != nil {
			return err
		}
		if err := d.requireLoaded(); err != nil {
			return err
		}
		if _, ok := d.sessions[authentication.ID]; ok {
			return fmt.Errorf("authentication %s: %w", authentication.ID, ErrAlreadyEntered)
		}

		entry := &session{
			authentication: authentication,
			cancel:         make(chan struct{}),
		}
		d.sessions[authentication.ID] = entry
		go d.watchExpiry(entry)

		d.publish(ctx, EventAuthenticationEntered, authentication.UserID)
		return nil
	})
}

// Leave removes an entered authentication.
func (d *Database) Leave(ctx context.Context, authentication *auth.Authentication) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		return d.leave(ctx, authentication, false)
	})
}

// leave runs on the dispatcher. Expiry-driven removal is idempotent with an
// explicit Leave racing it: whichever runs second finds no session entry.
func (d *Database) leave(ctx context.Context, authentication *auth.Authentication, fromExpiry bool) error {
	entry, ok := d.sessions[authentication.ID]
	if !ok {
		if fromExpiry {
			return nil
		}
		return fmt.Errorf("authentication %s: %w", authentication.ID, ErrNotEntered)
	}

	delete(d.sessions, authentication.ID)
	if !fromExpiry {
		close(entry.cancel)
	}

	d.publish(ctx, EventAuthenticationLeft, authentication.UserID)
	return nil
}

func (d *Database) watchExpiry(entry *session) {
	select {
	case <-entry.authentication.Expired():
		err := d.dispatcher.InvokeAsync(func(ctx context.Context) {
			if err := d.leave(ctx, entry.authentication, true); err != nil {
				d.logger.Errorf("Failed to remove expired authentication %s from database %s: %v",
					entry.authentication.ID, d.info.Name, err)
			}
		})
		if err != nil {
			d.logger.Debugf("Dropping expiry removal for database %s: %v", d.info.Name, err)
		}
	case <-entry.cancel:
	}
}

// SessionCount returns the number of entered authentications.
func (d *Database) SessionCount(ctx context.Context) int {
	count, _ := dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) (int, error) {
		return len(d.sessions), nil
	})
	return count
}

// --- lock overlay ---

// Lock takes the exclusive database lock for the caller.
func (d *Database) Lock(ctx context.Context, authentication *auth.Authentication, comment string) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireAccess(authentication, AccessEditor); err != nil {
			return err
		}
		if d.lock.IsLocked {
			if d.lock.UserID == authentication.UserID {
				return fmt.Errorf("database %s: %w", d.info.Name, ErrAlreadyLocked)
			}
			return fmt.Errorf("database %s is locked by %s: %w", d.info.Name, d.lock.UserID, ErrLockedByAnother)
		}

		d.lock = LockInfo{
			IsLocked: true,
			UserID:   authentication.UserID,
			Comment:  comment,
			LockedAt: time.Now(),
		}
		if err := d.persistOverlay(); err != nil {
			d.lock = LockInfo{}
			return err
		}

		d.publish(ctx, EventLockChanged, authentication.UserID)
		return nil
	})
}

// Unlock releases the exclusive database lock. Admins may release any lock.
func (d *Database) Unlock(ctx context.Context, authentication *auth.Authentication) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := authentication.Validate(); err != nil {
			return err
		}
		if !d.lock.IsLocked {
			return fmt.Errorf("database %s: %w", d.info.Name, ErrNotLocked)
		}
		if d.lock.UserID != authentication.UserID && !authentication.IsAdmin() {
			return fmt.Errorf("database %s is locked by %s: %w", d.info.Name, d.lock.UserID, ErrLockedByAnother)
		}

		d.lock = LockInfo{}
		if err := d.persistOverlay(); err != nil {
			return err
		}

		d.publish(ctx, EventLockChanged, authentication.UserID)
		return nil
	})
}

// UnlockForUser clears the lock if the given user holds it. Used by the
// registry when a user logs out.
func (d *Database) UnlockForUser(ctx context.Context, userID string) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if !d.lock.IsLocked || d.lock.UserID != userID {
			return nil
		}

		d.lock = LockInfo{}
		if err := d.persistOverlay(); err != nil {
			return err
		}

		d.logger.Infof("Released lock on database %s held by logged-out user %s", d.info.Name, userID)
		d.publish(ctx, EventLockChanged, userID)
		return nil
	})
}

// --- access overlay ---

func (d *Database) mutateAccess(ctx context.Context, authentication *auth.Authentication, fn func() error) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireAccess(authentication, AccessOwner); err != nil {
			return err
		}

		before := d.access
		if err := fn(); err != nil {
			return err
		}
		if err := d.persistOverlay(); err != nil {
			d.access = before
			return err
		}

		d.publish(ctx, EventAccessChanged, authentication.UserID)
		return nil
	})
}

// SetPublic makes the database visible to every authenticated user at guest
// level.
func (d *Database) SetPublic(ctx context.Context, authentication *auth.Authentication) error {
	return d.mutateAccess(ctx, authentication, func() error {
		d.access.IsPublic = true
		return nil
	})
}

// SetPrivate restricts the database to its owner and explicit members.
func (d *Database) SetPrivate(ctx context.Context, authentication *auth.Authentication) error {
	return d.mutateAccess(ctx, authentication, func() error {
		d.access.IsPublic = false
		return nil
	})
}

// AddAccessMember grants a user an explicit access level.
func (d *Database) AddAccessMember(ctx context.Context, authentication *auth.Authentication, userID string, access AccessType) error {
	return d.mutateAccess(ctx, authentication, func() error {
		if _, ok := d.access.Find(userID); ok {
			return fmt.Errorf("user %s: %w", userID, ErrMemberAlreadyExists)
		}
		d.access.Members = append(d.access.Members, AccessMember{UserID: userID, Access: access})
		return nil
	})
}

// SetAccessMember changes an existing member's access level.
func (d *Database) SetAccessMember(ctx context.Context, authentication *auth.Authentication, userID string, access AccessType) error {
	return d.mutateAccess(ctx, authentication, func() error {
		for i, member := range d.access.Members {
			if member.UserID == userID {
				d.access.Members[i].Access = access
				return nil
			}
		}
		return fmt.Errorf("user %s: %w", userID, ErrMemberNotFound)
	})
}

// RemoveAccessMember revokes a user's explicit grant.
func (d *Database) RemoveAccessMember(ctx context.Context, authentication *auth.Authentication, userID string) error {
	return d.mutateAccess(ctx, authentication, func() error {
		for i, member := range d.access.Members {
			if member.UserID == userID {
				d.access.Members = append(d.access.Members[:i], d.access.Members[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("user %s: %w", userID, ErrMemberNotFound)
	})
}

// --- whole-database operations (not-loaded only) ---

// Rename renames the database and its backing repository. The repository is
// untouched when the target name is taken.
func (d *Database) Rename(ctx context.Context, authentication *auth.Authentication, newName string) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireAccess(authentication, AccessOwner); err != nil {
			return err
		}
		if err := d.requireState(StateNone); err != nil {
			return err
		}
		if err := ValidateName(newName); err != nil {
			return err
		}
		if err := d.checkLockGate(authentication); err != nil {
			return err
		}

		err := d.repoDispatcher.Invoke(ctx, func(ctx context.Context) error {
			if d.provider.Exists(newName) {
				return fmt.Errorf("database %s: %w", newName, ErrDatabaseAlreadyExists)
			}
			return d.provider.RenameRepository(d.info.Name, newName)
		})
		if err != nil {
			return err
		}

		oldName := d.info.Name
		d.info.Name = newName
		d.publish(ctx, EventDatabaseRenamed, authentication.UserID, oldName, newName)
		d.publish(ctx, EventInfoChanged, authentication.UserID)
		d.taskCompleted(ctx, authentication.UserID)
		return nil
	})
}

// Delete removes the database's repository, overlay and cache entry.
func (d *Database) Delete(ctx context.Context, authentication *auth.Authentication) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireAccess(authentication, AccessOwner); err != nil {
			return err
		}
		if err := d.requireState(StateNone); err != nil {
			return err
		}
		if err := d.checkLockGate(authentication); err != nil {
			return err
		}

		err := d.repoDispatcher.Invoke(ctx, func(ctx context.Context) error {
			return d.provider.DeleteRepository(d.info.Name)
		})
		if err != nil {
			return err
		}

		d.deleted = true
		d.overlays.Remove(d.info.ID)
		d.cache.Invalidate(d.info.ID)
		d.publish(ctx, EventDatabaseDeleted, authentication.UserID)
		d.taskCompleted(ctx, authentication.UserID)
		return nil
	})
}

// Revert restores the repository content to an earlier revision with a new
// commit. Only permitted while not loaded; history is preserved.
func (d *Database) Revert(ctx context.Context, authentication *auth.Authentication, revision string) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireAccess(authentication, AccessMaster); err != nil {
			return err
		}
		if err := d.requireState(StateNone); err != nil {
			return err
		}
		if err := d.checkLockGate(authentication); err != nil {
			return err
		}

		d.publish(ctx, EventDatabaseResetting, authentication.UserID)

		err := d.repoDispatcher.Invoke(ctx, func(ctx context.Context) error {
			return d.provider.RevertRepository(d.info.Name, revision,
				authentication.UserID, fmt.Sprintf("revert to revision %s", revision))
		})
		if err != nil {
			return err
		}

		repoInfo, err := d.provider.GetRepositoryInfo(d.info.Name)
		if err != nil {
			return err
		}
		d.info.Revision = repoInfo.Revision
		d.info.ModifiedAt = repoInfo.ModifiedAt
		d.info.Comment = repoInfo.Comment
		d.cache.Invalidate(d.info.ID)

		d.publish(ctx, EventDatabaseReverted, authentication.UserID)
		d.taskCompleted(ctx, authentication.UserID)
		return nil
	})
}

// --- reads ---

// GetLog returns the revision history, newest first.
func (d *Database) GetLog(ctx context.Context, authentication *auth.Authentication, maxCount int) ([]repository.LogEntry, error) {
	return dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) ([]repository.LogEntry, error) {
		if err := d.requireAccess(authentication, AccessGuest); err != nil {
			return nil, err
		}

		if d.state.IsLoaded() {
			return dispatch.Invoke(ctx, d.repoDispatcher, func(ctx context.Context) ([]repository.LogEntry, error) {
				return d.host.Repository().GetLog(maxCount)
			})
		}
		return d.provider.GetLog(d.info.Name, maxCount)
	})
}

// GetTypeInfos returns the info of every loaded type, sorted by path.
func (d *Database) GetTypeInfos(ctx context.Context, authentication *auth.Authentication) ([]TypeInfo, error) {
	return dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) ([]TypeInfo, error) {
		if err := d.requireAccess(authentication, AccessGuest); err != nil {
			return nil, err
		}
		if err := d.requireLoaded(); err != nil {
			return nil, err
		}

		var infos []TypeInfo
		for _, record := range d.types.TypeRecords() {
			infos = append(infos, record.Info(d.info.Revision))
		}
		return infos, nil
	})
}

// GetTableInfos returns the info of every loaded table, sorted by path.
func (d *Database) GetTableInfos(ctx context.Context, authentication *auth.Authentication) ([]TableInfo, error) {
	return dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) ([]TableInfo, error) {
		if err := d.requireAccess(authentication, AccessGuest); err != nil {
			return nil, err
		}
		if err := d.requireLoaded(); err != nil {
			return nil, err
		}

		var infos []TableInfo
		for _, record := range d.tables.TableRecords() {
			infos = append(infos, record.Info(d.info.Revision))
		}
		return infos, nil
	})
}

// GetDataSet returns the full dataset. An empty revision or the head
// revision is answered from the loaded trees; anything else is reconstructed
// from repository history.
func (d *Database) GetDataSet(ctx context.Context, authentication *auth.Authentication, revision string) (*DataSet, error) {
	return dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) (*DataSet, error) {
		if err := d.requireAccess(authentication, AccessGuest); err != nil {
			return nil, err
		}
		if err := d.requireLoaded(); err != nil {
			return nil, err
		}

		if revision == "" || revision == d.info.Revision {
			dataSet := NewDataSet()
			for _, record := range d.types.TypeRecords() {
				dataSet.AddType(record.Clone())
			}
			for _, record := range d.tables.TableRecords() {
				dataSet.AddTable(record.Clone())
			}
			return dataSet, nil
		}

		return dispatch.Invoke(ctx, d.repoDispatcher, func(ctx context.Context) (*DataSet, error) {
			return d.host.GetDataSetAt(revision)
		})
	})
}

// GetTableData reconstructs one table and its referenced types as of a
// revision.
func (d *Database) GetTableData(ctx context.Context, authentication *auth.Authentication, revision, itemPath string) (*DataSet, error) {
	return dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) (*DataSet, error) {
		if err := d.requireAccess(authentication, AccessGuest); err != nil {
			return nil, err
		}
		if err := d.requireLoaded(); err != nil {
			return nil, err
		}
		return dispatch.Invoke(ctx, d.repoDispatcher, func(ctx context.Context) (*DataSet, error) {
			return d.host.GetTableData(revision, itemPath)
		})
	})
}

// GetTypeData reconstructs one type as of a revision.
func (d *Database) GetTypeData(ctx context.Context, authentication *auth.Authentication, revision, itemPath string) (*DataSet, error) {
	return dispatch.Invoke(ctx, d.dispatcher, func(ctx context.Context) (*DataSet, error) {
		if err := d.requireAccess(authentication, AccessGuest); err != nil {
			return nil, err
		}
		if err := d.requireLoaded(); err != nil {
			return nil, err
		}
		return dispatch.Invoke(ctx, d.repoDispatcher, func(ctx context.Context) (*DataSet, error) {
			return d.host.GetTypeData(revision, itemPath)
		})
	})
}

// --- structural mutations ---

// changeSet describes one staged mutation batch for applyChanges.
type changeSet struct {
	dataSet *DataSet
	options SetOptions
	comment string
	event   EventKind
	paths   []string

	// stage performs the repository mutations through the set; runs on the
	// repository dispatcher.
	stage func(ctx context.Context, set *DatabaseSet) error

	// apply updates the in-memory trees after a successful commit; runs on
	// the database dispatcher.
	apply func()
}

// applyChanges is the shared mutation pipeline: validate, stage on the
// repository dispatcher with revert-on-error, commit, apply in memory, emit
// events. Runs on the database dispatcher.
func (d *Database) applyChanges(ctx context.Context, authentication *auth.Authentication, minAccess AccessType, ch *changeSet) error {
	if err := d.requireAccess(authentication, minAccess); err != nil {
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

	options := ch.options
	if d.txn != nil {
		// The open transaction already path-locks every item for its owner.
		options |= OmitUnlock
	}

	set, err := NewDatabaseSet(authentication, d.host, d.serializer, d.types, d.tables, ch.dataSet, options, d.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := set.Dispose(); err != nil {
			d.logger.Errorf("Failed to dispose candidate set on database %s: %v", d.info.Name, err)
		}
	}()

	err = d.repoDispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := ch.stage(ctx, set); err != nil {
			if revertErr := d.host.Repository().Revert(); revertErr != nil {
				d.logger.Errorf("Failed to revert working copy of database %s: %v", d.info.Name, revertErr)
				return multierr.Append(err, revertErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	_, err = dispatch.Invoke(ctx, d.repoDispatcher, func(ctx context.Context) (string, error) {
		revision, err := d.host.Commit(authentication, ch.comment)
		if err != nil {
			if revertErr := d.host.Repository().Revert(); revertErr != nil {
				d.logger.Errorf("Failed to revert working copy of database %s: %v", d.info.Name, revertErr)
			}
		}
		return revision, err
	})
	if err != nil {
		return err
	}

	ch.apply()
	d.refreshInfo()
	d.info.ModifiedBy = authentication.UserID
	d.writeCache()

	d.publish(ctx, ch.event, authentication.UserID, ch.paths...)
	d.publish(ctx, EventInfoChanged, authentication.UserID)
	d.taskCompleted(ctx, authentication.UserID)
	return nil
}

// CreateItems creates every type and table in the dataset as new items.
func (d *Database) CreateItems(ctx context.Context, authentication *auth.Authentication, dataSet *DataSet, comment string) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		var paths []string
		for _, record := range dataSet.Types {
			if record.ID == "" {
				record.ID = helpers.GenerateUUID()
			}
			paths = append(paths, record.Path())
		}
		for _, record := range dataSet.Tables {
			if record.ID == "" {
				record.ID = helpers.GenerateUUID()
			}
			paths = append(paths, record.Path())
		}

		return d.applyChanges(ctx, authentication, AccessMaster, &changeSet{
			dataSet: dataSet,
			options: AllowTypeCreation | AllowTableCreation,
			comment: comment,
			event:   EventItemsCreated,
			paths:   paths,
			stage: func(ctx context.Context, set *DatabaseSet) error {
				for _, record := range dataSet.Types {
					if err := set.CreateType(record.Path()); err != nil {
						return err
					}
				}
				for _, record := range dataSet.Tables {
					if err := set.CreateTable(record.Path()); err != nil {
						return err
					}
				}
				return nil
			},
			apply: func() {
				for _, record := range dataSet.Types {
					record.IsNew = false
					d.types.Set(Item{Kind: KindType, Type: record.Clone()})
				}
				for _, record := range dataSet.Tables {
					record.IsNew = false
					d.tables.Set(Item{Kind: KindTable, Table: record.Clone()})
				}
			},
		})
	})
}

// ModifyItems rewrites the content of existing types and tables.
func (d *Database) ModifyItems(ctx context.Context, authentication *auth.Authentication, dataSet *DataSet, comment string) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		var paths []string
		for _, record := range dataSet.Types {
			paths = append(paths, record.Path())
		}
		for _, record := range dataSet.Tables {
			paths = append(paths, record.Path())
		}

		return d.applyChanges(ctx, authentication, AccessEditor, &changeSet{
			dataSet: dataSet,
			comment: comment,
			event:   EventItemsModified,
			paths:   paths,
			stage: func(ctx context.Context, set *DatabaseSet) error {
				for _, record := range dataSet.Types {
					if err := set.ModifyType(record.Path()); err != nil {
						return err
					}
				}
				for _, record := range dataSet.Tables {
					if err := set.ModifyTable(record.Path()); err != nil {
						return err
					}
				}
				return nil
			},
			apply: func() {
				for _, record := range dataSet.Types {
					d.types.Set(Item{Kind: KindType, Type: record.Clone()})
				}
				for _, record := range dataSet.Tables {
					d.tables.Set(Item{Kind: KindTable, Table: record.Clone()})
				}
			},
		})
	})
}

// DeleteItems removes existing types and tables.
func (d *Database) DeleteItems(ctx context.Context, authentication *auth.Authentication, dataSet *DataSet, comment string) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		var paths []string
		for _, record := range dataSet.Types {
			paths = append(paths, record.Path())
		}
		for _, record := range dataSet.Tables {
			paths = append(paths, record.Path())
		}

		return d.applyChanges(ctx, authentication, AccessMaster, &changeSet{
			dataSet: dataSet,
			comment: comment,
			event:   EventItemsDeleted,
			paths:   paths,
			stage: func(ctx context.Context, set *DatabaseSet) error {
				for _, record := range dataSet.Types {
					if err := set.DeleteType(record.Path()); err != nil {
						return err
					}
				}
				for _, record := range dataSet.Tables {
					if err := set.DeleteTable(record.Path()); err != nil {
						return err
					}
				}
				return nil
			},
			apply: func() {
				for _, record := range dataSet.Types {
					d.types.Remove(record.Path())
				}
				for _, record := range dataSet.Tables {
					d.tables.Remove(record.Path())
				}
			},
		})
	})
}

// RenameItem renames one type or table within its category.
func (d *Database) RenameItem(ctx context.Context, authentication *auth.Authentication, kind ItemKind, itemPath, newName, comment string) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireLoaded(); err != nil {
			return err
		}

		dataSet := NewDataSet()
		var stage func(ctx context.Context, set *DatabaseSet) error
		var apply func()
		var newPath string

		switch kind {
		case KindType:
			item, ok := d.types.Get(itemPath)
			if !ok {
				return fmt.Errorf("type %s: %w", itemPath, ErrTypeNotFound)
			}
			clone := item.Type.Clone()
			dataSet.AddType(clone)
			newPath = clone.CategoryPath + newName
			stage = func(ctx context.Context, set *DatabaseSet) error {
				return set.RenameType(itemPath, newName)
			}
			apply = func() {
				d.types.Move(itemPath, Item{Kind: KindType, Type: clone})
			}
		case KindTable:
			item, ok := d.tables.Get(itemPath)
			if !ok {
				return fmt.Errorf("table %s: %w", itemPath, ErrTableNotFound)
			}
			clone := item.Table.Clone()
			dataSet.AddTable(clone)
			newPath = clone.CategoryPath + newName
			stage = func(ctx context.Context, set *DatabaseSet) error {
				return set.RenameTable(itemPath, newName)
			}
			apply = func() {
				d.tables.Move(itemPath, Item{Kind: KindTable, Table: clone})
			}
		default:
			return fmt.Errorf("cannot rename a category through RenameItem: %w", ErrInvalidName)
		}

		return d.applyChanges(ctx, authentication, AccessMaster, &changeSet{
			dataSet: dataSet,
			comment: comment,
			event:   EventItemsRenamed,
			paths:   []string{itemPath, newPath},
			stage:   stage,
			apply:   apply,
		})
	})
}

// MoveItem moves one type or table to another category.
func (d *Database) MoveItem(ctx context.Context, authentication *auth.Authentication, kind ItemKind, itemPath, newCategoryPath, comment string) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireLoaded(); err != nil {
			return err
		}

		dataSet := NewDataSet()
		var stage func(ctx context.Context, set *DatabaseSet) error
		var apply func()
		var newPath string

		switch kind {
		case KindType:
			item, ok := d.types.Get(itemPath)
			if !ok {
				return fmt.Errorf("type %s: %w", itemPath, ErrTypeNotFound)
			}
			clone := item.Type.Clone()
			dataSet.AddType(clone)
			newPath = newCategoryPath + clone.Name
			stage = func(ctx context.Context, set *DatabaseSet) error {
				return set.MoveType(itemPath, newCategoryPath)
			}
			apply = func() {
				d.types.Move(itemPath, Item{Kind: KindType, Type: clone})
			}
		case KindTable:
			item, ok := d.tables.Get(itemPath)
			if !ok {
				return fmt.Errorf("table %s: %w", itemPath, ErrTableNotFound)
			}
			clone := item.Table.Clone()
			dataSet.AddTable(clone)
			newPath = newCategoryPath + clone.Name
			stage = func(ctx context.Context, set *DatabaseSet) error {
				return set.MoveTable(itemPath, newCategoryPath)
			}
			apply = func() {
				d.tables.Move(itemPath, Item{Kind: KindTable, Table: clone})
			}
		default:
			return fmt.Errorf("cannot move a category through MoveItem: %w", ErrInvalidName)
		}

		return d.applyChanges(ctx, authentication, AccessMaster, &changeSet{
			dataSet: dataSet,
			comment: comment,
			event:   EventItemsMoved,
			paths:   []string{itemPath, newPath},
			stage:   stage,
			apply:   apply,
		})
	})
}

// MoveCategory relocates a category and everything under it.
func (d *Database) MoveCategory(ctx context.Context, authentication *auth.Authentication, kind ItemKind, categoryPath, newCategoryPath, comment string) error {
	return d.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		if err := d.requireLoaded(); err != nil {
			return err
		}

		var tree *ItemTree
		switch kind {
		case KindType:
			tree = d.types
		case KindTable:
			tree = d.tables
		default:
			return fmt.Errorf("unknown category kind: %w", ErrInvalidName)
		}
		if !tree.ContainsCategory(categoryPath) {
			return fmt.Errorf("category %s: %w", categoryPath, ErrCategoryNotFound)
		}

		dataSet := NewDataSet()
		paths := tree.DescendantsOf(categoryPath)
		for _, path := range paths {
			item, _ := tree.Get(path)
			switch item.Kind {
			case KindType:
				dataSet.AddType(item.Type.Clone())
			case KindTable:
				dataSet.AddTable(item.Table.Clone())
			}
		}

		return d.applyChanges(ctx, authentication, AccessMaster, &changeSet{
			dataSet: dataSet,
			comment: comment,
			event:   EventItemsMoved,
			paths:   paths,
			stage: func(ctx context.Context, set *DatabaseSet) error {
				if kind == KindType {
					return set.MoveTypeCategory(categoryPath, newCategoryPath)
				}
				return set.MoveTableCategory(categoryPath, newCategoryPath)
			},
			apply: func() {
				tree.MoveCategory(categoryPath, newCategoryPath)
			},
		})
	})
}

// RenameCategory renames the last segment of a category path.
func (d *Database) RenameCategory(ctx context.Context, authentication *auth.Authentication, kind ItemKind, categoryPath, newName, comment string) error {
	if err := ValidateCategoryPath(categoryPath); err != nil {
		return err
	}
	if categoryPath == "/" {
		return fmt.Errorf("cannot rename the root category: %w", ErrInvalidName)
	}
	if err := ValidateName(newName); err != nil {
		return err
	}

	parent, _ := SplitItemPath(categoryPath[:len(categoryPath)-1])
	return d.MoveCategory(ctx, authentication, kind, categoryPath, parent+newName+"/", comment)
}
