package engine

import (
	"context"
	"fmt"
	"sort"

	"vcdb/src/auth"
	"vcdb/src/dispatch"
	"vcdb/src/repository"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DatabaseContext is the fleet registry: it owns one Database per repository
// under the provider root, forwards every database's events into a single
// fleet-wide registry, restores the persisted load state on startup, and
// reacts to user logouts by releasing their database locks.
type DatabaseContext struct {
	dispatcher *dispatch.Dispatcher

	provider   repository.Provider
	serializer Serializer
	cache      *DatasetCache
	overlays   *OverlayStore
	domains    DomainContext
	tempDir    string
	logger     *zap.SugaredLogger

	events *EventRegistry

	// Owned by dispatcher.
	databases map[string]*Database // by ID
	byName    map[string]string    // name -> ID
	tokens    map[string]int       // ID -> subscription token on the database
}

func NewDatabaseContext(provider repository.Provider, serializer Serializer,
	cache *DatasetCache, overlays *OverlayStore, domains DomainContext,
	tempDir string, logger *zap.SugaredLogger) (*DatabaseContext, error) {

	c := &DatabaseContext{
		dispatcher: dispatch.NewDispatcher("database-context"),
		provider:   provider,
		serializer: serializer,
		cache:      cache,
		overlays:   overlays,
		domains:    domains,
		tempDir:    tempDir,
		logger:     logger,
		databases:  make(map[string]*Database),
		byName:     make(map[string]string),
		tokens:     make(map[string]int),
	}
	c.events = NewEventRegistry(c.dispatcher)

	names, err := provider.List()
	if err != nil {
		c.dispatcher.Close()
		return nil, fmt.Errorf("failed to scan repositories: %w", err)
	}

	err = c.dispatcher.Invoke(context.Background(), func(ctx context.Context) error {
		for _, name := range names {
			db, err := NewDatabase(provider, name, serializer, cache, overlays, domains, tempDir, logger)
			if err != nil {
				// One broken repository must not take the fleet down.
				logger.Errorf("Skipping database %s: %v", name, err)
				continue
			}
			if err := c.register(ctx, db); err != nil {
				logger.Errorf("Skipping database %s: %v", name, err)
				db.Close()
			}
		}
		logger.Infof("Database context started with %d database(s)", len(c.databases))
		return nil
	})
	if err != nil {
		c.dispatcher.Close()
		return nil, err
	}

	return c, nil
}

// register wires a database into the maps and forwards its events into the
// fleet registry. Runs on the context dispatcher.
func (c *DatabaseContext) register(ctx context.Context, db *Database) error {
	token, err := db.Subscribe(ctx, func(event Event) {
		// Hop from the database's dispatcher onto the context's before
		// touching context state or the fleet registry.
		err := c.dispatcher.InvokeAsync(func(ctx context.Context) {
			if event.Kind == EventDatabaseRenamed && len(event.Paths) == 2 {
				// The old name may have been reclaimed by another database
				// before this handler ran; only drop our own mapping.
				if c.byName[event.Paths[0]] == event.DatabaseID {
					delete(c.byName, event.Paths[0])
				}
				c.byName[event.Paths[1]] = event.DatabaseID
			}
			if err := c.events.publish(ctx, event); err != nil {
				c.logger.Errorf("Failed to forward %s event: %v", event.Kind, err)
			}
		})
		if err != nil {
			c.logger.Debugf("Dropping forwarded %s event: %v", event.Kind, err)
		}
	})
	if err != nil {
		return err
	}

	c.databases[db.ID()] = db
	c.byName[db.info.Name] = db.ID()
	c.tokens[db.ID()] = token
	return nil
}

// Subscribe registers a fleet-wide event handler.
func (c *DatabaseContext) Subscribe(ctx context.Context, handler EventHandler) (int, error) {
	return dispatch.Invoke(ctx, c.dispatcher, func(ctx context.Context) (int, error) {
		return c.events.Subscribe(ctx, handler)
	})
}

// Unsubscribe removes a fleet-wide event handler.
func (c *DatabaseContext) Unsubscribe(ctx context.Context, token int) error {
	return c.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		return c.events.Unsubscribe(ctx, token)
	})
}

// AddNewDatabase creates a fresh repository and registers its database. The
// creator becomes the owner of a public database.
func (c *DatabaseContext) AddNewDatabase(ctx context.Context, authentication *auth.Authentication, name, comment string) (*Database, error) {
	return dispatch.Invoke(ctx, c.dispatcher, func(ctx context.Context) (*Database, error) {
		if err := authentication.Validate(); err != nil {
			return nil, err
		}
		if !authentication.Authority.AtLeast(auth.AuthorityMember) {
			return nil, fmt.Errorf("creating databases requires member authority: %w", ErrPermissionDenied)
		}
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		if _, ok := c.byName[name]; ok || c.provider.Exists(name) {
			return nil, fmt.Errorf("database %s: %w", name, ErrDatabaseAlreadyExists)
		}

		repoInfo, err := c.provider.CreateRepository(name, authentication.UserID, comment)
		if err != nil {
			return nil, err
		}

		if err := c.overlays.Write(repoInfo.ID, overlayRecord{Access: NewPublicAccessInfo(authentication.UserID)}); err != nil {
			return nil, err
		}

		db, err := NewDatabase(c.provider, name, c.serializer, c.cache, c.overlays, c.domains, c.tempDir, c.logger)
		if err != nil {
			return nil, err
		}
		db.info.CreatedBy = authentication.UserID
		db.info.ModifiedBy = authentication.UserID

		if err := c.register(ctx, db); err != nil {
			db.Close()
			return nil, err
		}

		c.publish(ctx, Event{
			Kind:         EventDatabaseCreated,
			DatabaseID:   db.ID(),
			DatabaseName: name,
			UserID:       authentication.UserID,
		})
		return db, nil
	})
}

// CopyDatabase clones an existing repository under a new name with a fresh
// identity. The caller becomes the owner of the copy.
func (c *DatabaseContext) CopyDatabase(ctx context.Context, authentication *auth.Authentication, srcName, dstName, comment string) (*Database, error) {
	return dispatch.Invoke(ctx, c.dispatcher, func(ctx context.Context) (*Database, error) {
		if err := authentication.Validate(); err != nil {
			return nil, err
		}
		if !authentication.Authority.AtLeast(auth.AuthorityMember) {
			return nil, fmt.Errorf("copying databases requires member authority: %w", ErrPermissionDenied)
		}
		if err := ValidateName(dstName); err != nil {
			return nil, err
		}

		src, err := c.lookup(srcName)
		if err != nil {
			return nil, err
		}
		if err := src.dispatcher.Invoke(ctx, func(ctx context.Context) error {
			return src.requireAccess(authentication, AccessGuest)
		}); err != nil {
			return nil, err
		}
		if _, ok := c.byName[dstName]; ok || c.provider.Exists(dstName) {
			return nil, fmt.Errorf("database %s: %w", dstName, ErrDatabaseAlreadyExists)
		}

		repoInfo, err := c.provider.CopyRepository(srcName, dstName, authentication.UserID, comment)
		if err != nil {
			return nil, err
		}

		if err := c.overlays.Write(repoInfo.ID, overlayRecord{Access: NewPublicAccessInfo(authentication.UserID)}); err != nil {
			return nil, err
		}

		db, err := NewDatabase(c.provider, dstName, c.serializer, c.cache, c.overlays, c.domains, c.tempDir, c.logger)
		if err != nil {
			return nil, err
		}
		db.info.CreatedBy = authentication.UserID
		db.info.ModifiedBy = authentication.UserID

		if err := c.register(ctx, db); err != nil {
			db.Close()
			return nil, err
		}

		c.publish(ctx, Event{
			Kind:         EventDatabaseCreated,
			DatabaseID:   db.ID(),
			DatabaseName: dstName,
			UserID:       authentication.UserID,
		})
		return db, nil
	})
}

func (c *DatabaseContext) publish(ctx context.Context, event Event) {
	if err := c.events.publish(ctx, event); err != nil {
		c.logger.Errorf("Failed to publish %s event: %v", event.Kind, err)
	}
}

// lookup runs on the context dispatcher.
func (c *DatabaseContext) lookup(name string) (*Database, error) {
	id, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("database %s: %w", name, ErrDatabaseNotFound)
	}
	return c.databases[id], nil
}

// GetDatabase returns the database with the given name.
func (c *DatabaseContext) GetDatabase(ctx context.Context, name string) (*Database, error) {
	return dispatch.Invoke(ctx, c.dispatcher, func(ctx context.Context) (*Database, error) {
		return c.lookup(name)
	})
}

// GetDatabaseByID returns the database with the given stable ID.
func (c *DatabaseContext) GetDatabaseByID(ctx context.Context, id string) (*Database, error) {
	return dispatch.Invoke(ctx, c.dispatcher, func(ctx context.Context) (*Database, error) {
		db, ok := c.databases[id]
		if !ok {
			return nil, fmt.Errorf("database %s: %w", id, ErrDatabaseNotFound)
		}
		return db, nil
	})
}

// ListDatabases returns every registered database, sorted by name.
func (c *DatabaseContext) ListDatabases(ctx context.Context) []*Database {
	dbs, _ := dispatch.Invoke(ctx, c.dispatcher, func(ctx context.Context) ([]*Database, error) {
		names := make([]string, 0, len(c.byName))
		for name := range c.byName {
			names = append(names, name)
		}
		sort.Strings(names)

		dbs := make([]*Database, 0, len(names))
		for _, name := range names {
			dbs = append(dbs, c.databases[c.byName[name]])
		}
		return dbs, nil
	})
	return dbs
}

// FilterDatabases returns the databases whose flags include every given
// flag.
func (c *DatabaseContext) FilterDatabases(ctx context.Context, flags DatabaseFlags) []*Database {
	var matched []*Database
	for _, db := range c.ListDatabases(ctx) {
		if db.Flags(ctx).Has(flags) {
			matched = append(matched, db)
		}
	}
	return matched
}

// RenameDatabase renames a database and updates the name index.
func (c *DatabaseContext) RenameDatabase(ctx context.Context, authentication *auth.Authentication, oldName, newName string) error {
	return c.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		db, err := c.lookup(oldName)
		if err != nil {
			return err
		}
		if _, ok := c.byName[newName]; ok {
			return fmt.Errorf("database %s: %w", newName, ErrDatabaseAlreadyExists)
		}

		if err := db.Rename(ctx, authentication, newName); err != nil {
			return err
		}

		delete(c.byName, oldName)
		c.byName[newName] = db.ID()
		return nil
	})
}

// DeleteDatabase deletes a database and removes it from the registry.
func (c *DatabaseContext) DeleteDatabase(ctx context.Context, authentication *auth.Authentication, name string) error {
	return c.dispatcher.Invoke(ctx, func(ctx context.Context) error {
		db, err := c.lookup(name)
		if err != nil {
			return err
		}

		if err := db.Delete(ctx, authentication); err != nil {
			return err
		}

		delete(c.byName, name)
		delete(c.databases, db.ID())
		delete(c.tokens, db.ID())

		// The handle stays open so late callers get a deleted-state error
		// instead of a closed-dispatcher one.
		return nil
	})
}

// RestoreLoadState loads every database that was loaded at last shutdown.
func (c *DatabaseContext) RestoreLoadState(ctx context.Context, authentication *auth.Authentication) {
	for _, id := range c.cache.ReadLoadState() {
		db, err := c.GetDatabaseByID(ctx, id)
		if err != nil {
			c.logger.Warnf("Cannot restore load state of database %s: %v", id, err)
			continue
		}
		if err := db.Load(ctx, authentication); err != nil {
			c.logger.Warnf("Failed to restore database %s to loaded state: %v", db.info.Name, err)
		}
	}
}

// SaveLoadState persists the IDs of all currently loaded databases.
func (c *DatabaseContext) SaveLoadState(ctx context.Context) {
	var loaded []string
	for _, db := range c.ListDatabases(ctx) {
		if db.State(ctx).IsLoaded() {
			loaded = append(loaded, db.ID())
		}
	}
	c.cache.WriteLoadState(loaded)
}

// UsersLoggedOut releases every database lock held by the given users.
// Wired to the user service's logout notification.
func (c *DatabaseContext) UsersLoggedOut(ctx context.Context, userIDs ...string) {
	for _, db := range c.ListDatabases(ctx) {
		for _, userID := range userIDs {
			if err := db.UnlockForUser(ctx, userID); err != nil {
				c.logger.Errorf("Failed to release lock held by %s on database %s: %v", userID, db.info.Name, err)
			}
		}
	}
}

// Shutdown saves the load state, unloads every loaded database and stops all
// dispatchers.
func (c *DatabaseContext) Shutdown(ctx context.Context, authentication *auth.Authentication) error {
	c.SaveLoadState(ctx)

	var errs error
	for _, db := range c.ListDatabases(ctx) {
		if db.State(ctx).IsLoaded() {
			if err := db.Unload(ctx, authentication); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		db.Close()
	}

	c.dispatcher.Close()
	return errs
}
