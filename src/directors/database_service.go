package directors

import (
	"context"
	"fmt"

	"vcdb/src/auth"
	"vcdb/src/engine"
	"vcdb/src/settings"

	"go.uber.org/zap"
)

// DatabaseService is the wire-facing facade over the database registry. It
// resolves names to databases and forwards to the engine, wrapping errors
// with the operation that failed.
type DatabaseService struct {
	registry *engine.DatabaseContext
	settings *settings.Arguments
	logger   *zap.SugaredLogger
}

func NewDatabaseService(registry *engine.DatabaseContext, settings *settings.Arguments, logger *zap.SugaredLogger) *DatabaseService {
	return &DatabaseService{
		registry: registry,
		settings: settings,
		logger:   logger,
	}
}

// Registry exposes the underlying database registry.
func (s *DatabaseService) Registry() *engine.DatabaseContext {
	return s.registry
}

func (s *DatabaseService) AddDatabase(ctx context.Context, authentication *auth.Authentication, name, comment string) error {
	if _, err := s.registry.AddNewDatabase(ctx, authentication, name, comment); err != nil {
		return fmt.Errorf("failed to create database '%s': %w", name, err)
	}
	s.logger.Infof("Created database %s", name)
	return nil
}

func (s *DatabaseService) CopyDatabase(ctx context.Context, authentication *auth.Authentication, srcName, dstName, comment string) error {
	if _, err := s.registry.CopyDatabase(ctx, authentication, srcName, dstName, comment); err != nil {
		return fmt.Errorf("failed to copy database '%s' to '%s': %w", srcName, dstName, err)
	}
	return nil
}

func (s *DatabaseService) LoadDatabase(ctx context.Context, authentication *auth.Authentication, name string) error {
	db, err := s.registry.GetDatabase(ctx, name)
	if err != nil {
		return err
	}
	if err := db.Load(ctx, authentication); err != nil {
		return fmt.Errorf("failed to load database '%s': %w", name, err)
	}
	return nil
}

func (s *DatabaseService) UnloadDatabase(ctx context.Context, authentication *auth.Authentication, name string) error {
	db, err := s.registry.GetDatabase(ctx, name)
	if err != nil {
		return err
	}
	if err := db.Unload(ctx, authentication); err != nil {
		return fmt.Errorf("failed to unload database '%s': %w", name, err)
	}
	return nil
}

func (s *DatabaseService) LockDatabase(ctx context.Context, authentication *auth.Authentication, name, comment string) error {
	db, err := s.registry.GetDatabase(ctx, name)
	if err != nil {
		return err
	}
	return db.Lock(ctx, authentication, comment)
}

func (s *DatabaseService) UnlockDatabase(ctx context.Context, authentication *auth.Authentication, name string) error {
	db, err := s.registry.GetDatabase(ctx, name)
	if err != nil {
		return err
	}
	return db.Unlock(ctx, authentication)
}

func (s *DatabaseService) RenameDatabase(ctx context.Context, authentication *auth.Authentication, oldName, newName string) error {
	if err := s.registry.RenameDatabase(ctx, authentication, oldName, newName); err != nil {
		return fmt.Errorf("failed to rename database '%s': %w", oldName, err)
	}
	return nil
}

func (s *DatabaseService) DeleteDatabase(ctx context.Context, authentication *auth.Authentication, name string) error {
	if err := s.registry.DeleteDatabase(ctx, authentication, name); err != nil {
		return fmt.Errorf("failed to delete database '%s': %w", name, err)
	}
	s.logger.Infof("Deleted database %s", name)
	return nil
}

func (s *DatabaseService) EnterDatabase(ctx context.Context, authentication *auth.Authentication, name string) error {
	db, err := s.registry.GetDatabase(ctx, name)
	if err != nil {
		return err
	}
	return db.Enter(ctx, authentication)
}

func (s *DatabaseService) LeaveDatabase(ctx context.Context, authentication *auth.Authentication, name string) error {
	db, err := s.registry.GetDatabase(ctx, name)
	if err != nil {
		return err
	}
	return db.Leave(ctx, authentication)
}

// DatabaseStatus is one row of the LIST DATABASES output.
type DatabaseStatus struct {
	Name     string
	State    engine.DatabaseState
	Flags    engine.DatabaseFlags
	Revision string
}

func (s *DatabaseService) ListDatabases(ctx context.Context) []DatabaseStatus {
	var statuses []DatabaseStatus
	for _, db := range s.registry.ListDatabases(ctx) {
		info := db.Info(ctx)
		statuses = append(statuses, DatabaseStatus{
			Name:     info.Name,
			State:    db.State(ctx),
			Flags:    db.Flags(ctx),
			Revision: info.Revision,
		})
	}
	return statuses
}
