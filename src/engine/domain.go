package engine

import (
	"sync"

	"go.uber.org/zap"
)

// DomainContext is the collaborative-editing subsystem as seen from the
// database lifecycle: sessions ("domains") are keyed by database ID and must
// be attached on load, detached on unload, and deleted on rollback.
type DomainContext interface {
	AttachUsers(databaseID string) error
	DetachUsers(databaseID string) error
	GetDomains(databaseID string) []string
	DeleteDomains(databaseID string, domainIDs ...string) error
	Restore(databaseID string) error
}

// LocalDomainContext is the in-process implementation used by the server
// and by tests.
type LocalDomainContext struct {
	mu       sync.Mutex
	domains  map[string][]string
	attached map[string]bool
	logger   *zap.SugaredLogger
}

func NewLocalDomainContext(logger *zap.SugaredLogger) *LocalDomainContext {
	return &LocalDomainContext{
		domains:  make(map[string][]string),
		attached: make(map[string]bool),
		logger:   logger,
	}
}

// AddDomain registers a collaborative session against a database.
func (c *LocalDomainContext) AddDomain(databaseID, domainID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domains[databaseID] = append(c.domains[databaseID], domainID)
}

func (c *LocalDomainContext) AttachUsers(databaseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached[databaseID] = true
	return nil
}

func (c *LocalDomainContext) DetachUsers(databaseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attached, databaseID)
	return nil
}

func (c *LocalDomainContext) GetDomains(databaseID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.domains[databaseID]...)
}

func (c *LocalDomainContext) DeleteDomains(databaseID string, domainIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	remove := make(map[string]bool, len(domainIDs))
	for _, id := range domainIDs {
		remove[id] = true
	}

	var kept []string
	for _, id := range c.domains[databaseID] {
		if !remove[id] {
			kept = append(kept, id)
		}
	}
	c.domains[databaseID] = kept

	if len(domainIDs) > 0 {
		c.logger.Infof("Deleted %d domain(s) of database %s", len(domainIDs), databaseID)
	}
	return nil
}

func (c *LocalDomainContext) Restore(databaseID string) error {
	// Nothing persisted to restore in the local implementation.
	return nil
}
