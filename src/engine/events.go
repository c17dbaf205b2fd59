package engine

import (
	"context"

	"vcdb/src/dispatch"
)

type EventKind string

const (
	EventDatabaseCreated  EventKind = "database-created"
	EventDatabaseLoaded   EventKind = "database-loaded"
	EventDatabaseUnloaded EventKind = "database-unloaded"
	EventDatabaseRenamed  EventKind = "database-renamed"
	EventDatabaseDeleted  EventKind = "database-deleted"
	EventDatabaseReverted EventKind = "database-reverted"

	EventDatabaseResetting EventKind = "database-resetting"
	EventDatabaseReset     EventKind = "database-reset"

	EventAuthenticationEntered EventKind = "authentication-entered"
	EventAuthenticationLeft    EventKind = "authentication-left"

	EventInfoChanged   EventKind = "database-info-changed"
	EventStateChanged  EventKind = "database-state-changed"
	EventLockChanged   EventKind = "lock-changed"
	EventAccessChanged EventKind = "access-changed"

	EventItemsCreated  EventKind = "items-created"
	EventItemsRenamed  EventKind = "items-renamed"
	EventItemsMoved    EventKind = "items-moved"
	EventItemsDeleted  EventKind = "items-deleted"
	EventItemsModified EventKind = "items-modified"

	EventTaskCompleted EventKind = "task-completed"
)

// Event is one observable change on a database or on the fleet registry.
type Event struct {
	Kind         EventKind
	DatabaseID   string
	DatabaseName string

	// Paths are the affected logical item paths, for item-level events.
	Paths []string

	// UserID of the caller that triggered the change.
	UserID string

	// TaskID correlates a task-completed event with the operation that
	// generated it.
	TaskID string
}

type EventHandler func(Event)

// EventRegistry is an explicit observer registry owned by one dispatcher.
// Subscribe, Unsubscribe and publish are only legal from that dispatcher's
// execution context; this replaces ambient multicast fields guarded by
// thread checks.
type EventRegistry struct {
	dispatcher *dispatch.Dispatcher
	handlers   map[int]EventHandler
	nextToken  int
}

func NewEventRegistry(dispatcher *dispatch.Dispatcher) *EventRegistry {
	return &EventRegistry{
		dispatcher: dispatcher,
		handlers:   make(map[int]EventHandler),
	}
}

// Subscribe registers a handler and returns its token. Must be called from
// the owning dispatcher's context.
func (r *EventRegistry) Subscribe(ctx context.Context, handler EventHandler) (int, error) {
	if err := r.dispatcher.VerifyAccess(ctx); err != nil {
		return 0, err
	}
	r.nextToken++
	r.handlers[r.nextToken] = handler
	return r.nextToken, nil
}

// Unsubscribe removes a handler by token. Must be called from the owning
// dispatcher's context. Unknown tokens are a no-op.
func (r *EventRegistry) Unsubscribe(ctx context.Context, token int) error {
	if err := r.dispatcher.VerifyAccess(ctx); err != nil {
		return err
	}
	delete(r.handlers, token)
	return nil
}

func (r *EventRegistry) publish(ctx context.Context, event Event) error {
	if err := r.dispatcher.VerifyAccess(ctx); err != nil {
		return err
	}
	for _, handler := range r.handlers {
		handler(event)
	}
	return nil
}
