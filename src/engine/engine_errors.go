package engine

import (
	"errors"
	"fmt"
)

// Add custom error definitions here
var ErrDatabaseNotFound = errors.New("database not found")
var ErrDatabaseAlreadyExists = errors.New("database already exists")
var ErrTypeNotFound = errors.New("type not found")
var ErrTableNotFound = errors.New("table not found")
var ErrCategoryNotFound = errors.New("category not found")
var ErrItemAlreadyExists = errors.New("item already exists")

// ErrInvalidState is returned when an operation is attempted in a database
// state that does not permit it.
var ErrInvalidState = errors.New("operation not permitted in current database state")

var ErrPermissionDenied = errors.New("permission denied")
var ErrLockedByAnother = errors.New("locked by another user")
var ErrNotLocked = errors.New("not locked")
var ErrAlreadyLocked = errors.New("already locked")
var ErrAlreadyEntered = errors.New("authentication has already entered the database")
var ErrNotEntered = errors.New("authentication has not entered the database")
var ErrTransactionInProgress = errors.New("a transaction is already in progress")
var ErrNoTransaction = errors.New("no open transaction")

var ErrInvalidName = errors.New("invalid name")
var ErrMemberAlreadyExists = errors.New("access member already exists")
var ErrMemberNotFound = errors.New("access member not found")

// ConflictError reports that an item's backing file changed between the time
// a candidate set captured its hash and the time the mutation ran. The
// operation fails as a whole; no merge is attempted.
type ConflictError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("item %s was modified concurrently (expected hash %s, found %s)",
		e.Path, e.Expected, e.Actual)
}

// IsConflict reports whether err is a concurrent-modification conflict.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}
