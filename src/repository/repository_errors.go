package repository

import "errors"

var ErrRepositoryNotFound = errors.New("repository not found")
var ErrRepositoryAlreadyExists = errors.New("repository already exists")
var ErrInvalidRevision = errors.New("invalid revision")

// ErrPathLocked is returned when a path is already locked by another holder.
var ErrPathLocked = errors.New("path is locked by another holder")
var ErrPathNotLocked = errors.New("path is not locked")

var ErrTransactionOpen = errors.New("a repository transaction is already open")
var ErrNoTransaction = errors.New("no repository transaction is open")
