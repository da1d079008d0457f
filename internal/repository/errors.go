package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrAlreadyExists indicates an entity with the same identifier is stored.
	ErrAlreadyExists = errors.New("repository: already exists")
	// ErrInvalidArgument indicates the store rejected malformed input.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrDuplicateValue indicates a resource value is already held by another environment.
	ErrDuplicateValue = errors.New("repository: resource value already allocated")
	// ErrAlreadyAllocated indicates the environment already holds a value of the class.
	ErrAlreadyAllocated = errors.New("repository: environment already holds an allocation")
	// ErrLockTimeout indicates a lock could not be acquired in time. Callers may retry.
	ErrLockTimeout = errors.New("repository: lock wait timeout")
	// ErrTransitionRejected indicates a guarded status change found the job in another state.
	ErrTransitionRejected = errors.New("repository: transition rejected")
)
