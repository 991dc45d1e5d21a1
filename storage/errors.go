package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when an optimistic write loses the race:
	// the key already exists on Create, or the revision guard on Update
	// does not match the current revision.
	ErrConflict = errors.New("revision conflict")
)
