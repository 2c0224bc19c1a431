package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a lock or version check fails
	ErrConflict = errors.New("conflict: entity is locked or was modified by another request")
)
