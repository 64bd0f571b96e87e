package store

import "errors"

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned for idempotent-create conflicts such as
	// BUSYGROUP on consumer group creation. Callers treat it as success.
	ErrConflict = errors.New("store: conflict")

	// ErrUnavailable is returned when the store cannot be reached.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrClosed is returned after the adapter has been shut down. The poll
	// loop treats it as a terminal stop signal.
	ErrClosed = errors.New("store: closed")
)
