package store

import "errors"

var (
	// ErrNotFound is returned when a record does not exist. Pipeline
	// components treat it as a skip, not a retry.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a uniqueness invariant would be
	// violated (duplicate client triple, second active cycle,
	// duplicate provider message id).
	ErrConflict = errors.New("conflict")
)
