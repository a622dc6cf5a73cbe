package models

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrInvalidState is returned when a document is no longer pending
	ErrInvalidState = errors.New("document is not pending")

	// ErrCursorConflict is returned when the stored cursor no longer holds the
	// value a writer expected to replace
	ErrCursorConflict = errors.New("cursor was changed concurrently")
)
