package model

import "errors"

var (
	// ErrNotFound marks a referenced entity that does not exist or is inactive.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a uniqueness invariant violation.
	ErrConflict = errors.New("conflict")
	// ErrInvalidInput marks malformed input to an operation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrResolution marks a failed identity lookup.
	ErrResolution = errors.New("identity resolution failed")
)
