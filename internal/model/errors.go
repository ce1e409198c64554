package model

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write would violate a uniqueness invariant.
	ErrConflict = errors.New("conflicting record exists")
	// ErrNotMapped is returned when a device-local user has no active identity mapping.
	ErrNotMapped = errors.New("user not mapped")
	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
)
