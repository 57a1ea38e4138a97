package storage

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when an insert collides with a live row.
	ErrDuplicate = errors.New("storage: duplicate")
	// ErrNoCharges is returned when a charge decrement finds no charges left.
	ErrNoCharges = errors.New("storage: no charges remaining")
)
