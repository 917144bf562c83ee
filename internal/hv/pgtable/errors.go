package pgtable

import "errors"

var (
	// ErrOutOfMemory is returned when the pool has no more pages to give.
	ErrOutOfMemory = errors.New("pgtable: out of memory")

	// ErrInvalidRange is returned when a query range is malformed (end
	// before begin) or falls outside the root's address space.
	ErrInvalidRange = errors.New("pgtable: invalid range")

	// ErrDanglingTable is returned when a table descriptor's child address
	// cannot be resolved back to a page through the pool. This indicates a
	// pool/engine bookkeeping bug, not a caller error.
	ErrDanglingTable = errors.New("pgtable: dangling table descriptor")
)
