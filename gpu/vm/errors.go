package vm

import "errors"

var (
	// ErrUnaligned indicates an address or size that is not page aligned.
	ErrUnaligned = errors.New("vm: unaligned address or size")

	// ErrInvalidAddress indicates a range outside the virtual (or physical)
	// address space.
	ErrInvalidAddress = errors.New("vm: invalid address")

	// ErrUnmapped indicates an access to a page with no mapping.
	ErrUnmapped = errors.New("vm: access to unmapped page")

	// ErrAllocation indicates that demand paging could not obtain backing.
	ErrAllocation = errors.New("vm: page allocation failed")
)
