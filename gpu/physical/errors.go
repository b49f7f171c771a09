package physical

import "errors"

var (
	// ErrNoSpace indicates that the allocator window is exhausted.
	ErrNoSpace = errors.New("physical: no space left")

	// ErrBadRef indicates a free of a block that is not allocated.
	ErrBadRef = errors.New("physical: bad block reference")

	// ErrUnaligned indicates an address that is not page aligned.
	ErrUnaligned = errors.New("physical: unaligned address")

	// ErrInvalidSize indicates a zero or overflowing size.
	ErrInvalidSize = errors.New("physical: invalid size")

	// ErrOutOfRange indicates an access beyond the end of memory.
	ErrOutOfRange = errors.New("physical: access out of range")

	// ErrClosed indicates use of closed memory.
	ErrClosed = errors.New("physical: memory closed")
)
