package buffer

import "errors"

var (
	// ErrOutOfBounds indicates an access outside the buffer.
	ErrOutOfBounds = errors.New("buffer: access out of bounds")

	// ErrReleased indicates use of a buffer whose storage was released.
	ErrReleased = errors.New("buffer: storage released")

	// ErrInvalidSize indicates a zero or overflowing buffer range.
	ErrInvalidSize = errors.New("buffer: invalid size")

	// ErrClosed indicates use of a closed cache.
	ErrClosed = errors.New("buffer: cache closed")
)
