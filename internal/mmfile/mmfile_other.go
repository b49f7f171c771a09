//go:build !unix

package mmfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Anonymous allocates size zeroed bytes on the heap when mmap is not available.
func Anonymous(size int, _ bool) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("mmfile: invalid mapping size %d", size)
	}
	return make([]byte, size), func() error { return nil }, nil
}

// Create loads the file at path into a heap slice of exactly size bytes.
// The returned cleanup writes the slice back to the file.
func Create(path string, size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("mmfile: invalid mapping size %d", size)
	}
	data := make([]byte, size)
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}
	copy(data, existing)
	cleanup := func() error {
		if data == nil {
			return nil
		}
		err := os.WriteFile(path, data, 0o644)
		data = nil
		return err
	}
	return data, cleanup, nil
}

// Sync is a no-op without mmap; file contents are written on cleanup.
func Sync([]byte) error { return nil }
