//go:build unix

package mmfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Anonymous maps size bytes of zeroed, private, read-write memory.
// When hugePages is set the kernel is advised to back the range with huge pages
// (best-effort, Linux only).
func Anonymous(size int, hugePages bool) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("mmfile: invalid mapping size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmfile: anonymous mmap failed: %w", err)
	}
	if hugePages {
		adviseHugePages(data)
	}
	return data, unmapper(data, nil), nil
}

// Create maps the file at path read-write and shared, creating it or resizing
// it to exactly size bytes first. Existing contents within size are kept.
func Create(path string, size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("mmfile: invalid mapping size %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("mmfile: resize %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("mmfile: mmap %s: %w", path, err)
	}
	return data, unmapper(data, f), nil
}

// Sync flushes a sub-slice of a file mapping to disk.
// Anonymous mappings are accepted and ignored by the kernel.
func Sync(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Msync(data, unix.MS_SYNC)
}

func unmapper(data []byte, f *os.File) func() error {
	return func() error {
		var err error
		if data != nil {
			err = unix.Munmap(data)
			if errors.Is(err, unix.EINVAL) {
				// Treat double-unmap as no-op for callers.
				err = nil
			}
			data = nil
		}
		if f != nil {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			f = nil
		}
		return err
	}
}
