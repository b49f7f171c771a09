package physical

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/gpuvm/gpu/dirty"
	"github.com/joshuapare/gpuvm/internal/buf"
	"github.com/joshuapare/gpuvm/internal/logger"
	"github.com/joshuapare/gpuvm/internal/mmfile"
)

// Memory is the flat physical store. Accesses to disjoint bytes may run
// concurrently; Close must not race with accesses.
type Memory struct {
	data   []byte
	unmap  func() error
	file   bool
	dirty  *dirty.Tracker
	closed atomic.Bool
	once   sync.Once

	trackedWrites   atomic.Uint64
	untrackedWrites atomic.Uint64
	reads           atomic.Uint64
}

// MemoryStats counts accesses.
type MemoryStats struct {
	Size            uint64
	FileBacked      bool
	TrackedWrites   uint64
	UntrackedWrites uint64
	Reads           uint64
	DirtyPages      uint64
}

// NewMemory maps physical memory as described by opts.
func NewMemory(opts Options) (*Memory, error) {
	if opts.Size == 0 || opts.Size > uint64(maxInt) {
		return nil, fmt.Errorf("%w: memory size %d", ErrInvalidSize, opts.Size)
	}

	var (
		data  []byte
		unmap func() error
		err   error
	)
	if opts.BackingFile != "" {
		data, unmap, err = mmfile.Create(opts.BackingFile, int(opts.Size))
	} else {
		data, unmap, err = mmfile.Anonymous(int(opts.Size), opts.HugePages)
	}
	if err != nil {
		return nil, fmt.Errorf("physical: map memory: %w", err)
	}

	logger.Debug("physical: memory mapped",
		"size", opts.Size, "file", opts.BackingFile, "hugePages", opts.HugePages)

	return &Memory{
		data:  data,
		unmap: unmap,
		file:  opts.BackingFile != "",
		dirty: dirty.NewTracker(opts.PageSize),
	}, nil
}

const maxInt = int(^uint(0) >> 1)

// Size returns the size of memory in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// Slice returns the bytes at [address, address+size) without copying.
func (m *Memory) Slice(address, size uint64) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	b, ok := buf.Slice(m.data, address, size)
	if !ok {
		return nil, fmt.Errorf("%w: [%#x, +%#x)", ErrOutOfRange, address, size)
	}
	return b, nil
}

// Read copies len(dst) bytes at address into dst.
func (m *Memory) Read(address uint64, dst []byte) error {
	src, err := m.Slice(address, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, src)
	m.reads.Add(1)
	return nil
}

// Write copies data to address and records the pages as CPU dirty.
func (m *Memory) Write(address uint64, data []byte) error {
	dst, err := m.Slice(address, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	m.dirty.Add(address, uint64(len(data)))
	m.trackedWrites.Add(1)
	return nil
}

// WriteUntracked copies data to address without recording it.
func (m *Memory) WriteUntracked(address uint64, data []byte) error {
	dst, err := m.Slice(address, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	m.untrackedWrites.Add(1)
	return nil
}

// DirtyRanges returns the page ranges written through Write since the last Sync.
func (m *Memory) DirtyRanges() []dirty.Range { return m.dirty.Ranges() }

// Sync writes CPU-dirty pages of a file-backed store to disk. For anonymous
// memory it only clears the dirty record.
func (m *Memory) Sync(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.file {
		m.dirty.Reset()
		return nil
	}
	if err := m.dirty.Flush(ctx, m.data); err != nil {
		return fmt.Errorf("physical: sync: %w", err)
	}
	return nil
}

// Stats returns access counters.
func (m *Memory) Stats() MemoryStats {
	var pages uint64
	for _, r := range m.dirty.Ranges() {
		pages += r.Len / m.dirty.PageSize()
	}
	return MemoryStats{
		Size:            m.Size(),
		FileBacked:      m.file,
		TrackedWrites:   m.trackedWrites.Load(),
		UntrackedWrites: m.untrackedWrites.Load(),
		Reads:           m.reads.Load(),
		DirtyPages:      pages,
	}
}

// Close syncs a file-backed store and unmaps memory. Safe to call twice.
func (m *Memory) Close() error {
	var err error
	m.once.Do(func() {
		if m.file {
			err = m.dirty.Flush(context.Background(), m.data)
		}
		m.closed.Store(true)
		if uerr := m.unmap(); err == nil {
			err = uerr
		}
	})
	return err
}
