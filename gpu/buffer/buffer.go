package buffer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/gpuvm/gpu/tracker"
	"github.com/joshuapare/gpuvm/gpu/vm"
	"github.com/joshuapare/gpuvm/internal/buf"
	"github.com/joshuapare/gpuvm/internal/logger"
)

// Buffer is a GPU buffer shadowing guest memory. It implements
// tracker.Storage.
type Buffer struct {
	address uint64
	size    uint64
	space   *vm.AddressSpace
	phys    vm.PhysicalMemory
	tracker *tracker.Tracker

	mu      sync.RWMutex
	storage []byte

	regionsMu    sync.Mutex
	regions      []vm.Region
	regionsValid bool
	remapping    int // announced remaps not yet applied; nothing is cached meanwhile

	refs    atomic.Int32
	flushes atomic.Uint64
}

func newBuffer(address, size uint64, space *vm.AddressSpace, phys vm.PhysicalMemory, tl tracker.Timeline) *Buffer {
	b := &Buffer{
		address: address,
		size:    size,
		space:   space,
		phys:    phys,
		storage: make([]byte, size),
	}
	b.refs.Store(1)
	b.tracker = tracker.New(address, size, tl, b)
	return b
}

// Address returns the guest address of the buffer.
func (b *Buffer) Address() uint64 { return b.address }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// End returns the exclusive end address.
func (b *Buffer) End() uint64 { return b.address + b.size }

// Tracker returns the buffer's modified-range tracker.
func (b *Buffer) Tracker() *tracker.Tracker { return b.tracker }

// Refs returns the reference count.
func (b *Buffer) Refs() int32 { return b.refs.Load() }

// Flushes returns how many flush callbacks ran against this storage.
func (b *Buffer) Flushes() uint64 { return b.flushes.Load() }

func (b *Buffer) offset(address, n uint64) (uint64, error) {
	end, ok := buf.End(address, n)
	if !ok || address < b.address || end > b.End() {
		return 0, fmt.Errorf("%w: [%#x, +%#x) outside [%#x, %#x)", ErrOutOfBounds, address, n, b.address, b.End())
	}
	return address - b.address, nil
}

// GPUWrite writes data into the storage at guest address and records it as
// modified at the current sync number.
func (b *Buffer) GPUWrite(address uint64, data []byte) error {
	off, err := b.offset(address, uint64(len(data)))
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.storage == nil {
		b.mu.Unlock()
		return ErrReleased
	}
	copy(b.storage[off:], data)
	b.mu.Unlock()

	b.tracker.SignalModified(address, uint64(len(data)))
	return nil
}

// GPURead copies storage at guest address into dst.
func (b *Buffer) GPURead(address uint64, dst []byte) error {
	off, err := b.offset(address, uint64(len(dst)))
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.storage == nil {
		return ErrReleased
	}
	copy(dst, b.storage[off:])
	return nil
}

// Flush copies [address, address+size) of the storage to guest memory.
func (b *Buffer) Flush(address, size, syncNumber uint64) {
	off, err := b.offset(address, size)
	if err != nil {
		logger.Warn("buffer: flush outside buffer", "buffer", b.address, "err", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.storage == nil {
		return
	}
	b.writeGuest(address, b.storage[off:off+size], syncNumber)
}

// writeGuest writes data to the guest range at address, using the cached
// physical regions when the buffer is fully mapped.
func (b *Buffer) writeGuest(address uint64, data []byte, syncNumber uint64) {
	b.flushes.Add(1)

	regions, ok := b.physicalRegions()
	if !ok {
		if err := b.space.WriteUntracked(address, data); err != nil {
			logger.Warn("buffer: flush to unmapped guest memory",
				"address", address, "size", len(data), "sync", syncNumber, "err", err)
		}
		return
	}

	skip := address - b.address
	written := uint64(0)
	for _, r := range regions {
		if written == uint64(len(data)) {
			break
		}
		if skip >= r.Size {
			skip -= r.Size
			continue
		}
		n := min(r.Size-skip, uint64(len(data))-written)
		if err := b.phys.WriteUntracked(r.Address+skip, data[written:written+n]); err != nil {
			logger.Warn("buffer: flush write", "pa", r.Address+skip, "err", err)
			return
		}
		written += n
		skip = 0
	}
}

// physicalRegions returns the cached translation of the whole buffer,
// rebuilding it if it was invalidated. While a remap is pending the
// translation is computed but not cached, since the table is about to change.
func (b *Buffer) physicalRegions() ([]vm.Region, bool) {
	b.regionsMu.Lock()
	defer b.regionsMu.Unlock()
	if b.regionsValid {
		return b.regions, true
	}
	regions, ok := b.space.PhysicalRegions(b.address, b.size)
	if !ok {
		return nil, false
	}
	if b.remapping == 0 {
		b.regions, b.regionsValid = regions, true
	}
	return regions, true
}

// PhysicalRegions returns the physical runs backing the buffer.
func (b *Buffer) PhysicalRegions() ([]vm.Region, bool) {
	regions, ok := b.physicalRegions()
	if !ok {
		return nil, false
	}
	return append([]vm.Region(nil), regions...), true
}

// beginRemap drops the cached translation and stops caching until the
// matching endRemap.
func (b *Buffer) beginRemap() {
	b.regionsMu.Lock()
	b.remapping++
	b.regions, b.regionsValid = nil, false
	b.regionsMu.Unlock()
}

// endRemap runs after the page table changed. Anything cached since
// beginRemap is discarded.
func (b *Buffer) endRemap() {
	b.regionsMu.Lock()
	b.remapping--
	b.regions, b.regionsValid = nil, false
	b.regionsMu.Unlock()
}

// SynchronizeMemory reloads [address, address+size) from guest memory,
// skipping ranges the GPU modified. Unmapped guest pages are left as they are.
func (b *Buffer) SynchronizeMemory(address, size uint64) error {
	if _, err := b.offset(address, size); err != nil {
		return err
	}

	var firstErr error
	b.tracker.ExcludeModifiedRegions(address, size, func(a, n uint64) {
		if err := b.load(a, n); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// load copies guest memory into storage page by page.
func (b *Buffer) load(address, size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.storage == nil {
		return ErrReleased
	}

	ps := b.space.PageSize()
	end := address + size
	for cur := address; cur < end; {
		n := min(end, buf.AlignDown(cur, ps)+ps) - cur
		dst := b.storage[cur-b.address : cur-b.address+n]
		if err := b.space.Read(cur, dst); err != nil && !errors.Is(err, vm.ErrUnmapped) {
			return err
		}
		cur += n
	}
	return nil
}

// ReadBack flushes completed GPU writes in the range and then reads guest
// memory. It may block on the producer timeline.
func (b *Buffer) ReadBack(address uint64, dst []byte) error {
	if _, err := b.offset(address, uint64(len(dst))); err != nil {
		return err
	}
	b.tracker.WaitForAndFlushRanges(address, uint64(len(dst)))
	return b.space.Read(address, dst)
}

// Retain adds a reference to the storage.
func (b *Buffer) Retain() { b.refs.Add(1) }

// Release drops a reference. The storage is freed when the last one goes.
func (b *Buffer) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		b.mu.Lock()
		b.storage = nil
		b.mu.Unlock()
		logger.Debug("buffer: storage released", "buffer", b.address, "size", b.size)
	case n < 0:
		panic("buffer: release of released buffer")
	}
}

// Snapshot copies the storage and returns a flush and dispose pair working
// on the copy.
func (b *Buffer) Snapshot() (tracker.FlushFunc, func()) {
	b.mu.RLock()
	snap := append([]byte(nil), b.storage...)
	b.mu.RUnlock()

	var mu sync.Mutex
	flush := func(address, size, syncNumber uint64) {
		off, err := b.offset(address, size)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if snap == nil || off+size > uint64(len(snap)) {
			return
		}
		b.writeGuest(address, snap[off:off+size], syncNumber)
	}
	dispose := func() {
		mu.Lock()
		snap = nil
		mu.Unlock()
	}
	return flush, dispose
}

// replaceStorage moves the buffer onto fresh storage with the same contents.
// Flushes of earlier generations keep reading the snapshot.
func (b *Buffer) replaceStorage() *tracker.Migration {
	m := b.tracker.SelfMigration()

	b.mu.Lock()
	if b.storage != nil {
		b.storage = append(make([]byte, 0, b.size), b.storage...)
	}
	b.mu.Unlock()
	return m
}

// copyFrom copies old's storage into b at old's address.
func (b *Buffer) copyFrom(old *Buffer) {
	old.mu.RLock()
	defer old.mu.RUnlock()
	if old.storage == nil {
		return
	}
	b.mu.Lock()
	copy(b.storage[old.address-b.address:], old.storage)
	b.mu.Unlock()
}
