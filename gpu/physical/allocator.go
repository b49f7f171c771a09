package physical

import (
	"fmt"
	"sync"

	"github.com/joshuapare/gpuvm/internal/buf"
	"github.com/joshuapare/gpuvm/internal/logger"
)

// Allocator is a page-granular allocator over [base, base+size).
//
// Fresh blocks come from a bump pointer. Freed blocks go on a free list per
// size and are reused before the bump pointer advances. A freed block at the
// top of the window moves the bump pointer back instead.
type Allocator struct {
	mu       sync.Mutex
	base     uint64
	end      uint64
	pageSize uint64
	next     uint64
	free     map[uint64][]uint64 // size -> addresses
	live     map[uint64]uint64   // address -> size

	stats AllocatorStats
}

// AllocatorStats counts allocator activity.
type AllocatorStats struct {
	Base      uint64
	Size      uint64
	InUse     uint64
	Peak      uint64
	FreeBytes uint64
	Allocs    uint64
	Frees     uint64
	Reused    uint64
	Failures  uint64
}

// NewAllocator creates an allocator over [base, base+size) with the given
// page size. base and size must be page aligned.
func NewAllocator(base, size, pageSize uint64) (*Allocator, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("%w: page size %d", ErrInvalidSize, pageSize)
	}
	if !buf.IsAligned(base, pageSize) || !buf.IsAligned(size, pageSize) {
		return nil, fmt.Errorf("%w: window [%#x, +%#x)", ErrUnaligned, base, size)
	}
	end, ok := buf.End(base, size)
	if !ok || size == 0 {
		return nil, fmt.Errorf("%w: window [%#x, +%#x)", ErrInvalidSize, base, size)
	}
	return &Allocator{
		base:     base,
		end:      end,
		pageSize: pageSize,
		next:     base,
		free:     make(map[uint64][]uint64),
		live:     make(map[uint64]uint64),
		stats:    AllocatorStats{Base: base, Size: size},
	}, nil
}

// NewAllocatorFor creates the allocator described by opts for mem.
func NewAllocatorFor(mem *Memory, opts Options) (*Allocator, error) {
	if opts.AllocatorBase >= mem.Size() {
		return nil, fmt.Errorf("%w: allocator base %#x beyond memory", ErrInvalidSize, opts.AllocatorBase)
	}
	return NewAllocator(opts.AllocatorBase, mem.Size()-opts.AllocatorBase, opts.PageSize)
}

// PageSize returns the allocation granularity.
func (a *Allocator) PageSize() uint64 { return a.pageSize }

// Allocate returns the address of a fresh page-aligned block of at least size
// bytes.
func (a *Allocator) Allocate(size uint64) (uint64, error) {
	need, ok := buf.AlignUp(size, a.pageSize)
	if !ok || size == 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if list := a.free[need]; len(list) > 0 {
		addr := list[len(list)-1]
		a.free[need] = list[:len(list)-1]
		a.stats.FreeBytes -= need
		a.stats.Reused++
		a.markLive(addr, need)
		return addr, nil
	}

	if a.end-a.next < need {
		a.stats.Failures++
		logger.Warn("physical: allocator exhausted", "need", need, "inUse", a.stats.InUse)
		return 0, fmt.Errorf("%w: need %#x bytes", ErrNoSpace, need)
	}
	addr := a.next
	a.next += need
	a.markLive(addr, need)
	return addr, nil
}

func (a *Allocator) markLive(addr, size uint64) {
	a.live[addr] = size
	a.stats.Allocs++
	a.stats.InUse += size
	a.stats.Peak = max(a.stats.Peak, a.stats.InUse)
}

// Free returns a block obtained from Allocate. size must match the requested
// size up to page rounding.
func (a *Allocator) Free(address, size uint64) error {
	if !buf.IsAligned(address, a.pageSize) {
		return fmt.Errorf("%w: %#x", ErrUnaligned, address)
	}
	need, ok := buf.AlignUp(size, a.pageSize)
	if !ok || size == 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	got, live := a.live[address]
	if !live || got != need {
		return fmt.Errorf("%w: [%#x, +%#x)", ErrBadRef, address, size)
	}
	delete(a.live, address)
	a.stats.Frees++
	a.stats.InUse -= need

	if address+need == a.next {
		a.next = address
		return nil
	}
	a.free[need] = append(a.free[need], address)
	a.stats.FreeBytes += need
	return nil
}

// Owns reports whether address lies in the allocator window.
func (a *Allocator) Owns(address uint64) bool {
	return address >= a.base && address < a.end
}

// Stats returns allocator counters.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
