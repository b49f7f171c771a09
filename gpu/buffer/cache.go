package buffer

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/gpuvm/gpu/dirty"
	"github.com/joshuapare/gpuvm/gpu/rangeindex"
	"github.com/joshuapare/gpuvm/gpu/tracker"
	"github.com/joshuapare/gpuvm/gpu/vm"
	"github.com/joshuapare/gpuvm/internal/buf"
	"github.com/joshuapare/gpuvm/internal/logger"
)

// Timeline is the producer timeline the cache stamps and retires with.
type Timeline interface {
	tracker.Timeline

	// Completed returns the highest finished generation.
	Completed() uint64
}

// Stats counts cache activity.
type Stats struct {
	Buffers           int
	Created           uint64
	Merged            uint64
	Migrations        int
	MigrationsRetired uint64
	RegionRebuilds    uint64
}

// Cache owns the buffers of one address space.
type Cache struct {
	space *vm.AddressSpace
	phys  vm.PhysicalMemory
	tl    Timeline
	opts  Options

	mu         sync.Mutex
	buffers    *rangeindex.List[*Buffer]
	migrations []*tracker.Migration
	closed     bool
	stats      Stats

	// rearm holds inherited ranges whose writes predate the merge that
	// carried them over, so CPU-side tracking can be armed for them again.
	rearm *dirty.Tracker

	unsubscribe func()
}

// NewCache creates a cache over space. phys must be the memory space
// translates to.
func NewCache(space *vm.AddressSpace, phys vm.PhysicalMemory, tl Timeline, opts Options) *Cache {
	if opts.Alignment == 0 || opts.Alignment&(opts.Alignment-1) != 0 {
		panic("buffer: alignment must be a power of two")
	}
	c := &Cache{
		space:   space,
		phys:    phys,
		tl:      tl,
		opts:    opts,
		buffers: rangeindex.NewList[*Buffer](16),
		rearm:   dirty.NewTracker(space.PageSize()),
	}
	c.unsubscribe = space.Subscribe(c.onUnmap)
	return c
}

// CreateBuffer returns a buffer covering [address, address+size). An
// existing buffer that already covers the range is returned as is. Otherwise
// a new buffer spanning the range and every buffer it overlaps is created,
// inheriting their storage and modified ranges.
func (c *Cache) CreateBuffer(address, size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero size at %#x", ErrInvalidSize, address)
	}
	start := buf.AlignDown(address, c.opts.Alignment)
	rawEnd, ok := buf.End(address, size)
	if !ok {
		return nil, fmt.Errorf("%w: [%#x, +%#x)", ErrInvalidSize, address, size)
	}
	end, ok := buf.AlignUp(rawEnd, c.opts.Alignment)
	if !ok {
		return nil, fmt.Errorf("%w: [%#x, +%#x)", ErrInvalidSize, address, size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	overlaps := slices.Clone(c.buffers.FindOverlaps(start, end-start))
	if len(overlaps) == 1 && overlaps[0].Address <= start && overlaps[0].End() >= end {
		return overlaps[0].Value, nil
	}
	if len(overlaps) > 0 {
		start = min(start, overlaps[0].Address)
		end = max(end, overlaps[len(overlaps)-1].End())
	}

	b := newBuffer(start, end-start, c.space, c.phys, c.tl)
	if err := b.load(start, end-start); err != nil {
		return nil, err
	}

	for _, o := range overlaps {
		old := o.Value
		b.copyFrom(old)
		m := b.tracker.InheritRanges(old.tracker, c.rearm.Add)
		if !slices.Contains(c.migrations, m) {
			c.migrations = append(c.migrations, m)
		}
		c.buffers.Remove(o)
		old.Release()
		c.stats.Merged++
	}
	c.buffers.Add(&rangeindex.Entry[*Buffer]{Address: b.address, Size: b.size, Value: b})
	c.stats.Created++

	logger.Debug("buffer: created", "address", b.address, "size", b.size, "merged", len(overlaps))
	return b, nil
}

// ReplaceStorage moves b onto fresh storage. Flushes of earlier generations
// read a snapshot until the migration is retired.
func (c *Cache) ReplaceStorage(b *Buffer) {
	m := b.replaceStorage()
	c.mu.Lock()
	c.migrations = append(c.migrations, m)
	c.mu.Unlock()
}

// Find returns the buffer containing address.
func (c *Cache) Find(address uint64) (*Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.buffers.FindOverlap(address, 1)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Buffers returns every buffer in address order.
func (c *Cache) Buffers() []*Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Buffer, 0, c.buffers.Len())
	for e := range c.buffers.All() {
		out = append(out, e.Value)
	}
	return out
}

// FlushAll waits for and flushes the completed GPU writes of every buffer.
func (c *Cache) FlushAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.opts.FlushConcurrency, 1))
	for _, b := range c.Buffers() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b.tracker.WaitForAndFlushRanges(b.address, b.size)
			return nil
		})
	}
	return g.Wait()
}

// CheckMigrations disposes migrations whose copy completed and returns how
// many were retired.
func (c *Cache) CheckMigrations() int {
	completed := c.tl.Completed()

	c.mu.Lock()
	var done []*tracker.Migration
	c.migrations = slices.DeleteFunc(c.migrations, func(m *tracker.Migration) bool {
		if m.IsComplete(completed) {
			done = append(done, m)
			return true
		}
		return false
	})
	c.stats.MigrationsRetired += uint64(len(done))
	c.mu.Unlock()

	for _, m := range done {
		m.Dispose()
	}
	return len(done)
}

// TakeRearmed returns the guest pages inherited with writes from generations
// before their merge, and forgets them.
func (c *Cache) TakeRearmed() []dirty.Range { return c.rearm.TakeRanges() }

// onUnmap drops the cached translations of buffers in the event range and
// rebuilds them once the page table changed.
func (c *Cache) onUnmap(e *vm.UnmapEvent) {
	c.mu.Lock()
	affected := make([]*Buffer, 0, 4)
	for _, o := range c.buffers.FindOverlaps(e.Address, e.Size) {
		affected = append(affected, o.Value)
	}
	c.mu.Unlock()
	if len(affected) == 0 {
		return
	}

	for _, b := range affected {
		b.beginRemap()
	}
	e.QueueRemap(func() {
		rebuilt := 0
		for _, b := range affected {
			b.endRemap()
			if _, ok := b.physicalRegions(); ok {
				rebuilt++
			}
		}
		c.mu.Lock()
		c.stats.RegionRebuilds += uint64(rebuilt)
		c.mu.Unlock()
	})
}

// Stats returns cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Buffers = c.buffers.Len()
	s.Migrations = len(c.migrations)
	return s
}

// Close detaches the cache from the address space and releases every buffer.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	buffers := c.buffers.Entries()
	c.buffers.Clear()
	c.mu.Unlock()

	c.unsubscribe()
	for _, e := range buffers {
		e.Value.Release()
	}
}
