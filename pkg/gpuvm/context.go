package gpuvm

import (
	"context"
	"fmt"

	"github.com/joshuapare/gpuvm/gpu/buffer"
	"github.com/joshuapare/gpuvm/gpu/physical"
	"github.com/joshuapare/gpuvm/gpu/timeline"
	"github.com/joshuapare/gpuvm/gpu/vm"
	"github.com/joshuapare/gpuvm/internal/logger"
)

// Context is one emulated GPU memory system.
type Context struct {
	mem   *physical.Memory
	alloc *physical.Allocator
	tl    *timeline.Timeline
	space *vm.AddressSpace
	cache *buffer.Cache
}

// Stats aggregates the counters of every component.
type Stats struct {
	Memory    physical.MemoryStats
	Allocator physical.AllocatorStats
	Timeline  timeline.Stats
	Space     vm.Stats
	Buffers   buffer.Stats
}

// Open creates a context as described by opts.
func Open(opts Options) (*Context, error) {
	if opts.Buffer.Alignment == 0 {
		opts.Buffer.Alignment = opts.Physical.PageSize
	}
	if err := opts.VM.Geometry.Validate(); err != nil {
		return nil, fmt.Errorf("gpuvm: %w", err)
	}

	mem, err := physical.NewMemory(opts.Physical)
	if err != nil {
		return nil, err
	}
	alloc, err := physical.NewAllocatorFor(mem, opts.Physical)
	if err != nil {
		_ = mem.Close()
		return nil, err
	}

	var tlOpts []timeline.Option
	if opts.AutoComplete {
		tlOpts = append(tlOpts, timeline.WithAutoComplete())
	}
	tl := timeline.New(tlOpts...)
	space := vm.New(mem, alloc, opts.VM)

	logger.Info("gpuvm: context opened",
		"memory", opts.Physical.Size, "addressBits", space.AddressBits(), "file", opts.Physical.BackingFile)

	return &Context{
		mem:   mem,
		alloc: alloc,
		tl:    tl,
		space: space,
		cache: buffer.NewCache(space, mem, tl, opts.Buffer),
	}, nil
}

// Memory returns the physical memory.
func (c *Context) Memory() *physical.Memory { return c.mem }

// Allocator returns the demand-paging allocator.
func (c *Context) Allocator() *physical.Allocator { return c.alloc }

// Timeline returns the producer timeline.
func (c *Context) Timeline() *timeline.Timeline { return c.tl }

// Space returns the virtual address space.
func (c *Context) Space() *vm.AddressSpace { return c.space }

// Buffers returns the buffer cache.
func (c *Context) Buffers() *buffer.Cache { return c.cache }

// Sync flushes every completed GPU write, retires finished migrations and
// writes CPU-dirty pages of a file-backed store to disk.
func (c *Context) Sync(ctx context.Context) error {
	if err := c.cache.FlushAll(ctx); err != nil {
		return err
	}
	c.cache.CheckMigrations()
	return c.mem.Sync(ctx)
}

// Stats returns a snapshot of every component's counters.
func (c *Context) Stats() Stats {
	return Stats{
		Memory:    c.mem.Stats(),
		Allocator: c.alloc.Stats(),
		Timeline:  c.tl.Stats(),
		Space:     c.space.Stats(),
		Buffers:   c.cache.Stats(),
	}
}

// Close releases the buffer cache and unmaps physical memory.
func (c *Context) Close() error {
	c.cache.Close()
	return c.mem.Close()
}
