/*
Package gpuvm wires the GPU memory core into one ready-to-use context:
physical memory, the demand-paging allocator, the producer timeline, the
virtual address space and the buffer cache.

# Quick Start

	ctx, err := gpuvm.Open(gpuvm.DefaultOptions())
	if err != nil {
	    log.Fatal(err)
	}
	defer ctx.Close()

	as := ctx.Space()
	_ = as.Map(0x100000, 0x1000_0000, 0x10000, pagetable.KindPitch)

	b, _ := ctx.Buffers().CreateBuffer(0x1000_0000, 0x4000)
	_ = b.GPUWrite(0x1000_0000, []byte("rendered"))

	ctx.Timeline().Advance()         // seal the generation
	_ = ctx.Buffers().FlushAll(bg)   // write it back to guest memory

# Timeline

With Options.AutoComplete the timeline completes every generation as soon as
it is sealed, which suits tools and tests. Without it the embedder reports
completion with Timeline().Complete.
*/
package gpuvm
