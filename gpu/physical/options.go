package physical

// Options configures Memory and its Allocator.
type Options struct {
	// Size is the size of physical memory in bytes.
	Size uint64

	// BackingFile maps memory onto a file instead of anonymous memory.
	// The file is created or resized to Size.
	BackingFile string

	// HugePages advises the kernel to back anonymous memory with huge pages.
	HugePages bool

	// PageSize is the granularity of the allocator and the dirty tracker.
	PageSize uint64

	// AllocatorBase is the first address the allocator hands out. Memory
	// below it is left to explicit Map calls.
	AllocatorBase uint64
}

// DefaultOptions returns 64 MiB of anonymous memory with 4 KiB pages, the
// upper half given to the allocator.
func DefaultOptions() Options {
	return Options{
		Size:          64 << 20,
		PageSize:      4096,
		AllocatorBase: 32 << 20,
	}
}
