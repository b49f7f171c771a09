package buffer

// Options configures a Cache.
type Options struct {
	// Alignment buffers are widened to. Must be a power of two.
	Alignment uint64

	// FlushConcurrency bounds the goroutines used by FlushAll.
	FlushConcurrency int
}

// DefaultOptions returns page-aligned buffers flushed by up to four goroutines.
func DefaultOptions() Options {
	return Options{
		Alignment:        0x1000,
		FlushConcurrency: 4,
	}
}
