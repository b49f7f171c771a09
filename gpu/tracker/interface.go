package tracker

// Timeline is the producer timeline trackers stamp writes with.
// Trackers only read it; they never advance it.
type Timeline interface {
	// CurrentSyncNumber returns the open generation.
	CurrentSyncNumber() uint64

	// WaitForSyncNumber blocks until generation n has completed.
	WaitForSyncNumber(n uint64)
}

// FlushFunc copies [address, address+size) of some storage back to guest
// memory. syncNumber is the generation the caller waited for.
type FlushFunc func(address, size, syncNumber uint64)

// Storage is the buffer storage a tracker describes.
type Storage interface {
	// Flush is the per-buffer flush callback.
	Flush(address, size, syncNumber uint64)

	// Retain keeps the storage alive while a migration may still read it.
	Retain()

	// Release undoes one Retain.
	Release()

	// Snapshot captures the current storage contents and returns a flush and
	// dispose pair operating on the capture.
	Snapshot() (flush FlushFunc, dispose func())
}
