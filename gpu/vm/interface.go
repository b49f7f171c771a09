package vm

// PhysicalMemory is the backing store translated addresses refer to.
type PhysicalMemory interface {
	Read(address uint64, dst []byte) error
	Write(address uint64, data []byte) error
	WriteUntracked(address uint64, data []byte) error
}

// Allocator provides page backing for demand paging.
type Allocator interface {
	Allocate(size uint64) (uint64, error)
	Free(address, size uint64) error
}
