// Package buffer implements GPU buffers backed by host storage and the cache
// that owns them.
//
// A Buffer shadows the guest range [Address, Address+Size). The GPU path
// writes the host storage and records the write in the buffer's
// tracker.Tracker. The flush path copies tracked ranges back to guest memory
// once the producer timeline completed them.
//
// Cache indexes buffers by address. Creating a buffer that overlaps existing
// ones builds a union buffer that inherits their modified ranges; flushes of
// generations before the merge keep reading the old storage until the
// migration is disposed by CheckMigrations.
package buffer
