// Package tracker records which byte ranges of a GPU buffer were written by the
// accelerated path, and flushes them back to guest memory once the producer
// timeline guarantees the writes completed.
//
// # Overview
//
// Every write is stamped with the producer's current sync number. Ranges in
// one Tracker never overlap: a new write trims or replaces whatever it covers,
// and the uncovered remainders keep their original sync numbers.
//
//	t := tracker.New(buf.Address, buf.Size, timeline, buf)
//	t.SignalModified(0x1000, 0x100)         // GPU wrote 256 bytes
//	...
//	t.WaitForAndFlushRanges(0x1000, 0x1000) // CPU wants to read the page
//
// WaitForAndFlushRanges never flushes writes stamped with the current (open)
// sync number: the producer has not promised them visible yet. It waits for the
// most recent sealed generation touching the query, then removes and flushes
// every range at or before it.
//
// # Migrations
//
// When buffer storage is replaced (a buffer grows into a bigger one, or its
// storage is defragmented in place), the GPU copy from old to new storage is
// itself asynchronous. A Migration remembers the old storage so that flushes
// waiting on a sync number older than the copy read from the old storage.
//
//	m := bigger.InheritRanges(small, rearmCPUTracking)
//	// small's flushes are now redirected to bigger
//	...
//	if m.IsComplete(timeline.Completed()) {
//	    m.Dispose() // releases small's storage
//	}
//
// # Thread Safety
//
// Tracker is safe for concurrent use. Queries take its read lock, mutations
// its write lock. WaitForAndFlushRanges is the only blocking call and must
// only be used from a flush goroutine.
package tracker
