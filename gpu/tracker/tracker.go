package tracker

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/joshuapare/gpuvm/gpu/rangeindex"
	"github.com/joshuapare/gpuvm/internal/buf"
	"github.com/joshuapare/gpuvm/internal/logger"
	"github.com/joshuapare/gpuvm/internal/rwlock"
)

// defaultRangeCapacity is the pre-allocated capacity for modified ranges.
const defaultRangeCapacity = 16

// ID is an opaque tracker identity carried by ranges in place of a pointer
// back to their owner.
type ID uint64

var lastID atomic.Uint64

// ModifiedRange is a range written by the accelerated path.
type ModifiedRange struct {
	Address    uint64
	Size       uint64
	SyncNumber uint64 // producer generation of the write
	Owner      ID     // tracker holding the range
}

// End returns the exclusive end address of the range.
func (r ModifiedRange) End() uint64 { return r.Address + r.Size }

func (r ModifiedRange) String() string {
	return fmt.Sprintf("[%#x, %#x)@%d", r.Address, r.End(), r.SyncNumber)
}

type stamp struct {
	syncNumber uint64
	owner      ID
}

// Stats counts tracker activity.
type Stats struct {
	Ranges       int
	Signals      uint64
	Flushes      uint64
	FlushedBytes uint64
	Waits        uint64
}

// Tracker is the modified-range list of one buffer.
type Tracker struct {
	mu       rwlock.RWMutex
	id       ID
	address  uint64
	size     uint64
	timeline Timeline
	storage  Storage
	ranges   *rangeindex.List[stamp]

	// source routes flushes through storage generations still being copied.
	source *Migration

	// target is the tracker that inherited this one's ranges. It only moves
	// when the target itself is inherited, so redirection stays one hop.
	target atomic.Pointer[Tracker]

	// redirected lists the trackers whose target is t.
	redirected []*Tracker

	signals      atomic.Uint64
	flushes      atomic.Uint64
	flushedBytes atomic.Uint64
	waits        atomic.Uint64
}

// New creates a tracker for the buffer [address, address+size).
func New(address, size uint64, timeline Timeline, storage Storage) *Tracker {
	if timeline == nil || storage == nil {
		panic("tracker: nil timeline or storage")
	}
	return &Tracker{
		id:       ID(lastID.Add(1)),
		address:  address,
		size:     size,
		timeline: timeline,
		storage:  storage,
		ranges:   rangeindex.NewList[stamp](defaultRangeCapacity),
	}
}

// ID returns the tracker identity stamped on its ranges.
func (t *Tracker) ID() ID { return t.id }

// Address returns the start of the tracked buffer.
func (t *Tracker) Address() uint64 { return t.address }

// Size returns the size of the tracked buffer.
func (t *Tracker) Size() uint64 { return t.size }

// Target returns the tracker that inherited this one, or nil.
func (t *Tracker) Target() *Tracker { return t.target.Load() }

// Source returns the active migration, or nil.
func (t *Tracker) Source() *Migration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.source
}

// SignalModified records a write of [address, address+size) at the current
// sync number.
func (t *Tracker) SignalModified(address, size uint64) {
	if _, ok := validQuery(address, size); !ok {
		return
	}
	syncNumber := t.timeline.CurrentSyncNumber()

	t.mu.Lock()
	t.signalLocked(address, size, syncNumber)
	t.mu.Unlock()

	t.signals.Add(1)
}

// signalLocked inserts [address, address+size)@syncNumber, trimming whatever
// it overlaps. Remainders outside the new range keep their stamps.
func (t *Tracker) signalLocked(address, size, syncNumber uint64) {
	end := address + size
	overlaps := t.ranges.FindOverlaps(address, size)

	if len(overlaps) == 1 && overlaps[0].Address == address && overlaps[0].Size == size {
		overlaps[0].Value = stamp{syncNumber: syncNumber, owner: t.id}
		return
	}

	if len(overlaps) > 0 {
		overlaps = slices.Clone(overlaps)
		first, last := overlaps[0], overlaps[len(overlaps)-1]
		for _, o := range overlaps {
			t.ranges.Remove(o)
		}
		if first.Address < address {
			t.addLocked(first.Address, address-first.Address, first.Value.syncNumber)
		}
		if last.End() > end {
			t.addLocked(end, last.End()-end, last.Value.syncNumber)
		}
	}
	t.addLocked(address, size, syncNumber)
}

func (t *Tracker) addLocked(address, size, syncNumber uint64) {
	t.ranges.Add(&rangeindex.Entry[stamp]{
		Address: address,
		Size:    size,
		Value:   stamp{syncNumber: syncNumber, owner: t.id},
	})
}

// ExcludeModifiedRegions calls fn for every sub-range of [address,
// address+size) not covered by a modified range, in ascending order. fn runs
// after the tracker lock is released and may call back into the tracker.
func (t *Tracker) ExcludeModifiedRegions(address, size uint64, fn func(address, size uint64)) {
	end, ok := validQuery(address, size)
	if !ok {
		return
	}

	type gap struct{ address, size uint64 }
	var gaps []gap
	cursor := address

	t.mu.RLock()
	for _, o := range t.ranges.FindOverlaps(address, size) {
		if o.Address > cursor {
			gaps = append(gaps, gap{cursor, o.Address - cursor})
		}
		cursor = max(cursor, o.End())
	}
	t.mu.RUnlock()

	if cursor < end {
		gaps = append(gaps, gap{cursor, end - cursor})
	}
	for _, g := range gaps {
		fn(g.address, g.size)
	}
}

// GetRanges returns the modified ranges intersecting [address,
// address+size), clipped to the query, in ascending order.
func (t *Tracker) GetRanges(address, size uint64) []ModifiedRange {
	return t.collect(address, size, func(stamp) bool { return true })
}

// GetRangesAtSync is GetRanges restricted to ranges stamped with syncNumber.
func (t *Tracker) GetRangesAtSync(address, size, syncNumber uint64) []ModifiedRange {
	return t.collect(address, size, func(s stamp) bool { return s.syncNumber == syncNumber })
}

func (t *Tracker) collect(address, size uint64, keep func(stamp) bool) []ModifiedRange {
	end, ok := validQuery(address, size)
	if !ok {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []ModifiedRange
	for _, o := range t.ranges.FindOverlaps(address, size) {
		if !keep(o.Value) {
			continue
		}
		start, stop, _ := buf.Intersect(o.Address, o.End(), address, end)
		out = append(out, ModifiedRange{
			Address:    start,
			Size:       stop - start,
			SyncNumber: o.Value.syncNumber,
			Owner:      o.Value.owner,
		})
	}
	return out
}

// HasRange reports whether any modified range intersects the query.
func (t *Tracker) HasRange(address, size uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ranges.FindOverlap(address, size)
	return ok
}

// Len returns the number of modified ranges.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ranges.Len()
}

// Ranges returns every modified range, unclipped, in ascending order.
func (t *Tracker) Ranges() []ModifiedRange {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []ModifiedRange {
	out := make([]ModifiedRange, 0, t.ranges.Len())
	for e := range t.ranges.All() {
		out = append(out, ModifiedRange{
			Address:    e.Address,
			Size:       e.Size,
			SyncNumber: e.Value.syncNumber,
			Owner:      e.Value.owner,
		})
	}
	return out
}

// WaitForAndFlushRanges flushes the modified ranges intersecting [address,
// address+size) whose writes belong to a sealed generation.
//
// It picks the most recent sealed generation among the overlapping ranges,
// blocks until the producer completes it, then removes (or trims to the query)
// every overlapping range at or before that generation and flushes it. When
// another tracker inherited this one, the whole operation runs there.
func (t *Tracker) WaitForAndFlushRanges(address, size uint64) {
	if _, ok := validQuery(address, size); !ok {
		return
	}
	if target := t.target.Load(); target != nil {
		target.waitForAndFlushOwn(address, size)
		return
	}
	t.waitForAndFlushOwn(address, size)
}

func (t *Tracker) waitForAndFlushOwn(address, size uint64) {
	currentSync := t.timeline.CurrentSyncNumber()

	found := false
	var highestDiff int64

	t.mu.RLock()
	for _, o := range t.ranges.FindOverlaps(address, size) {
		diff := int64(o.Value.syncNumber - currentSync)
		if diff < 0 && (!found || diff > highestDiff) {
			highestDiff = diff
			found = true
		}
	}
	t.mu.RUnlock()

	if !found {
		return
	}

	waitSync := currentSync + uint64(highestDiff)
	t.timeline.WaitForSyncNumber(waitSync)
	t.waits.Add(1)

	t.removeRangesAndFlush(address, size, currentSync, highestDiff, waitSync)
}

// removeRangesAndFlush runs flush callbacks under the write lock so that a
// concurrent flusher never sees a range gone before its data is in guest memory.
func (t *Tracker) removeRangesAndFlush(address, size, currentSync uint64, highestDiff int64, waitSync uint64) {
	end := address + size

	t.mu.Lock()
	defer t.mu.Unlock()

	overlaps := slices.Clone(t.ranges.FindOverlaps(address, size))
	for _, o := range overlaps {
		if int64(o.Value.syncNumber-currentSync) > highestDiff {
			continue
		}
		start, stop, _ := buf.Intersect(o.Address, o.End(), address, end)
		t.clearPartLocked(o, start, stop)
		t.rangeActionWithMigration(start, stop-start, waitSync, t.storage.Flush)

		t.flushes.Add(1)
		t.flushedBytes.Add(stop - start)
	}
}

// rangeActionWithMigration runs action directly, or through the migration
// chain while older storage generations may still hold the data.
func (t *Tracker) rangeActionWithMigration(address, size, syncNumber uint64, action FlushFunc) {
	if t.source != nil {
		t.source.RangeActionWithMigration(address, size, syncNumber, action)
		return
	}
	action(address, size, syncNumber)
}

// clearPartLocked removes o, keeping the parts outside [start, stop).
func (t *Tracker) clearPartLocked(o *rangeindex.Entry[stamp], start, stop uint64) {
	t.ranges.Remove(o)
	if o.Address < start {
		t.addLocked(o.Address, start-o.Address, o.Value.syncNumber)
	}
	if o.End() > stop {
		t.addLocked(stop, o.End()-stop, o.Value.syncNumber)
	}
}

// Clear drops the modified ranges in [address, address+size) without
// flushing them.
func (t *Tracker) Clear(address, size uint64) {
	end, ok := validQuery(address, size)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, o := range slices.Clone(t.ranges.FindOverlaps(address, size)) {
		start, stop, _ := buf.Intersect(o.Address, o.End(), address, end)
		t.clearPartLocked(o, start, stop)
	}
}

// ClearAll drops every modified range without flushing.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ranges.Clear()
}

// Stats returns tracker counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Ranges:       t.Len(),
		Signals:      t.signals.Load(),
		Flushes:      t.flushes.Load(),
		FlushedBytes: t.flushedBytes.Load(),
		Waits:        t.waits.Load(),
	}
}

// InheritRanges moves every range of old into t and makes t responsible for
// old's flushes. old's storage is retained until the returned migration is
// disposed. register is called, after t's lock is released, for each
// inherited range not stamped with the current sync number, so the caller can
// re-arm external dirty tracking for it.
//
// Trackers that were redirected to old are redirected to t instead.
// A tracker can be inherited once; inheriting it into a second tracker panics.
func (t *Tracker) InheritRanges(old *Tracker, register func(address, size uint64)) *Migration {
	if old == t {
		panic("tracker: tracker cannot inherit itself")
	}

	old.mu.Lock()
	if !old.target.CompareAndSwap(nil, t) && old.target.Load() != t {
		old.mu.Unlock()
		panic(fmt.Sprintf("tracker: %d already migrated to %d", old.id, old.target.Load().id))
	}
	inherited := old.snapshotLocked()
	old.ranges.Clear()
	oldSource := old.source
	forwarded := old.redirected
	old.redirected = nil
	old.mu.Unlock()

	forwarded = slices.DeleteFunc(forwarded, func(f *Tracker) bool {
		if f == t {
			// t takes its own ranges back and owns them again.
			f.target.Store(nil)
			return true
		}
		f.target.Store(t)
		return false
	})

	old.storage.Retain()
	span := Span{
		Address: old.address,
		Size:    old.size,
		Flush:   old.storage.Flush,
		Dispose: old.storage.Release,
		Source:  oldSource,
	}

	currentSync := t.timeline.CurrentSyncNumber()

	t.mu.Lock()
	m := t.source
	if m == nil || m.SyncNumber() != currentSync || !m.tryAddSpan(span) {
		m = newMigration([]Span{span}, t, currentSync, t.source)
		t.source = m
	}
	for _, r := range inherited {
		t.signalLocked(r.Address, r.Size, r.SyncNumber)
	}
	t.redirected = append(t.redirected, old)
	t.redirected = append(t.redirected, forwarded...)
	t.mu.Unlock()

	logger.Debug("tracker: inherited ranges",
		"from", old.id, "to", t.id, "ranges", len(inherited), "sync", currentSync)

	if register != nil {
		for _, r := range inherited {
			if r.SyncNumber != currentSync {
				register(r.Address, r.Size)
			}
		}
	}
	return m
}

// SelfMigration records that t's storage is being replaced in place. Flushes
// waiting on generations before the replacement read from a snapshot of the
// current storage.
func (t *Tracker) SelfMigration() *Migration {
	flush, dispose := t.storage.Snapshot()
	syncNumber := t.timeline.CurrentSyncNumber()

	t.mu.Lock()
	defer t.mu.Unlock()

	span := Span{
		Address: t.address,
		Size:    t.size,
		Flush:   flush,
		Dispose: dispose,
		Source:  t.source,
	}
	m := newMigration([]Span{span}, t, syncNumber, t.source)
	t.source = m

	logger.Debug("tracker: self migration", "tracker", t.id, "sync", syncNumber)
	return m
}

// RemoveMigration detaches m if it is the active migration. Older migrations
// it chains to that are still live become active again. Idempotent.
func (t *Tracker) RemoveMigration(m *Migration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.source == m {
		t.source = m.livePrevious()
	}
}

func validQuery(address, size uint64) (uint64, bool) {
	if size == 0 {
		return 0, false
	}
	return buf.End(address, size)
}
