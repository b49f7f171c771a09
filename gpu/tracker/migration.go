package tracker

import (
	"cmp"
	"slices"
	"sync"

	"github.com/joshuapare/gpuvm/internal/buf"
	"github.com/joshuapare/gpuvm/internal/logger"
)

// Span is one old storage region a migration may still read from.
type Span struct {
	Address uint64
	Size    uint64
	Flush   FlushFunc
	Dispose func()

	// Source is the migration that was active on the old storage, if any.
	Source *Migration
}

// End returns the exclusive end address of the span.
func (s Span) End() uint64 { return s.Address + s.Size }

func (s Span) rangeAction(address, size, syncNumber uint64) {
	if s.Source != nil {
		s.Source.RangeActionWithMigration(address, size, syncNumber, s.Flush)
		return
	}
	s.Flush(address, size, syncNumber)
}

// Migration records that a tracker's storage was replaced at a given sync
// number. Flushes waiting on an earlier generation read from the spans.
type Migration struct {
	mu          sync.RWMutex
	spans       []Span
	destination *Tracker
	syncNumber  uint64
	previous    *Migration
	disposed    bool
}

func newMigration(spans []Span, destination *Tracker, syncNumber uint64, previous *Migration) *Migration {
	return &Migration{
		spans:       spans,
		destination: destination,
		syncNumber:  syncNumber,
		previous:    previous,
	}
}

// SyncNumber returns the generation the migration was registered at.
func (m *Migration) SyncNumber() uint64 { return m.syncNumber }

// Destination returns the tracker that owns the migration.
func (m *Migration) Destination() *Tracker { return m.destination }

// Spans returns a copy of the migration's spans.
func (m *Migration) Spans() []Span {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.spans)
}

// AddSpanToEnd appends another old storage region. Adding to a disposed
// migration panics.
func (m *Migration) AddSpanToEnd(s Span) {
	if !m.tryAddSpan(s) {
		panic("tracker: adding span to disposed migration")
	}
}

func (m *Migration) tryAddSpan(s Span) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return false
	}
	m.spans = append(m.spans, s)
	return true
}

// IsComplete reports whether the copy out of the old storage finished, given
// the highest completed sync number.
func (m *Migration) IsComplete(completedSync uint64) bool {
	return int64(completedSync-m.syncNumber) >= 0
}

// IsDisposed reports whether Dispose ran.
func (m *Migration) IsDisposed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disposed
}

// RangeActionWithMigration runs action for [address, address+size) when
// syncNumber is at or after the migration. Otherwise the parts covered by
// spans are flushed from the old storage, and the rest falls through to the
// previous migration (or action when there is none).
func (m *Migration) RangeActionWithMigration(address, size, syncNumber uint64, action FlushFunc) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.disposed || int64(syncNumber-m.syncNumber) >= 0 {
		action(address, size, syncNumber)
		return
	}

	end := address + size
	type clip struct {
		span        Span
		start, stop uint64
	}
	var clips []clip
	for _, s := range m.spans {
		if start, stop, ok := buf.Intersect(s.Address, s.End(), address, end); ok {
			clips = append(clips, clip{s, start, stop})
		}
	}
	slices.SortFunc(clips, func(a, b clip) int { return cmp.Compare(a.start, b.start) })

	cursor := address
	for _, c := range clips {
		if c.start > cursor {
			m.fallThrough(cursor, c.start-cursor, syncNumber, action)
		}
		if c.stop <= cursor {
			continue
		}
		start := max(c.start, cursor)
		c.span.rangeAction(start, c.stop-start, syncNumber)
		cursor = c.stop
	}
	if cursor < end {
		m.fallThrough(cursor, end-cursor, syncNumber, action)
	}
}

func (m *Migration) fallThrough(address, size, syncNumber uint64, action FlushFunc) {
	if m.previous != nil {
		m.previous.RangeActionWithMigration(address, size, syncNumber, action)
		return
	}
	action(address, size, syncNumber)
}

// Dispose waits for in-flight span actions, releases every span's storage and
// detaches the migration from its tracker. Disposing twice panics.
func (m *Migration) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		panic("tracker: migration disposed twice")
	}
	m.disposed = true
	spans := m.spans
	m.spans = nil
	m.mu.Unlock()

	for _, s := range spans {
		if s.Dispose != nil {
			s.Dispose()
		}
	}
	m.destination.RemoveMigration(m)

	logger.Debug("tracker: migration disposed",
		"tracker", m.destination.id, "sync", m.syncNumber, "spans", len(spans))
}

// livePrevious returns the nearest older migration that was not disposed.
func (m *Migration) livePrevious() *Migration {
	for p := m.previous; p != nil; p = p.previous {
		if !p.IsDisposed() {
			return p
		}
	}
	return nil
}
