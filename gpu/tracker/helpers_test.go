package tracker

import (
	"sync"

	"github.com/joshuapare/gpuvm/gpu/timeline"
)

type flushCall struct {
	Address, Size, Sync uint64
}

// fakeStorage records flush and lifetime calls.
type fakeStorage struct {
	mu        sync.Mutex
	flushes   []flushCall
	snapshot  []flushCall
	retained  int
	released  int
	snapshots int
	disposed  int
}

func (s *fakeStorage) Flush(address, size, syncNumber uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes = append(s.flushes, flushCall{address, size, syncNumber})
}

func (s *fakeStorage) Retain() {
	s.mu.Lock()
	s.retained++
	s.mu.Unlock()
}

func (s *fakeStorage) Release() {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
}

func (s *fakeStorage) Snapshot() (FlushFunc, func()) {
	s.mu.Lock()
	s.snapshots++
	s.mu.Unlock()
	flush := func(address, size, syncNumber uint64) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.snapshot = append(s.snapshot, flushCall{address, size, syncNumber})
	}
	dispose := func() {
		s.mu.Lock()
		s.disposed++
		s.mu.Unlock()
	}
	return flush, dispose
}

func (s *fakeStorage) Flushes() []flushCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]flushCall(nil), s.flushes...)
}

func (s *fakeStorage) SnapshotFlushes() []flushCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]flushCall(nil), s.snapshot...)
}

// newTestTracker returns a tracker over [0, 0x10000) on an auto-completing
// timeline opened at generation start.
func newTestTracker(start uint64) (*Tracker, *timeline.Timeline, *fakeStorage) {
	tl := timeline.New(timeline.WithAutoComplete(), timeline.WithStart(start))
	st := &fakeStorage{}
	return New(0, 0x10000, tl, st), tl, st
}

type rng struct {
	Address, Size, Sync uint64
}

func rangesOf(rs []ModifiedRange) []rng {
	out := make([]rng, 0, len(rs))
	for _, r := range rs {
		out = append(out, rng{r.Address, r.Size, r.SyncNumber})
	}
	return out
}
