// Package timeline models the GPU producer's sync-number timeline.
//
// The producer stamps every write with the current (open) sync number. When a
// batch of work is submitted the generation is sealed with Advance, and the
// host later reports it finished with Complete. Consumers block on
// WaitForSyncNumber until a sealed generation has finished.
//
//	tl := timeline.New()
//	n := tl.Advance()   // seal generation n, open n+1
//	go func() { tl.Complete(n) }()
//	tl.WaitForSyncNumber(n)
package timeline

import (
	"sync"
	"time"
)

// Timeline is the producer timeline. The zero value is not usable; call New.
type Timeline struct {
	mu           sync.Mutex
	cond         *sync.Cond
	current      uint64
	completed    uint64
	autoComplete bool
	waits        uint64
	waited       time.Duration
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithAutoComplete makes Advance complete the sealed generation immediately.
// Used by tools and tests that have no asynchronous host.
func WithAutoComplete() Option {
	return func(t *Timeline) { t.autoComplete = true }
}

// WithStart opens the timeline at generation n instead of 1.
func WithStart(n uint64) Option {
	return func(t *Timeline) {
		t.current = n
		t.completed = n - 1
	}
}

// New creates a timeline whose first open generation is 1.
func New(opts ...Option) *Timeline {
	t := &Timeline{current: 1}
	t.cond = sync.NewCond(&t.mu)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CurrentSyncNumber returns the open generation new writes are stamped with.
func (t *Timeline) CurrentSyncNumber() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Completed returns the highest generation the host reported finished.
func (t *Timeline) Completed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Advance seals the open generation and opens the next one. It returns the
// sealed sync number.
func (t *Timeline) Advance() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	sealed := t.current
	t.current++
	if t.autoComplete {
		t.completeLocked(sealed)
	}
	return sealed
}

// Complete reports that every generation up to and including n finished.
// Completing an unsealed generation is a producer bug and panics.
func (t *Timeline) Complete(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if reached(n, t.current) {
		panic("timeline: completing a generation that was never sealed")
	}
	t.completeLocked(n)
}

func (t *Timeline) completeLocked(n uint64) {
	if n != t.completed && reached(n, t.completed) {
		t.completed = n
		t.cond.Broadcast()
	}
}

// WaitForSyncNumber blocks until generation n has completed.
func (t *Timeline) WaitForSyncNumber(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if reached(t.completed, n) {
		return
	}
	start := time.Now()
	for !reached(t.completed, n) {
		t.cond.Wait()
	}
	t.waits++
	t.waited += time.Since(start)
}

// reached reports whether generation a is at or after b. Sync numbers wrap,
// so the comparison is on the signed distance.
func reached(a, b uint64) bool { return int64(a-b) >= 0 }

// Stats describes how often consumers had to block.
type Stats struct {
	Current   uint64
	Completed uint64
	Waits     uint64
	Waited    time.Duration
}

// Stats returns a snapshot of the timeline counters.
func (t *Timeline) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Current: t.current, Completed: t.completed, Waits: t.waits, Waited: t.waited}
}
