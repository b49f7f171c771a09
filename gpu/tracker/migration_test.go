package tracker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/gpuvm/gpu/timeline"
)

type inheritFixture struct {
	tl     *timeline.Timeline
	a, b   *Tracker
	sa, sb *fakeStorage
}

// newInheritFixture builds A = [0x100, 0x200) with a range at sync 3 and one
// at sync 5, and B = [0, 0x1000) with the current sync at 5.
func newInheritFixture() *inheritFixture {
	tl := timeline.New(timeline.WithAutoComplete(), timeline.WithStart(3))
	f := &inheritFixture{tl: tl, sa: &fakeStorage{}, sb: &fakeStorage{}}
	f.a = New(0x100, 0x100, tl, f.sa)
	f.b = New(0, 0x1000, tl, f.sb)

	f.a.SignalModified(0x100, 0x40)
	tl.Advance()
	tl.Advance()
	f.a.SignalModified(0x180, 0x40)
	return f
}

func Test_Migration_InheritRangesRegistersOlderSyncs(t *testing.T) {
	f := newInheritFixture()
	require.Equal(t, uint64(5), f.tl.CurrentSyncNumber())

	var registered []rng
	m := f.b.InheritRanges(f.a, func(address, size uint64) {
		registered = append(registered, rng{address, size, 0})
	})

	require.Equal(t, []rng{{0x100, 0x40, 0}}, registered)
	require.Same(t, f.b, f.a.Target())
	require.Same(t, m, f.b.Source())
	require.Equal(t, uint64(5), m.SyncNumber())
	require.Equal(t, 1, f.sa.retained)

	want := []rng{{0x100, 0x40, 3}, {0x180, 0x40, 5}}
	if diff := cmp.Diff(want, rangesOf(f.b.Ranges())); diff != "" {
		t.Fatalf("inherited ranges mismatch (-want +got):\n%s", diff)
	}
	for _, r := range f.b.Ranges() {
		require.Equal(t, f.b.ID(), r.Owner)
	}
}

func Test_Migration_FlushOnOldTrackerRedirects(t *testing.T) {
	f := newInheritFixture()
	f.b.InheritRanges(f.a, nil)

	f.a.WaitForAndFlushRanges(0x100, 0x100)

	// Removal happens on B; the data is still in A's storage for sync 3.
	require.Equal(t, []flushCall{{0x100, 0x40, 3}}, f.sa.Flushes())
	require.Empty(t, f.sb.Flushes())
	if diff := cmp.Diff([]rng{{0x180, 0x40, 5}}, rangesOf(f.b.Ranges())); diff != "" {
		t.Fatalf("B ranges mismatch (-want +got):\n%s", diff)
	}
}

func Test_Migration_InheritMovesRanges(t *testing.T) {
	f := newInheritFixture()
	f.b.InheritRanges(f.a, nil)

	assert.Equal(t, 0, f.a.Len())
	assert.Empty(t, f.a.Ranges())
	assert.Equal(t, 0, f.a.Stats().Ranges)
	assert.Equal(t, 2, f.b.Len())
}

func Test_Migration_SecondInheritKeepsOneHop(t *testing.T) {
	f := newInheritFixture()
	f.b.InheritRanges(f.a, nil)

	sc := &fakeStorage{}
	c := New(0, 0x2000, f.tl, sc)
	c.InheritRanges(f.b, nil)

	require.Same(t, c, f.a.Target())
	require.Same(t, c, f.b.Target())
	assert.Equal(t, 0, f.b.Len())

	// The sync-3 write is still only in A's storage.
	f.a.WaitForAndFlushRanges(0x100, 0x100)
	require.Equal(t, []flushCall{{0x100, 0x40, 3}}, f.sa.Flushes())
	require.Empty(t, f.sb.Flushes())
	require.Empty(t, sc.Flushes())
	if diff := cmp.Diff([]rng{{0x180, 0x40, 5}}, rangesOf(c.Ranges())); diff != "" {
		t.Fatalf("C ranges mismatch (-want +got):\n%s", diff)
	}
}

func Test_Migration_RetargetPanics(t *testing.T) {
	f := newInheritFixture()
	f.b.InheritRanges(f.a, nil)

	c := New(0, 0x2000, f.tl, &fakeStorage{})
	require.Panics(t, func() { c.InheritRanges(f.a, nil) })
	require.Panics(t, func() { f.b.InheritRanges(f.b, nil) })
}

func Test_Migration_SameSyncExtendsMigration(t *testing.T) {
	tl := timeline.New(timeline.WithAutoComplete())
	big := New(0, 0x1000, tl, &fakeStorage{})
	a := New(0x000, 0x100, tl, &fakeStorage{})
	b := New(0x400, 0x100, tl, &fakeStorage{})

	m1 := big.InheritRanges(a, nil)
	m2 := big.InheritRanges(b, nil)
	require.Same(t, m1, m2)
	require.Len(t, m1.Spans(), 2)

	tl.Advance()
	c := New(0x800, 0x100, tl, &fakeStorage{})
	m3 := big.InheritRanges(c, nil)
	require.NotSame(t, m1, m3)
	require.Same(t, m3, big.Source())
}

func Test_Migration_DisposeReleasesAndDetaches(t *testing.T) {
	f := newInheritFixture()
	m := f.b.InheritRanges(f.a, nil)

	require.False(t, m.IsComplete(f.tl.Completed()))
	f.tl.Advance()
	require.True(t, m.IsComplete(f.tl.Completed()))

	m.Dispose()
	assert.Equal(t, 1, f.sa.released)
	assert.Nil(t, f.b.Source())
	assert.True(t, m.IsDisposed())
	require.Panics(t, m.Dispose)

	// RemoveMigration is idempotent.
	f.b.RemoveMigration(m)
	assert.Nil(t, f.b.Source())

	// With the migration gone, flushes go to B's own storage.
	f.b.WaitForAndFlushRanges(0, 0x1000)
	assert.Empty(t, f.sa.Flushes())
	want := []flushCall{{0x100, 0x40, 5}, {0x180, 0x40, 5}}
	if diff := cmp.Diff(want, f.sb.Flushes()); diff != "" {
		t.Fatalf("flushes mismatch (-want +got):\n%s", diff)
	}
}

func Test_Migration_RemoveRestoresLivePrevious(t *testing.T) {
	tl := timeline.New(timeline.WithAutoComplete())
	tr := New(0, 0x1000, tl, &fakeStorage{})

	m1 := tr.SelfMigration()
	tl.Advance()
	m2 := tr.SelfMigration()
	require.Same(t, m2, tr.Source())

	tr.RemoveMigration(m1)
	require.Same(t, m2, tr.Source())

	tr.RemoveMigration(m2)
	require.Same(t, m1, tr.Source())

	tr.RemoveMigration(m1)
	require.Nil(t, tr.Source())
}

func Test_Migration_SelfMigrationRoutesOlderFlushesToSnapshot(t *testing.T) {
	tl := timeline.New(timeline.WithAutoComplete())
	st := &fakeStorage{}
	tr := New(0, 0x1000, tl, st)

	tr.SignalModified(0x100, 0x10) // 1
	tl.Advance()
	m := tr.SelfMigration() // at 2
	tr.SignalModified(0x200, 0x10)
	tl.Advance()

	tr.WaitForAndFlushRanges(0x100, 0x10)
	require.Equal(t, []flushCall{{0x100, 0x10, 1}}, st.SnapshotFlushes())
	require.Empty(t, st.Flushes())

	tr.WaitForAndFlushRanges(0x200, 0x10)
	require.Equal(t, []flushCall{{0x200, 0x10, 2}}, st.Flushes())

	m.Dispose()
	require.Equal(t, 1, st.disposed)
	require.Equal(t, 1, st.snapshots)
}

func Test_Migration_RangeActionWithMigration_PartialSpans(t *testing.T) {
	var spanCalls, actionCalls []flushCall
	record := func(dst *[]flushCall) FlushFunc {
		return func(address, size, syncNumber uint64) {
			*dst = append(*dst, flushCall{address, size, syncNumber})
		}
	}

	m := newMigration([]Span{
		{Address: 0x80, Size: 0x20, Flush: record(&spanCalls)},
		{Address: 0x00, Size: 0x40, Flush: record(&spanCalls)},
	}, nil, 10, nil)

	m.RangeActionWithMigration(0x20, 0x80, 9, record(&actionCalls))
	require.Equal(t, []flushCall{{0x20, 0x20, 9}, {0x80, 0x20, 9}}, spanCalls)
	require.Equal(t, []flushCall{{0x40, 0x40, 9}}, actionCalls)

	spanCalls, actionCalls = nil, nil
	m.RangeActionWithMigration(0x20, 0x80, 10, record(&actionCalls))
	require.Empty(t, spanCalls)
	require.Equal(t, []flushCall{{0x20, 0x80, 10}}, actionCalls)
}

func Test_Migration_ChainsThroughSpanSource(t *testing.T) {
	var oldest, middle, action []flushCall
	record := func(dst *[]flushCall) FlushFunc {
		return func(address, size, syncNumber uint64) {
			*dst = append(*dst, flushCall{address, size, syncNumber})
		}
	}

	older := newMigration([]Span{{Address: 0, Size: 0x100, Flush: record(&oldest)}}, nil, 5, nil)
	m := newMigration([]Span{{Address: 0, Size: 0x100, Flush: record(&middle), Source: older}}, nil, 8, nil)

	m.RangeActionWithMigration(0x10, 0x10, 4, record(&action))
	require.Equal(t, []flushCall{{0x10, 0x10, 4}}, oldest)
	require.Empty(t, middle)

	m.RangeActionWithMigration(0x10, 0x10, 6, record(&action))
	require.Equal(t, []flushCall{{0x10, 0x10, 6}}, middle)
	require.Empty(t, action)
}
