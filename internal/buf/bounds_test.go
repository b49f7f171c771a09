package buf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddOverflowSafe(t *testing.T) {
	sum, ok := AddOverflowSafe(10, 5)
	require.True(t, ok)
	require.Equal(t, uint64(15), sum)

	_, ok = AddOverflowSafe(math.MaxUint64, 1)
	require.False(t, ok, "expected overflow when adding to MaxUint64")

	sum, ok = AddOverflowSafe(math.MaxUint64-1, 1)
	require.True(t, ok)
	require.Equal(t, uint64(math.MaxUint64), sum)
}

func TestAlign(t *testing.T) {
	require.True(t, IsAligned(0x2000, 0x1000))
	require.False(t, IsAligned(0x2001, 0x1000))
	require.Equal(t, uint64(0x2000), AlignDown(0x2fff, 0x1000))

	up, ok := AlignUp(0x2001, 0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(0x3000), up)

	up, ok = AlignUp(0x3000, 0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(0x3000), up)

	_, ok = AlignUp(math.MaxUint64, 0x1000)
	require.False(t, ok)
}

func TestIntersect(t *testing.T) {
	tests := []struct {
		name               string
		aStart, aEnd       uint64
		bStart, bEnd       uint64
		wantStart, wantEnd uint64
		wantOK             bool
	}{
		{"inside", 10, 20, 0, 100, 10, 20, true},
		{"left overhang", 0, 20, 10, 100, 10, 20, true},
		{"right overhang", 50, 150, 10, 100, 50, 100, true},
		{"touching", 0, 10, 10, 20, 0, 0, false},
		{"disjoint", 0, 5, 10, 20, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, ok := Intersect(tt.aStart, tt.aEnd, tt.bStart, tt.bEnd)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.wantStart, start)
			require.Equal(t, tt.wantEnd, end)
		})
	}
}

func TestCheckRange(t *testing.T) {
	end, err := CheckRange(100, 10, 90)
	require.NoError(t, err)
	require.Equal(t, uint64(100), end)

	_, err = CheckRange(100, 10, 91)
	require.ErrorContains(t, err, "bounds")

	_, err = CheckRange(math.MaxUint64, math.MaxUint64, 2)
	require.ErrorContains(t, err, "overflow")
}

func TestSliceAndHas(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4}
	got, ok := Slice(data, 1, 3)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, got)

	_, ok = Slice(data, 4, 2)
	require.False(t, ok, "Slice should fail when extending beyond len")
	require.False(t, Has(data, 2, 4))
	require.True(t, Has(data, 2, 1))
	require.True(t, Has(data, 5, 0))
}
