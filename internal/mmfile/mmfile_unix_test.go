//go:build unix

package mmfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnonymousZeroedAndWritable(t *testing.T) {
	data, cleanup, err := Anonymous(3*4096, false)
	require.NoError(t, err)
	defer func() { require.NoError(t, cleanup()) }()

	require.Len(t, data, 3*4096)
	for i := range data {
		if data[i] != 0 {
			t.Fatalf("byte %d not zeroed: 0x%x", i, data[i])
		}
	}
	data[4096] = 0xAB
	require.Equal(t, byte(0xAB), data[4096])
}

func TestAnonymousHugePageHint(t *testing.T) {
	data, cleanup, err := Anonymous(2<<20, true)
	require.NoError(t, err)
	data[0] = 1
	require.NoError(t, cleanup())
}

func TestAnonymousRejectsZeroSize(t *testing.T) {
	_, _, err := Anonymous(0, false)
	require.Error(t, err)
}

func TestCreatePersistsWrites(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mmap test in short mode")
	}
	path := filepath.Join(t.TempDir(), "guest.bin")

	data, cleanup, err := Create(path, 8192)
	require.NoError(t, err)
	copy(data[100:], []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, Sync(data[:4096]))
	require.NoError(t, cleanup())
	// Second cleanup is a no-op.
	require.NoError(t, cleanup())

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, onDisk, 8192)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, onDisk[100:104])
}

func TestCreateKeepsExistingContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guest.bin")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3, 4}, 0o644))

	data, cleanup, err := Create(path, 4096)
	require.NoError(t, err)
	defer func() { require.NoError(t, cleanup()) }()

	require.Equal(t, []byte{1, 2, 3, 4}, data[:4])
	require.Equal(t, byte(0), data[4095])
}

func TestSyncEmpty(t *testing.T) {
	require.NoError(t, Sync(nil))
}
