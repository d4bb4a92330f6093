//go:build linux

package mmio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeResource(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resource0")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestMapReadWrite(t *testing.T) {
	r, err := Map(fakeResource(t, 4096))
	require.NoError(t, err)
	defer r.Unmap()

	assert.Equal(t, 4096, r.Size())
	assert.Zero(t, r.Read32(0))

	r.Write32(0x100, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), r.Read32(0x100))
	assert.Zero(t, r.Read32(0x104), "neighboring register untouched")

	r.Write32(0x100, 0)
	assert.Zero(t, r.Read32(0x100))
}

func TestMapMissingFile(t *testing.T) {
	_, err := Map(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrMapping)
}

func TestMapFileRejectsEmptyRegion(t *testing.T) {
	f, err := os.Open(fakeResource(t, 4096))
	require.NoError(t, err)
	defer f.Close()

	_, err = MapFile(f, 0, 0)
	assert.ErrorIs(t, err, ErrMapping)
}

func TestUnmapIdempotent(t *testing.T) {
	r, err := Map(fakeResource(t, 4096))
	require.NoError(t, err)

	require.NoError(t, r.Unmap())
	assert.Zero(t, r.Size())
	require.NoError(t, r.Unmap())
}

func TestWritesReachBackingFile(t *testing.T) {
	path := fakeResource(t, 4096)
	r, err := Map(path)
	require.NoError(t, err)

	r.Write32(8, 0x01020304)
	require.NoError(t, r.Unmap())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	// Shared mapping: the store is visible through the file.
	assert.NotEqual(t, make([]byte, 4), b[8:12])
}
