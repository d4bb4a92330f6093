//go:build linux

package nicdrv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakePCIDevice(t *testing.T, root, addr, vendor string) {
	t.Helper()
	dir := filepath.Join(root, addr)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vendor"),
		[]byte(vendor+"\n"), 0o644))
}

func TestDetectLayout(t *testing.T) {
	root := t.TempDir()
	orig := sysfsPCIPath
	sysfsPCIPath = root
	t.Cleanup(func() { sysfsPCIPath = orig })

	writeFakePCIDevice(t, root, "0000:01:00.0", "0x8086")
	writeFakePCIDevice(t, root, "0000:02:00.0", "0x15b3")
	writeFakePCIDevice(t, root, "0000:03:00.0", "0x1924")
	writeFakePCIDevice(t, root, "0000:04:00.0", "0x10ec")

	lay, resource, err := DetectLayout("0000:01:00.0")
	require.NoError(t, err)
	assert.Equal(t, "intel", lay.Name)
	assert.Equal(t, uint32(0x3000), lay.RxCtrl)
	assert.Equal(t, filepath.Join(root, "0000:01:00.0", "resource0"), resource)

	lay, _, err = DetectLayout("0000:02:00.0")
	require.NoError(t, err)
	assert.Equal(t, "mellanox", lay.Name)
	assert.Equal(t, GenericLayout.RxDescTail, lay.RxDescTail,
		"mellanox uses the generic offsets")

	lay, _, err = DetectLayout("0000:03:00.0")
	require.NoError(t, err)
	assert.Equal(t, "solarflare", lay.Name)

	// Unknown vendors fall back to the generic layout.
	lay, _, err = DetectLayout("0000:04:00.0")
	require.NoError(t, err)
	assert.Equal(t, "generic", lay.Name)
}

func TestDetectLayoutMissingDevice(t *testing.T) {
	orig := sysfsPCIPath
	sysfsPCIPath = t.TempDir()
	t.Cleanup(func() { sysfsPCIPath = orig })

	_, _, err := DetectLayout("0000:ff:00.0")
	assert.Error(t, err)
}

func TestReadSysfsHex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vendor")

	require.NoError(t, os.WriteFile(path, []byte("0x8086\n"), 0o644))
	v, err := readSysfsHex(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x8086), v)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err = readSysfsHex(path)
	assert.Error(t, err)
}
