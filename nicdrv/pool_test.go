//go:build linux

package nicdrv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolSlots(t *testing.T) {
	b := newSimBackend(newSimWindow(GenericLayout))
	p, err := newBufferPool(b, 8, 256)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), p.Slots())

	// Slots are distinct, fixed-size and zeroed.
	for i := uint32(0); i < 8; i++ {
		buf := p.Buffer(i)
		assert.Len(t, buf, 256)
		for _, bb := range buf {
			if bb != 0 {
				t.Fatalf("slot %d not zeroed", i)
			}
		}
	}

	// Writes to one slot never bleed into a neighbor.
	p.Buffer(2)[0] = 0xff
	assert.Zero(t, p.Buffer(1)[255])
	assert.Zero(t, p.Buffer(3)[0])
}

func TestBufferPoolPhysAddrStable(t *testing.T) {
	b := newSimBackend(newSimWindow(GenericLayout))
	p, err := newBufferPool(b, 4, 512)
	require.NoError(t, err)

	base := p.PhysAddr(0)
	for i := uint32(0); i < 4; i++ {
		assert.Equal(t, base+uint64(i)*512, p.PhysAddr(i))
		assert.Equal(t, p.PhysAddr(i), p.PhysAddr(i), "address stable across calls")
	}
}

func TestBufferPoolFree(t *testing.T) {
	b := newSimBackend(newSimWindow(GenericLayout))
	p, err := newBufferPool(b, 4, 64)
	require.NoError(t, err)
	require.Equal(t, 1, b.live)

	require.NoError(t, p.free(b))
	assert.Zero(t, b.live)
	require.NoError(t, p.free(b), "double free is a no-op")
}
