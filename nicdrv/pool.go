//go:build linux

package nicdrv

import (
	"fmt"
)

// BufferPool is a pre-allocated packet buffer arena with one fixed-size
// slot per ring position. The slot-to-buffer binding is established once
// at ring setup and never changes, so the hot path never allocates.
type BufferPool struct {
	region   *DMARegion
	slotSize uint32
	slots    uint32
}

func newBufferPool(b Backend, slots, slotSize uint32) (*BufferPool, error) {
	region, err := b.AllocDMA(int(slots) * int(slotSize))
	if err != nil {
		return nil, fmt.Errorf("%w: buffer pool (%d x %d): %v",
			ErrAllocation, slots, slotSize, err)
	}
	return &BufferPool{region: region, slotSize: slotSize, slots: slots}, nil
}

// Buffer returns the byte span bound to the given ring slot.
func (p *BufferPool) Buffer(slot uint32) []byte {
	off := int(slot) * int(p.slotSize)
	return p.region.Mem[off : off+int(p.slotSize)]
}

// PhysAddr returns the device-visible address of the slot's buffer.
// Stable for the life of the pool.
func (p *BufferPool) PhysAddr(slot uint32) uint64 {
	return p.region.IOVA + uint64(slot)*uint64(p.slotSize)
}

// Slots returns the number of buffer slots in the pool.
func (p *BufferPool) Slots() uint32 { return p.slots }

func (p *BufferPool) free(b Backend) error {
	if p.region == nil {
		return nil
	}
	err := b.FreeDMA(p.region)
	p.region = nil
	return err
}
