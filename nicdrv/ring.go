//go:build linux

package nicdrv

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

/*---- Descriptor rings ----*/

// Rings are power-of-two sized so every index advance is a mask, never a
// modulo. Cursors run free as 32-bit counters and are masked only when
// indexing a slot or publishing to a register; this keeps the full ring
// capacity usable (masked cursors cannot tell full from empty at N).
// A descriptor's status word is the single point of truth for ownership:
// DD clear means the device owns it, DD set means software may read it.

// rxRing is the receive descriptor ring. head is the software consume
// cursor; the hardware fill boundary is published via the RX tail
// register.
type rxRing struct {
	descs []rxDesc
	mask  uint32
	size  uint32
	head  uint32
}

func newRXRing(mem *DMARegion, size uint32) (*rxRing, error) {
	if !isPowerOfTwo(size) {
		return nil, fmt.Errorf("%w: rx ring size %d", ErrRingSize, size)
	}
	if len(mem.Mem) < int(size)*descBytes {
		return nil, fmt.Errorf("%w: rx ring backing too small", ErrAllocation)
	}
	return &rxRing{
		descs: unsafe.Slice((*rxDesc)(unsafe.Pointer(&mem.Mem[0])), size),
		mask:  size - 1,
		size:  size,
	}, nil
}

// tryConsume reports the descriptor at the current head if hardware has
// marked it done. The acquire load on the status word is what makes the
// subsequent payload read safe: the DMA write to the buffer
// happens-before the DD store on the device side.
func (r *rxRing) tryConsume() (length uint16, status uint32, ok bool) {
	d := &r.descs[r.head&r.mask]
	status = atomic.LoadUint32(&d.Status)
	if status&descStatusDD == 0 {
		return 0, 0, false
	}
	return d.Length, status, true
}

// recycle rebinds the consumed head slot to phys, hands the descriptor
// back to hardware and advances the head. It returns the masked tail
// value the caller must publish to the RX tail register.
func (r *rxRing) recycle(phys uint64) uint32 {
	d := &r.descs[r.head&r.mask]
	d.BufferAddr = phys
	atomic.StoreUint32(&d.Status, 0)
	r.head++
	return (r.head - 1) & r.mask
}

// txRing is the transmit descriptor ring. tail is the software produce
// cursor, head trails it past completed descriptors.
type txRing struct {
	descs []txDesc
	mask  uint32
	size  uint32
	head  uint32
	tail  uint32
}

func newTXRing(mem *DMARegion, size uint32) (*txRing, error) {
	if !isPowerOfTwo(size) {
		return nil, fmt.Errorf("%w: tx ring size %d", ErrRingSize, size)
	}
	if len(mem.Mem) < int(size)*descBytes {
		return nil, fmt.Errorf("%w: tx ring backing too small", ErrAllocation)
	}
	return &txRing{
		descs: unsafe.Slice((*txDesc)(unsafe.Pointer(&mem.Mem[0])), size),
		mask:  size - 1,
		size:  size,
	}, nil
}

func (r *txRing) full() bool { return r.tail-r.head == r.size }

// inFlight returns the number of descriptors currently owned by hardware.
func (r *txRing) inFlight() uint32 { return r.tail - r.head }

// tryProduce queues one buffer at the current tail. The descriptor fields
// are written first, then the status word is release-stored, so the
// device can never observe a half-written descriptor once the tail
// register is rung.
func (r *txRing) tryProduce(phys uint64, length uint32) error {
	if r.full() {
		return ErrRingFull
	}
	d := &r.descs[r.tail&r.mask]
	d.BufferAddr = phys
	d.CmdTypeLen = length | descStatusEOP
	atomic.StoreUint32(&d.Status, 0)
	r.tail++
	return nil
}

// reclaim advances head past every descriptor the hardware has completed,
// stopping at the first incomplete one. TX descriptors complete in
// submission order.
func (r *txRing) reclaim() (n uint32) {
	for r.head != r.tail {
		d := &r.descs[r.head&r.mask]
		if atomic.LoadUint32(&d.Status)&descStatusDD == 0 {
			break
		}
		r.head++
		n++
	}
	return n
}
