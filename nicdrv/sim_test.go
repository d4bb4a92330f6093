//go:build linux

package nicdrv

import (
	"sync/atomic"
	"unsafe"

	"github.com/ullnic/ullnic-go/mmio"
)

// simWindow is an in-memory register window standing in for a mapped
// BAR. Writing the reset bit clears it immediately, like hardware that
// finishes its reset between two polls.
type simWindow struct {
	regs map[uint32]uint32

	// stuckInReset makes the reset bit never clear, for timeout tests.
	stuckInReset bool

	unmapped bool
	writes   []regWrite
}

type regWrite struct {
	off uint32
	val uint32
}

func newSimWindow(lay Layout) *simWindow {
	return &simWindow{
		regs: map[uint32]uint32{
			lay.Status: lay.StatusLinkUp,
		},
	}
}

func (w *simWindow) Read32(offset uint32) uint32 { return w.regs[offset] }

func (w *simWindow) Write32(offset uint32, v uint32) {
	w.writes = append(w.writes, regWrite{offset, v})
	if offset == GenericLayout.Ctrl && v&GenericLayout.CtrlReset != 0 && !w.stuckInReset {
		v &^= GenericLayout.CtrlReset
	}
	w.regs[offset] = v
}

func (w *simWindow) Unmap() error {
	w.unmapped = true
	return nil
}

// simBackend hands out heap-backed DMA regions with fake device
// addresses and tracks every allocation so tests can assert teardown.
type simBackend struct {
	win *simWindow

	nextIOVA uint64
	live     int
	closed   bool
}

func newSimBackend(win *simWindow) *simBackend {
	return &simBackend{win: win, nextIOVA: 1 << 20}
}

func (b *simBackend) Name() string { return "sim" }

func (b *simBackend) MapRegisters(string) (mmio.Window, error) {
	return b.win, nil
}

func (b *simBackend) AllocDMA(size int) (*DMARegion, error) {
	// uint64 backing keeps the region aligned for descriptor overlay.
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)

	iova := b.nextIOVA
	b.nextIOVA += uint64(size)
	b.live++
	return &DMARegion{Mem: mem, IOVA: iova}, nil
}

func (b *simBackend) FreeDMA(r *DMARegion) error {
	if r.Mem != nil {
		r.Mem = nil
		b.live--
	}
	return nil
}

func (b *simBackend) Close() error {
	b.closed = true
	return nil
}

// descMem allocates aligned backing for n descriptors.
func descMem(n uint32) *DMARegion {
	words := make([]uint64, int(n)*descBytes/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), int(n)*descBytes)
	return &DMARegion{Mem: mem, IOVA: 0x200000}
}

// completeRx simulates the device delivering a packet into the RX slot:
// payload first, status word last.
func completeRx(d *Driver, slot uint32, payload []byte) {
	copy(d.rxPool.Buffer(slot), payload)
	desc := &d.rx.descs[slot]
	desc.Length = uint16(len(payload))
	atomic.StoreUint32(&desc.Status, descStatusDD)
}

// completeTx simulates the device finishing transmission of a TX slot.
func completeTx(d *Driver, slot uint32) {
	atomic.StoreUint32(&d.tx.descs[slot].Status, descStatusDD)
}
