//go:build linux

package nicdrv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ullnic/ullnic-go/mmio"
)

// directBackend maps the sysfs resource file straight into the process
// and hands the device raw addresses. Fastest mode, no isolation: a
// misprogrammed descriptor can DMA anywhere.
type directBackend struct{}

// NewDirectBackend returns the raw direct-register backend.
func NewDirectBackend() Backend { return directBackend{} }

func (directBackend) Name() string { return "direct" }

func (directBackend) MapRegisters(resourcePath string) (mmio.Window, error) {
	return mmio.Map(resourcePath)
}

// AllocDMA maps an anonymous wired region. Hugepages are tried first:
// a 2MiB page keeps a whole ring plus its buffers physically contiguous,
// which the device needs since it walks the ring by physical address.
func (directBackend) AllocDMA(size int) (*DMARegion, error) {
	size = pageAlign(size)

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, flags|unix.MAP_HUGETLB)
	if err != nil {
		mem, err = unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE, flags)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocation, size, err)
	}

	// Wire the pages so their physical placement cannot change while the
	// device holds their addresses.
	if err := unix.Mlock(mem); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: mlock: %v", ErrAllocation, err)
	}

	virt := uintptr(unsafe.Pointer(&mem[0]))
	iova, err := virtToPhys(virt)
	if err != nil {
		// Without pagemap access (non-root), fall back to the virtual
		// address; usable on identity-mapped setups only.
		iova = uint64(virt)
	}

	return &DMARegion{Mem: mem, IOVA: iova}, nil
}

func (directBackend) FreeDMA(r *DMARegion) error {
	if r == nil || r.Mem == nil {
		return nil
	}
	err := unix.Munmap(r.Mem)
	r.Mem = nil
	return err
}

func (directBackend) Close() error { return nil }

func pageAlign(size int) int {
	page := os.Getpagesize()
	return (size + page - 1) &^ (page - 1)
}

// virtToPhys resolves a virtual address to its physical address through
// /proc/self/pagemap. Requires the page to be present (the caller mlocks
// first) and CAP_SYS_ADMIN on hardened kernels.
func virtToPhys(virt uintptr) (uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	page := uintptr(os.Getpagesize())
	var entry [8]byte
	if _, err := f.ReadAt(entry[:], int64(virt/page)*8); err != nil {
		return 0, err
	}

	v := binary.LittleEndian.Uint64(entry[:])
	if v&(1<<63) == 0 {
		return 0, errors.New("page not present")
	}
	pfn := v & ((1 << 55) - 1)
	if pfn == 0 {
		return 0, errors.New("pagemap pfn masked")
	}
	return pfn*uint64(page) + uint64(virt%page), nil
}
