//go:build linux

// Package mmio maps device register windows (PCI BARs) into the process
// address space and provides barrier-correct 32-bit register access.
//
// Ordering contract:
//
//   - Write32 is a release store. Every descriptor or buffer write issued
//     before it is visible to the device no later than the register write
//     itself, so a tail/control write always publishes a fully written
//     descriptor.
//   - Read32 is an acquire load. Reads of hardware-written payload that
//     depend on an observed status value cannot be reordered before it.
//
// This ordering, not the raw access, is the contract: it is the only
// synchronization between the CPU and the device DMA engine.
package mmio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var ErrMapping = errors.New("mapping register window")

// Window is a mapped device register region. The production
// implementation is Region; tests substitute simulated windows.
type Window interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, v uint32)
	Unmap() error
}

// Region is a register window backed by a shared file mapping.
// It is owned by exactly one driver instance for the life of the mapping.
type Region struct {
	mem []byte
}

// Map opens the device resource file (on Linux the PCI BAR resource,
// e.g. /sys/bus/pci/devices/0000:01:00.0/resource0), determines its size
// and establishes a shared read/write mapping over it.
func Map(resourcePath string) (*Region, error) {
	f, err := os.OpenFile(resourcePath, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrMapping, resourcePath, err)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: sizing %q: %v", ErrMapping, resourcePath, err)
	}

	return MapFile(f, 0, size)
}

// MapFile maps size bytes of f starting at offset. The VFIO backend uses
// this form: its BAR lives at a region offset inside the device fd.
// The fd may be closed after MapFile returns; the mapping stays valid.
func MapFile(f *os.File, offset, size int64) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: region size %d", ErrMapping, size)
	}
	mem, err := unix.Mmap(
		int(f.Fd()), offset, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %q: %v", ErrMapping, f.Name(), err)
	}
	return &Region{mem: mem}, nil
}

// Read32 returns the register at the given byte offset with acquire
// ordering.
func (r *Region) Read32(offset uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[offset])))
}

// Write32 stores v into the register at the given byte offset with
// release ordering.
func (r *Region) Write32(offset uint32, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.mem[offset])), v)
}

// Size returns the length of the mapped window in bytes,
// zero after Unmap.
func (r *Region) Size() int { return len(r.mem) }

// Unmap releases the mapping. Calling it again is a no-op.
func (r *Region) Unmap() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
