//go:build linux

package nicdrv

import (
	"github.com/ullnic/ullnic-go/mmio"
)

// DMARegion is a page-aligned, zero-initialized, wired memory region the
// device is allowed to DMA into. IOVA is the address programmed into
// descriptors; what it means (physical address, identity-mapped virtual
// address, IOMMU-translated address) is the backend's business.
type DMARegion struct {
	Mem  []byte
	IOVA uint64
}

// Backend acquires the register window and DMA memory for one deployment
// mode. The ring/register/buffer protocol above it is backend-agnostic:
// the Driver never knows which backend it runs on.
type Backend interface {
	Name() string

	// MapRegisters maps the device register window identified by the
	// opaque resource string (sysfs resource path for the direct backend,
	// PCI address for VFIO).
	MapRegisters(resourcePath string) (mmio.Window, error)

	// AllocDMA returns a region of at least size bytes usable for
	// descriptor rings and packet buffers.
	AllocDMA(size int) (*DMARegion, error)

	// FreeDMA releases a region returned by AllocDMA.
	FreeDMA(r *DMARegion) error

	// Close releases backend-level resources (fds, IOMMU state).
	Close() error
}
