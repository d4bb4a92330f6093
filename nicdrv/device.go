//go:build linux

package nicdrv

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ullnic/ullnic-go/xsk"
)

// Device is the consumer contract shared by all deployment modes.
// Receive and Send never block: no data and a full ring are ordinary
// return values, never errors.
type Device interface {
	Initialize(resource string) error
	Receive() ([]byte, bool)
	Send(data []byte) bool
	IsLinkUp() bool
	Stats() (received, sent uint64)
	Shutdown() error
}

type Mode uint8

const (
	// ModeDirect maps the register window straight from sysfs and uses
	// the generic register layout.
	ModeDirect Mode = iota
	// ModeAuto is ModeDirect with the layout picked by PCI vendor ID;
	// the resource string is the PCI address.
	ModeAuto
	// ModeVFIO acquires the window and DMA memory through VFIO so the
	// IOMMU isolates device DMA; the resource string is the PCI address.
	ModeVFIO
	// ModeXDP uses the kernel's AF_XDP rings; the resource string is the
	// netdev name.
	ModeXDP
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeAuto:
		return "auto"
	case ModeVFIO:
		return "vfio"
	case ModeXDP:
		return "xdp"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "direct":
		return ModeDirect, nil
	case "auto":
		return ModeAuto, nil
	case "vfio":
		return ModeVFIO, nil
	case "xdp":
		return ModeXDP, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// OpenConfig bundles the per-mode knobs for Open.
type OpenConfig struct {
	Driver DriverConfig
	// XDP holds the AF_XDP socket knobs; only ModeXDP reads it.
	XDP xsk.Config
}

// Open constructs an uninitialized Device for the given deployment mode.
// Call Initialize on the result with the mode's resource string.
func Open(l *logrus.Logger, mode Mode, conf OpenConfig) (Device, error) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	switch mode {
	case ModeDirect:
		return NewDriver(l, NewDirectBackend(), conf.Driver), nil
	case ModeAuto:
		c := conf.Driver
		c.AutoDetectLayout = true
		return NewDriver(l, NewDirectBackend(), c), nil
	case ModeVFIO:
		return NewDriver(l, NewVFIOBackend(l), conf.Driver), nil
	case ModeXDP:
		return xsk.New(l, conf.XDP), nil
	}
	return nil, fmt.Errorf("unknown mode %d", mode)
}
