//go:build linux

package nicdrv

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Layout is the register offset map of one hardware family. Offsets and
// bit positions must match the device's documented layout exactly; they
// are the compatibility contract between driver and silicon.
type Layout struct {
	Name string

	Ctrl   uint32
	Status uint32
	RxCtrl uint32
	TxCtrl uint32

	RxDescBaseLo uint32
	RxDescBaseHi uint32
	RxDescLen    uint32
	RxDescHead   uint32
	RxDescTail   uint32

	TxDescBaseLo uint32
	TxDescBaseHi uint32
	TxDescLen    uint32
	TxDescHead   uint32
	TxDescTail   uint32

	CtrlReset    uint32
	CtrlRxEnable uint32
	CtrlTxEnable uint32
	StatusLinkUp uint32
}

// GenericLayout works with devices exposing the common control/status
// block at the window base and the ring blocks at 0x2800/0x3800.
var GenericLayout = Layout{
	Name: "generic",

	Ctrl:   0x0000,
	Status: 0x0008,
	RxCtrl: 0x0100,
	TxCtrl: 0x0400,

	RxDescBaseLo: 0x2800,
	RxDescBaseHi: 0x2804,
	RxDescLen:    0x2808,
	RxDescHead:   0x2810,
	RxDescTail:   0x2818,

	TxDescBaseLo: 0x3800,
	TxDescBaseHi: 0x3804,
	TxDescLen:    0x3808,
	TxDescHead:   0x3810,
	TxDescTail:   0x3818,

	CtrlReset:    1 << 26,
	CtrlRxEnable: 1 << 1,
	CtrlTxEnable: 1 << 0,
	StatusLinkUp: 1 << 1,
}

// IntelLayout matches the 82599/X540 queue-0 register block.
var IntelLayout = Layout{
	Name: "intel",

	Ctrl:   0x0000,
	Status: 0x0008,
	RxCtrl: 0x3000, // RXCTRL
	TxCtrl: 0x4a80, // DMATXCTL

	RxDescBaseLo: 0x1000, // RDBAL(0)
	RxDescBaseHi: 0x1004, // RDBAH(0)
	RxDescLen:    0x1008, // RDLEN(0)
	RxDescHead:   0x1010, // RDH(0)
	RxDescTail:   0x1018, // RDT(0)

	TxDescBaseLo: 0x6000, // TDBAL(0)
	TxDescBaseHi: 0x6004, // TDBAH(0)
	TxDescLen:    0x6008, // TDLEN(0)
	TxDescHead:   0x6010, // TDH(0)
	TxDescTail:   0x6018, // TDT(0)

	CtrlReset:    1 << 26, // CTRL.RST
	CtrlRxEnable: 1 << 0,  // RXCTRL.RXEN
	CtrlTxEnable: 1 << 0,  // DMATXCTL.TE
	StatusLinkUp: 1 << 1,
}

// PCI vendor IDs recognized by layout auto-detection.
const (
	vendorIntel      = 0x8086
	vendorMellanox   = 0x15b3
	vendorSolarflare = 0x1924
)

// sysfsPCIPath is a variable so tests can point detection at a fake tree.
var sysfsPCIPath = "/sys/bus/pci/devices"

// DetectLayout inspects the PCI device's vendor ID and returns the
// register layout for its hardware family together with the path of its
// BAR0 resource file. Unknown vendors get GenericLayout.
func DetectLayout(pciAddr string) (Layout, string, error) {
	devDir := filepath.Join(sysfsPCIPath, pciAddr)
	resource := filepath.Join(devDir, "resource0")

	vendor, err := readSysfsHex(filepath.Join(devDir, "vendor"))
	if err != nil {
		return Layout{}, "", fmt.Errorf("detecting vendor of %s: %w", pciAddr, err)
	}

	switch vendor {
	case vendorIntel:
		return IntelLayout, resource, nil
	case vendorMellanox:
		l := GenericLayout
		l.Name = "mellanox"
		return l, resource, nil
	case vendorSolarflare:
		l := GenericLayout
		l.Name = "solarflare"
		return l, resource, nil
	}
	return GenericLayout, resource, nil
}

func readSysfsHex(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", path, err)
	}
	return v, nil
}
