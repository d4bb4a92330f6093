//go:build linux

// Package nicdrv implements a userspace kernel-bypass NIC driver that
// drives a device's RX/TX descriptor rings directly over a memory-mapped
// register window.
//
// The engine is written once and specialized per deployment mode through
// a Backend (how the register window and DMA memory are acquired) and a
// register Layout (where the hardware puts its registers):
//
//   - ModeDirect: raw sysfs resource mapping, generic register layout.
//   - ModeAuto:   direct mapping with the layout picked by PCI vendor ID.
//   - ModeVFIO:   register window and DMA mappings go through VFIO, so
//     the IOMMU confines device DMA to memory the driver mapped.
//   - ModeXDP:    the kernel's AF_XDP rings instead of device rings,
//     behind the same Device contract (package xsk).
//
// One goroutine owns one Driver and its ring pair. There is no internal
// locking: the only concurrent actor is the device DMA engine, and the
// sole synchronization with it is the acquire/release discipline on
// descriptor status words and the tail registers.
package nicdrv

import (
	"errors"
)

var (
	ErrResetTimeout = errors.New("device did not leave reset")
	ErrAllocation   = errors.New("ring or buffer allocation failed")
	ErrRingFull     = errors.New("tx ring full")
	ErrRingSize     = errors.New("ring size must be a power of two")
	ErrInitialized  = errors.New("driver already initialized")
)

const (
	DefaultRxRingSize    = 2048
	DefaultTxRingSize    = 2048
	DefaultMaxPacketSize = 9216

	// Reset poll budget: fixed iteration count with a fixed short delay,
	// matching the hardware families this layout table covers.
	resetPollRetries = 1000
	resetPollDelay   = 1 // microseconds
)

// DriverConfig controls ring and buffer dimensioning.
type DriverConfig struct {
	// Layout is the register offset table. Zero value means GenericLayout.
	Layout Layout
	// AutoDetectLayout treats the resource passed to Initialize as a PCI
	// address and picks the layout from the device's vendor ID.
	AutoDetectLayout bool
	// RxSize and TxSize are the descriptor ring sizes (powers of two).
	RxSize uint32
	TxSize uint32
	// MaxPacketSize is the fixed byte size of every buffer slot.
	MaxPacketSize uint32
}

func (c *DriverConfig) ValidateAndSetDefaults() error {
	if c.Layout == (Layout{}) {
		c.Layout = GenericLayout
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRxRingSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultTxRingSize
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if !isPowerOfTwo(c.RxSize) || !isPowerOfTwo(c.TxSize) {
		return ErrRingSize
	}
	return nil
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}
