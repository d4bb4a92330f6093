//go:build linux

package nicdrv

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ullnic/ullnic-go/mmio"
)

type driverState uint8

const (
	stateUninitialized driverState = iota
	stateMapped
	stateReset
	stateRingsConfigured
	stateEnabled
	stateStopped
)

// Driver owns one register window, one RX/TX ring pair and their buffer
// pools for its entire lifetime.
//
// WARNING: Driver is not safe for concurrent use. One goroutine owns one
// Driver; driving one ring pair from multiple goroutines is undefined
// behavior by design, not a bug to be locked away.
type Driver struct {
	l    *logrus.Logger
	b    Backend
	conf DriverConfig

	regs   mmio.Window
	layout Layout

	rxDescMem *DMARegion
	txDescMem *DMARegion
	rxPool    *BufferPool
	txPool    *BufferPool

	rx *rxRing
	tx *txRing

	state driverState

	received uint64
	sent     uint64
}

// NewDriver creates an uninitialized driver on the given backend.
// conf defaults are applied on Initialize.
func NewDriver(l *logrus.Logger, b Backend, conf DriverConfig) *Driver {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Driver{l: l, b: b, conf: conf}
}

// Initialize maps the register window, resets the device, allocates and
// registers the rings and buffer pools, and enables RX/TX. On any
// failure the driver is left safely destructible: everything acquired up
// to that point is released before the error is returned.
func (d *Driver) Initialize(resourcePath string) (err error) {
	if d.state != stateUninitialized {
		return ErrInitialized
	}
	if err := d.conf.ValidateAndSetDefaults(); err != nil {
		return err
	}
	d.layout = d.conf.Layout

	defer func() {
		if err != nil {
			d.teardown()
			d.state = stateStopped
		}
	}()

	if d.conf.AutoDetectLayout {
		layout, resource, derr := DetectLayout(resourcePath)
		if derr != nil {
			return derr
		}
		d.l.WithFields(logrus.Fields{
			"device": resourcePath, "layout": layout.Name,
		}).Info("register layout detected")
		d.layout = layout
		resourcePath = resource
	}

	if d.regs, err = d.b.MapRegisters(resourcePath); err != nil {
		return err
	}
	d.state = stateMapped

	if err = d.reset(); err != nil {
		return err
	}
	d.state = stateReset

	if err = d.setupRings(); err != nil {
		return err
	}
	d.state = stateRingsConfigured

	d.enable()
	d.state = stateEnabled

	d.l.WithFields(logrus.Fields{
		"backend": d.b.Name(),
		"layout":  d.layout.Name,
		"rx_size": d.conf.RxSize,
		"tx_size": d.conf.TxSize,
		"slot":    d.conf.MaxPacketSize,
	}).Info("driver initialized")
	return nil
}

// reset writes the reset bit and polls until the device clears it.
func (d *Driver) reset() error {
	lay := &d.layout
	d.regs.Write32(lay.Ctrl, lay.CtrlReset)

	for i := 0; i < resetPollRetries; i++ {
		if d.regs.Read32(lay.Ctrl)&lay.CtrlReset == 0 {
			return nil
		}
		time.Sleep(resetPollDelay * time.Microsecond)
	}
	return ErrResetTimeout
}

func (d *Driver) setupRings() error {
	lay := &d.layout
	conf := &d.conf

	var err error
	if d.rxDescMem, err = d.allocDescMem(conf.RxSize); err != nil {
		return err
	}
	if d.txDescMem, err = d.allocDescMem(conf.TxSize); err != nil {
		return err
	}
	if d.rx, err = newRXRing(d.rxDescMem, conf.RxSize); err != nil {
		return err
	}
	if d.tx, err = newTXRing(d.txDescMem, conf.TxSize); err != nil {
		return err
	}
	if d.rxPool, err = newBufferPool(d.b, conf.RxSize, conf.MaxPacketSize); err != nil {
		return err
	}
	if d.txPool, err = newBufferPool(d.b, conf.TxSize, conf.MaxPacketSize); err != nil {
		return err
	}

	// Bind every RX slot to its buffer before the ring is handed to
	// hardware.
	for i := uint32(0); i < conf.RxSize; i++ {
		d.rx.descs[i].BufferAddr = d.rxPool.PhysAddr(i)
	}

	d.regs.Write32(lay.RxDescBaseLo, uint32(d.rxDescMem.IOVA))
	d.regs.Write32(lay.RxDescBaseHi, uint32(d.rxDescMem.IOVA>>32))
	d.regs.Write32(lay.RxDescLen, conf.RxSize*descBytes)
	d.regs.Write32(lay.RxDescHead, 0)
	d.regs.Write32(lay.RxDescTail, conf.RxSize-1)

	d.regs.Write32(lay.TxDescBaseLo, uint32(d.txDescMem.IOVA))
	d.regs.Write32(lay.TxDescBaseHi, uint32(d.txDescMem.IOVA>>32))
	d.regs.Write32(lay.TxDescLen, conf.TxSize*descBytes)
	d.regs.Write32(lay.TxDescHead, 0)
	d.regs.Write32(lay.TxDescTail, 0)

	return nil
}

func (d *Driver) allocDescMem(size uint32) (*DMARegion, error) {
	r, err := d.b.AllocDMA(int(size) * descBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %d descriptors: %v", ErrAllocation, size, err)
	}
	return r, nil
}

func (d *Driver) enable() {
	lay := &d.layout
	d.regs.Write32(lay.RxCtrl, d.regs.Read32(lay.RxCtrl)|lay.CtrlRxEnable)
	d.regs.Write32(lay.TxCtrl, d.regs.Read32(lay.TxCtrl)|lay.CtrlTxEnable)
}

// Receive polls the RX ring once. On a hit it returns a view into the
// slot's buffer truncated to the received length, recycles the slot back
// to hardware and publishes the new tail. On a miss it returns
// immediately: the caller's loop, not the driver, decides how to idle.
//
// The returned view stays valid only until the next Receive call; the
// slot is hardware-owned again the moment this call returns.
func (d *Driver) Receive() ([]byte, bool) {
	if d.state != stateEnabled {
		return nil, false
	}

	length, _, ok := d.rx.tryConsume()
	if !ok {
		return nil, false
	}

	slot := d.rx.head & d.rx.mask
	buf := d.rxPool.Buffer(slot)
	if int(length) < len(buf) {
		buf = buf[:length]
	}

	tail := d.rx.recycle(d.rxPool.PhysAddr(slot))
	d.regs.Write32(d.layout.RxDescTail, tail)

	d.received++
	return buf, true
}

// Send queues one packet. On a full ring it reclaims completed
// descriptors once and retries; false means the ring is still full —
// backpressure, not an error.
func (d *Driver) Send(data []byte) bool {
	if d.state != stateEnabled {
		return false
	}
	if len(data) == 0 || len(data) > int(d.conf.MaxPacketSize) {
		return false
	}

	if d.tx.full() {
		d.tx.reclaim()
		if d.tx.full() {
			return false
		}
	}

	slot := d.tx.tail & d.tx.mask
	n := copy(d.txPool.Buffer(slot), data)

	// Cannot fail: fullness was just ruled out and nothing else produces.
	_ = d.tx.tryProduce(d.txPool.PhysAddr(slot), uint32(n))

	d.regs.Write32(d.layout.TxDescTail, d.tx.tail&d.tx.mask)

	d.sent++
	return true
}

// IsLinkUp reads the link bit from the status register. Link down is a
// state, not an error.
func (d *Driver) IsLinkUp() bool {
	if d.regs == nil || d.state != stateEnabled {
		return false
	}
	return d.regs.Read32(d.layout.Status)&d.layout.StatusLinkUp != 0
}

// Stats returns the packets received and sent by this instance.
// Counters start at zero per instance and only ever grow.
func (d *Driver) Stats() (received, sent uint64) {
	return d.received, d.sent
}

// Shutdown disables RX/TX and releases the window, rings and pools.
// Safe to call more than once.
func (d *Driver) Shutdown() error {
	if d.state == stateStopped || d.state == stateUninitialized {
		d.state = stateStopped
		return nil
	}

	if d.state == stateEnabled {
		lay := &d.layout
		d.regs.Write32(lay.RxCtrl, d.regs.Read32(lay.RxCtrl)&^lay.CtrlRxEnable)
		d.regs.Write32(lay.TxCtrl, d.regs.Read32(lay.TxCtrl)&^lay.CtrlTxEnable)
	}

	err := d.teardown()
	d.state = stateStopped
	d.l.WithField("backend", d.b.Name()).Info("driver shut down")
	return err
}

// teardown releases whatever has been acquired so far, in reverse
// acquisition order. Every step tolerates the thing never having been
// set up.
func (d *Driver) teardown() error {
	var errs []error

	for _, pool := range []**BufferPool{&d.txPool, &d.rxPool} {
		if *pool != nil {
			if err := (*pool).free(d.b); err != nil {
				errs = append(errs, err)
			}
			*pool = nil
		}
	}
	for _, mem := range []**DMARegion{&d.txDescMem, &d.rxDescMem} {
		if *mem != nil {
			if err := d.b.FreeDMA(*mem); err != nil {
				errs = append(errs, err)
			}
			*mem = nil
		}
	}
	d.rx, d.tx = nil, nil

	if d.regs != nil {
		if err := d.regs.Unmap(); err != nil {
			errs = append(errs, err)
		}
		d.regs = nil
	}

	if err := d.b.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
