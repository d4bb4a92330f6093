//go:build linux

// Package xsk implements the AF_XDP deployment mode: instead of driving
// device descriptor rings directly, it rides the kernel's XDP socket
// rings. This trades a few hundred nanoseconds for portability across
// every driver with XDP support, behind the same Device contract as the
// register-level modes.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to kernel for RX.
//   - TX ring: descriptors userspace sends to NIC.
//   - CQ ring: completed TX buffers returned by kernel.
package xsk

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	ErrNotInitialized    = errors.New("device not initialized")
	ErrRegionIsEmpty     = errors.New("ring region is empty")
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= TxSize + RxSize")
)

// Config controls the AF_XDP socket dimensions.
type Config struct {
	// Queue identifies the NIC RX/TX queue to bind to.
	Queue uint32
	// PreferZerocopy requests driver-mode XDP with zero-copy binding,
	// falling back to copy mode when the queue does not support it.
	PreferZerocopy bool
	// NumFrames is the total number of UMEM frames allocated.
	NumFrames uint32
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32
	// RxSize and TxSize set the RX/TX ring descriptor counts.
	RxSize uint32
	TxSize uint32
	// CqSize sets the number of entries in the completion ring.
	CqSize uint32
	// Batch caps completion reaping per poll.
	Batch uint32
}

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 2048
	DefaultRingSize  = 2048
	DefaultBatch     = 64
)

func (c *Config) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRingSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultRingSize
	}
	if c.CqSize == 0 {
		c.CqSize = DefaultRingSize
	}
	if c.Batch == 0 {
		c.Batch = DefaultBatch
	}
	if c.NumFrames < c.TxSize+c.RxSize {
		return ErrNumFramesTooSmall
	}
	return nil
}

/*---- Kernel structs ----*/

// sockaddr_xdp is defined in linux/if_xdp.h
type sockaddrXDP struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// xdp_ring_offset is defined in linux/if_xdp.h
type xdpRingOffset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// xdp_mmap_offsets is defined in linux/if_xdp.h
type xdpMmapOffsets struct {
	Rx xdpRingOffset
	Tx xdpRingOffset
	Fr xdpRingOffset
	Cr xdpRingOffset
}

// xdp_umem_reg is defined in linux/if_xdp.h
type xdpUmemReg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// xdp_desc is defined in linux/if_xdp.h
type xdpDesc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

/*---- Ring wrappers ----*/

// descRing mirrors a kernel descriptor ring (RX or TX) in shared memory,
// with cached producer/consumer indices to reduce atomic traffic.
type descRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	descs      []xdpDesc
}

// addrRing mirrors a kernel UMEM address ring (FQ or CQ).
type addrRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	addrs      []uint64
}

func makeDescRing(region []byte, off xdpRingOffset, size uint32, isTx bool) (*descRing, error) {
	if len(region) == 0 {
		return nil, ErrRegionIsEmpty
	}
	base := unsafe.Pointer(&region[0])

	cachedCons := uint32(0)
	if isTx {
		cachedCons = size
	}

	return &descRing{
		mask:       size - 1,
		size:       size,
		prod:       (*uint32)(unsafe.Add(base, off.Producer)),
		cons:       (*uint32)(unsafe.Add(base, off.Consumer)),
		descs:      unsafe.Slice((*xdpDesc)(unsafe.Add(base, off.Desc)), size),
		cachedCons: cachedCons,
	}, nil
}

func makeAddrRing(region []byte, off xdpRingOffset, size uint32) (*addrRing, error) {
	if len(region) == 0 {
		return nil, ErrRegionIsEmpty
	}
	base := unsafe.Pointer(&region[0])

	return &addrRing{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		addrs: unsafe.Slice((*uint64)(unsafe.Add(base, off.Desc)), size),
	}, nil
}

// available returns the number of RX descriptors ready to consume.
func (q *descRing) available() uint32 {
	avail := q.cachedProd - q.cachedCons
	if avail > 0 {
		return avail
	}
	q.cachedProd = atomic.LoadUint32(q.prod)
	return q.cachedProd - q.cachedCons
}

// reserve claims one TX descriptor slot, returning false if the ring is
// full even after refreshing the consumer index.
func (q *descRing) reserve(idx *uint32) bool {
	if q.cachedCons-q.cachedProd < 1 {
		q.cachedCons = atomic.LoadUint32(q.cons) + q.size
		if q.cachedCons-q.cachedProd < 1 {
			return false
		}
	}
	*idx = q.cachedProd
	q.cachedProd++
	return true
}

// commit publishes reserved TX descriptors to the kernel.
func (q *descRing) commit() {
	// Descriptors are written; now publish the producer index.
	atomic.StoreUint32(q.prod, q.cachedProd)
}

// drain copies up to nb completed UMEM addresses into dst and advances
// the consumer index.
func (q *addrRing) drain(dst []uint64, nb uint32) uint32 {
	entries := q.cachedProd - q.cachedCons
	if entries == 0 {
		q.cachedProd = atomic.LoadUint32(q.prod)
		entries = q.cachedProd - q.cachedCons
	}
	if entries > nb {
		entries = nb
	}
	for i := uint32(0); i < entries; i++ {
		dst[i] = q.addrs[q.cachedCons&q.mask]
		q.cachedCons++
	}
	if entries > 0 {
		atomic.StoreUint32(q.cons, q.cachedCons)
	}
	return entries
}

/*---- Syscall helpers ----*/

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}

func rawBind(fd int, sa *sockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd), uintptr(unsafe.Pointer(sa)), unsafe.Sizeof(*sa))
	if e != 0 {
		return e
	}
	return nil
}

// mmapRing maps one of the socket's ring regions.
func mmapRing(fd int, length uintptr, offset uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE,
		uintptr(fd), offset)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

// mmapUmem maps an anonymous, page-backed region for UMEM.
func mmapUmem(length uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
		^uintptr(0), // fd = -1
		0)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

var zeroBuf []byte

// kick notifies the kernel that new TX descriptors are ready. AF_XDP
// interprets a zero-length sendto() as a doorbell when
// XDP_USE_NEED_WAKEUP is set. EAGAIN/EBUSY are backpressure, not errors.
func kick(fd int) error {
	err := unix.Sendto(fd, zeroBuf, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY {
		return nil
	}
	return err
}

/*---- XDP redirect program ----*/

// newRedirectProgram assembles the minimal XSK redirect program in
// process: redirect every packet on the bound queue into xsksMap,
// passing to the stack when no socket is registered. Building it from
// instructions removes any build-time BPF toolchain dependency.
func newRedirectProgram(xsksMap *ebpf.Map) (*ebpf.Program, error) {
	const (
		xdpMdRxQueueIndex = 16 // offsetof(struct xdp_md, rx_queue_index)
		xdpPass           = 2
	)
	return ebpf.NewProgram(&ebpf.ProgramSpec{
		Name: "xsk_redirect",
		Type: ebpf.XDP,
		Instructions: asm.Instructions{
			asm.LoadMem(asm.R2, asm.R1, xdpMdRxQueueIndex, asm.Word),
			asm.LoadMapPtr(asm.R1, xsksMap.FD()),
			asm.Mov.Imm(asm.R3, xdpPass),
			asm.FnRedirectMap.Call(),
			asm.Return(),
		},
		License: "LGPL-2.1 or BSD-2-Clause",
	})
}

/*---- Device ----*/

// Device is an AF_XDP-backed packet device bound to one NIC queue.
//
// WARNING: Device is not safe for concurrent use.
type Device struct {
	l    *logrus.Logger
	conf Config

	ifaceName  string
	isZerocopy bool

	xsksMap *ebpf.Map
	prog    *ebpf.Program
	link    link.Link

	fd   int
	umem []byte

	tx *descRing
	cq *addrRing
	rx *descRing
	fq *addrRing

	txRegion []byte
	cqRegion []byte
	rxRegion []byte
	fqRegion []byte

	freeFrames []uint64
	freeCount  uint32
	compBuf    []uint64

	// pending is the UMEM address borrowed by the last Receive, returned
	// to the fill ring on the next call.
	pending    uint64
	hasPending bool

	received uint64
	sent     uint64

	initialized bool
}

// New creates an uninitialized AF_XDP device. Initialize must be called
// with the netdev name before use.
func New(l *logrus.Logger, conf Config) *Device {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Device{l: l, conf: conf, fd: -1}
}

// IsZerocopy reports whether the socket bound in zero-copy mode. May be
// false even when PreferZerocopy was set: the queue decides.
func (d *Device) IsZerocopy() bool { return d.isZerocopy }

// Initialize attaches the redirect program to the interface named by
// resource, allocates UMEM, maps the four rings and binds the socket to
// the configured queue. Any failure releases everything acquired so far.
func (d *Device) Initialize(resource string) (err error) {
	if d.initialized {
		return errors.New("device already initialized")
	}
	if err := d.conf.ValidateAndSetDefaults(); err != nil {
		return err
	}
	d.ifaceName = resource

	defer func() {
		if err != nil {
			_ = d.release()
		}
	}()

	netIf, err := net.InterfaceByName(resource)
	if err != nil {
		return fmt.Errorf("getting interface: %w", err)
	}

	if err = d.attach(netIf.Index); err != nil {
		return err
	}
	if err = d.openSocket(netIf.Index); err != nil {
		return err
	}

	if err = d.xsksMap.Update(d.conf.Queue, uint32(d.fd), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("registering socket in xsks_map: %w", err)
	}

	d.initialized = true
	d.l.WithFields(logrus.Fields{
		"iface":    resource,
		"queue":    d.conf.Queue,
		"zerocopy": d.isZerocopy,
	}).Info("AF_XDP device ready")
	return nil
}

func (d *Device) attach(ifindex int) error {
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: d.conf.Queue + 1,
	})
	if err != nil {
		return fmt.Errorf("creating xsks_map: %w", err)
	}
	d.xsksMap = m

	prog, err := newRedirectProgram(m)
	if err != nil {
		return fmt.Errorf("loading redirect program: %w", err)
	}
	d.prog = prog

	opts := link.XDPOptions{
		Program:   prog,
		Interface: ifindex,
	}
	if d.conf.PreferZerocopy {
		// Zero-copy requires driver-mode XDP.
		opts.Flags = link.XDPDriverMode
	}
	l, err := link.AttachXDP(opts)
	if err != nil {
		return fmt.Errorf("attaching XDP: %w", err)
	}
	d.link = l
	return nil
}

func (d *Device) openSocket(ifindex int) error {
	conf := &d.conf

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	d.fd = fd

	umemLen := uintptr(conf.NumFrames) * uintptr(conf.FrameSize)
	if d.umem, err = mmapUmem(umemLen); err != nil {
		return fmt.Errorf("mmap UMEM: %w", err)
	}

	reg := xdpUmemReg{
		Addr:      uint64(uintptr(unsafe.Pointer(&d.umem[0]))),
		Len:       uint64(len(d.umem)),
		ChunkSize: conf.FrameSize,
	}
	if err := setsockopt(fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	for _, opt := range []struct {
		name int
		val  uint32
	}{
		{unix.XDP_UMEM_FILL_RING, conf.RxSize},
		{unix.XDP_UMEM_COMPLETION_RING, conf.CqSize},
		{unix.XDP_TX_RING, conf.TxSize},
		{unix.XDP_RX_RING, conf.RxSize},
	} {
		v := opt.val
		if err := setsockopt(fd, unix.SOL_XDP, opt.name,
			unsafe.Pointer(&v), unsafe.Sizeof(v)); err != nil {
			return fmt.Errorf("setsockopt ring size %#x: %w", opt.name, err)
		}
	}

	var offs xdpMmapOffsets
	if err := getsockopt(fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs)); err != nil {
		return fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	descSz := unsafe.Sizeof(xdpDesc{})
	addrSz := unsafe.Sizeof(uint64(0))

	if d.txRegion, err = mmapRing(fd,
		uintptr(offs.Tx.Desc)+uintptr(conf.TxSize)*descSz,
		unix.XDP_PGOFF_TX_RING); err != nil {
		return fmt.Errorf("mmap TX ring: %w", err)
	}
	if d.cqRegion, err = mmapRing(fd,
		uintptr(offs.Cr.Desc)+uintptr(conf.CqSize)*addrSz,
		unix.XDP_UMEM_PGOFF_COMPLETION_RING); err != nil {
		return fmt.Errorf("mmap CQ ring: %w", err)
	}
	if d.rxRegion, err = mmapRing(fd,
		uintptr(offs.Rx.Desc)+uintptr(conf.RxSize)*descSz,
		unix.XDP_PGOFF_RX_RING); err != nil {
		return fmt.Errorf("mmap RX ring: %w", err)
	}
	if d.fqRegion, err = mmapRing(fd,
		uintptr(offs.Fr.Desc)+uintptr(conf.RxSize)*addrSz,
		unix.XDP_UMEM_PGOFF_FILL_RING); err != nil {
		return fmt.Errorf("mmap FQ ring: %w", err)
	}

	if d.tx, err = makeDescRing(d.txRegion, offs.Tx, conf.TxSize, true); err != nil {
		return fmt.Errorf("making TX ring: %w", err)
	}
	if d.cq, err = makeAddrRing(d.cqRegion, offs.Cr, conf.CqSize); err != nil {
		return fmt.Errorf("making CQ ring: %w", err)
	}
	if d.rx, err = makeDescRing(d.rxRegion, offs.Rx, conf.RxSize, false); err != nil {
		return fmt.Errorf("making RX ring: %w", err)
	}
	if d.fq, err = makeAddrRing(d.fqRegion, offs.Fr, conf.RxSize); err != nil {
		return fmt.Errorf("making FQ ring: %w", err)
	}

	// Hand the first RxSize frames to the kernel for RX; the rest form
	// the local TX frame pool.
	prod := atomic.LoadUint32(d.fq.prod)
	for i := uint32(0); i < d.fq.size; i++ {
		d.fq.addrs[(prod+i)&d.fq.mask] = uint64(i) * uint64(conf.FrameSize)
	}
	atomic.StoreUint32(d.fq.prod, prod+d.fq.size)
	d.fq.cachedProd = atomic.LoadUint32(d.fq.prod)
	d.fq.cachedCons = atomic.LoadUint32(d.fq.cons)

	d.freeFrames = make([]uint64, 0, conf.NumFrames)
	for i := conf.RxSize; i < conf.NumFrames; i++ {
		d.freeFrames = append(d.freeFrames, uint64(i)*uint64(conf.FrameSize))
	}
	d.freeCount = uint32(len(d.freeFrames))
	d.freeFrames = d.freeFrames[:cap(d.freeFrames)]
	d.compBuf = make([]uint64, conf.Batch)

	sa := &sockaddrXDP{
		Family:  unix.AF_XDP,
		Ifindex: uint32(ifindex),
		QueueID: conf.Queue,
	}
	zerocopy := conf.PreferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}

	err = rawBind(fd, sa)
	if err != nil && zerocopy {
		// The queue may not support zero-copy; fall back to copy mode.
		if errno, ok := err.(unix.Errno); ok && errno == unix.EPROTONOSUPPORT {
			sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
			zerocopy = false
			err = rawBind(fd, sa)
		}
	}
	if err != nil {
		return fmt.Errorf("binding socket: %w", err)
	}
	d.isZerocopy = zerocopy
	return nil
}

// Receive polls the RX ring once. The returned view points into UMEM and
// stays valid only until the next Receive call, when its frame goes back
// to the fill ring.
func (d *Device) Receive() ([]byte, bool) {
	if !d.initialized {
		return nil, false
	}

	if d.hasPending {
		d.releaseFrame(d.pending)
		d.hasPending = false
	}

	if d.rx.available() == 0 {
		return nil, false
	}

	desc := d.rx.descs[d.rx.cachedCons&d.rx.mask]
	d.rx.cachedCons++
	atomic.StoreUint32(d.rx.cons, d.rx.cachedCons)

	d.pending = desc.Addr
	d.hasPending = true
	d.received++

	return d.umem[desc.Addr : desc.Addr+uint64(desc.Len)], true
}

// releaseFrame returns a consumed UMEM frame to the fill ring. One frame
// back per frame received keeps FQ occupancy bounded.
func (d *Device) releaseFrame(addr uint64) {
	prod := atomic.LoadUint32(d.fq.prod)
	d.fq.addrs[prod&d.fq.mask] = addr
	atomic.StoreUint32(d.fq.prod, prod+1)
}

// Send queues one packet. False means no free frame or no TX descriptor
// was available even after reaping completions: backpressure, not an
// error.
func (d *Device) Send(data []byte) bool {
	if !d.initialized || len(data) == 0 || len(data) > int(d.conf.FrameSize) {
		return false
	}

	if d.freeCount == 0 {
		d.reapCompletions()
		if d.freeCount == 0 {
			return false
		}
	}

	var idx uint32
	if !d.tx.reserve(&idx) {
		d.reapCompletions()
		_ = kick(d.fd)
		if !d.tx.reserve(&idx) {
			return false
		}
	}

	d.freeCount--
	addr := d.freeFrames[d.freeCount]

	n := copy(d.umem[addr:addr+uint64(d.conf.FrameSize)], data)

	desc := &d.tx.descs[idx&d.tx.mask]
	desc.Addr = addr
	desc.Len = uint32(n)
	desc.Opts = 0

	d.tx.commit()
	if err := kick(d.fd); err != nil {
		d.l.WithError(err).Debug("tx doorbell failed")
	}

	d.sent++
	return true
}

// reapCompletions reclaims completed TX frames from the kernel back into
// the local free pool.
func (d *Device) reapCompletions() uint32 {
	n := d.cq.drain(d.compBuf, d.conf.Batch)
	for i := uint32(0); i < n; i++ {
		d.freeFrames[d.freeCount] = d.compBuf[i]
		d.freeCount++
	}
	return n
}

// IsLinkUp reads the carrier state of the bound interface.
func (d *Device) IsLinkUp() bool {
	if d.ifaceName == "" {
		return false
	}
	b, err := os.ReadFile("/sys/class/net/" + d.ifaceName + "/carrier")
	return err == nil && len(b) > 0 && b[0] == '1'
}

// Stats returns the packets received and sent by this device instance.
func (d *Device) Stats() (received, sent uint64) {
	return d.received, d.sent
}

// Shutdown releases the socket, UMEM, rings and the XDP program.
// Safe to call more than once.
func (d *Device) Shutdown() error {
	err := d.release()
	d.initialized = false
	return err
}

func (d *Device) release() error {
	var errs []error

	if d.fd >= 0 {
		if err := unix.Close(d.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing socket: %w", err))
		}
		d.fd = -1
	}

	for _, region := range []*[]byte{&d.txRegion, &d.cqRegion, &d.rxRegion, &d.fqRegion, &d.umem} {
		if *region != nil {
			if err := unix.Munmap(*region); err != nil {
				errs = append(errs, err)
			}
			*region = nil
		}
	}
	d.tx, d.cq, d.rx, d.fq = nil, nil, nil, nil

	if d.link != nil {
		if err := d.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detaching XDP link: %w", err))
		}
		d.link = nil
	}
	if d.prog != nil {
		if err := d.prog.Close(); err != nil {
			errs = append(errs, err)
		}
		d.prog = nil
	}
	if d.xsksMap != nil {
		if err := d.xsksMap.Close(); err != nil {
			errs = append(errs, err)
		}
		d.xsksMap = nil
	}

	return errors.Join(errs...)
}
