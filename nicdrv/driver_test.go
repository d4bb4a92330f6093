//go:build linux

package nicdrv

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestDriver(t *testing.T, conf DriverConfig) (*Driver, *simWindow, *simBackend) {
	t.Helper()
	win := newSimWindow(GenericLayout)
	b := newSimBackend(win)
	d := NewDriver(testLogger(), b, conf)
	require.NoError(t, d.Initialize("sim"))
	return d, win, b
}

func TestConfigDefaults(t *testing.T) {
	var c DriverConfig
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, uint32(DefaultRxRingSize), c.RxSize)
	assert.Equal(t, uint32(DefaultTxRingSize), c.TxSize)
	assert.Equal(t, uint32(DefaultMaxPacketSize), c.MaxPacketSize)
	assert.Equal(t, GenericLayout, c.Layout)

	c = DriverConfig{RxSize: 100}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), ErrRingSize)
}

func TestInitializeProgramsRings(t *testing.T) {
	d, win, _ := newTestDriver(t, DriverConfig{RxSize: 8, TxSize: 4, MaxPacketSize: 2048})
	defer d.Shutdown()

	lay := GenericLayout
	assert.Zero(t, win.regs[lay.Ctrl]&lay.CtrlReset, "reset bit cleared")
	assert.Equal(t, uint32(8*descBytes), win.regs[lay.RxDescLen])
	assert.Equal(t, uint32(4*descBytes), win.regs[lay.TxDescLen])
	assert.Equal(t, uint32(7), win.regs[lay.RxDescTail],
		"all but one RX slot handed to hardware")
	assert.Equal(t, uint32(0), win.regs[lay.TxDescTail])
	assert.NotZero(t, win.regs[lay.RxCtrl]&lay.CtrlRxEnable)
	assert.NotZero(t, win.regs[lay.TxCtrl]&lay.CtrlTxEnable)

	assert.Equal(t, uint32(d.rxDescMem.IOVA), win.regs[lay.RxDescBaseLo])
	assert.Equal(t, uint32(d.rxDescMem.IOVA>>32), win.regs[lay.RxDescBaseHi])

	// Every RX descriptor is bound to its pool slot before enable.
	for i := uint32(0); i < 8; i++ {
		assert.Equal(t, d.rxPool.PhysAddr(i), d.rx.descs[i].BufferAddr)
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	d, _, _ := newTestDriver(t, DriverConfig{RxSize: 4, TxSize: 4})
	defer d.Shutdown()
	assert.ErrorIs(t, d.Initialize("sim"), ErrInitialized)
}

func TestInitializeResetTimeout(t *testing.T) {
	win := newSimWindow(GenericLayout)
	win.stuckInReset = true
	b := newSimBackend(win)
	d := NewDriver(testLogger(), b, DriverConfig{RxSize: 4, TxSize: 4})

	assert.ErrorIs(t, d.Initialize("sim"), ErrResetTimeout)
	assert.True(t, win.unmapped, "window released after failed init")
	assert.Zero(t, b.live, "no DMA regions leaked")
	assert.True(t, b.closed)
}

func TestReceiveInOrder(t *testing.T) {
	d, win, _ := newTestDriver(t, DriverConfig{RxSize: 4, TxSize: 4, MaxPacketSize: 512})
	defer d.Shutdown()

	payloads := [][]byte{
		make([]byte, 64), make([]byte, 128), make([]byte, 256),
	}
	for i, p := range payloads {
		for j := range p {
			p[j] = byte(i + 1)
		}
		completeRx(d, uint32(i), p)
	}

	for i, want := range payloads {
		got, ok := d.Receive()
		require.True(t, ok, "packet %d", i)
		assert.Equal(t, want, got, "packet %d", i)
	}

	_, ok := d.Receive()
	assert.False(t, ok, "no fourth packet pending")

	// Each consumed slot was handed straight back to hardware.
	assert.Equal(t, uint32(2), win.regs[GenericLayout.RxDescTail])

	received, _ := d.Stats()
	assert.Equal(t, uint64(3), received)
}

func TestReceiveTruncatesToLength(t *testing.T) {
	d, _, _ := newTestDriver(t, DriverConfig{RxSize: 4, TxSize: 4, MaxPacketSize: 2048})
	defer d.Shutdown()

	completeRx(d, 0, []byte{0xaa, 0xbb, 0xcc})
	pkt, ok := d.Receive()
	require.True(t, ok)
	assert.Len(t, pkt, 3)
}

func TestSendFillsRingThenBackpressure(t *testing.T) {
	d, win, _ := newTestDriver(t, DriverConfig{RxSize: 4, TxSize: 2, MaxPacketSize: 512})
	defer d.Shutdown()

	pkt := make([]byte, 64)
	assert.True(t, d.Send(pkt))
	assert.True(t, d.Send(pkt), "a ring of size 2 holds 2 packets")
	assert.False(t, d.Send(pkt), "third send hits a full ring")

	// The device completes both; the next send reclaims and succeeds.
	completeTx(d, 0)
	completeTx(d, 1)
	assert.True(t, d.Send(pkt))

	assert.Equal(t, uint32(1), win.regs[GenericLayout.TxDescTail],
		"tail wrapped past the ring end")

	_, sent := d.Stats()
	assert.Equal(t, uint64(3), sent)
}

func TestSendCopiesPayload(t *testing.T) {
	d, _, _ := newTestDriver(t, DriverConfig{RxSize: 4, TxSize: 4, MaxPacketSize: 512})
	defer d.Shutdown()

	pkt := []byte{1, 2, 3, 4}
	require.True(t, d.Send(pkt))

	assert.Equal(t, pkt, d.txPool.Buffer(0)[:4])
	desc := &d.tx.descs[0]
	assert.Equal(t, d.txPool.PhysAddr(0), desc.BufferAddr)
	assert.Equal(t, uint32(4)|uint32(descStatusEOP), desc.CmdTypeLen)
}

func TestSendRejectsBadSizes(t *testing.T) {
	d, _, _ := newTestDriver(t, DriverConfig{RxSize: 4, TxSize: 4, MaxPacketSize: 128})
	defer d.Shutdown()

	assert.False(t, d.Send(nil))
	assert.False(t, d.Send(make([]byte, 129)))
	_, sent := d.Stats()
	assert.Zero(t, sent)
}

func TestStatsStartAtZero(t *testing.T) {
	d, _, _ := newTestDriver(t, DriverConfig{RxSize: 4, TxSize: 4})
	defer d.Shutdown()

	received, sent := d.Stats()
	assert.Zero(t, received)
	assert.Zero(t, sent)
}

func TestIsLinkUp(t *testing.T) {
	d, win, _ := newTestDriver(t, DriverConfig{RxSize: 4, TxSize: 4})
	defer d.Shutdown()

	assert.True(t, d.IsLinkUp())
	win.regs[GenericLayout.Status] = 0
	assert.False(t, d.IsLinkUp())
}

func TestShutdownIdempotent(t *testing.T) {
	d, win, b := newTestDriver(t, DriverConfig{RxSize: 4, TxSize: 4})

	require.NoError(t, d.Shutdown())
	assert.Zero(t, win.regs[GenericLayout.RxCtrl]&GenericLayout.CtrlRxEnable)
	assert.Zero(t, win.regs[GenericLayout.TxCtrl]&GenericLayout.CtrlTxEnable)
	assert.True(t, win.unmapped)
	assert.Zero(t, b.live, "all DMA regions freed")
	assert.True(t, b.closed)

	require.NoError(t, d.Shutdown())

	// A stopped driver refuses traffic rather than touching freed memory.
	_, ok := d.Receive()
	assert.False(t, ok)
	assert.False(t, d.Send([]byte{1}))
	assert.False(t, d.IsLinkUp())
}

func TestShutdownWithoutInitialize(t *testing.T) {
	d := NewDriver(testLogger(), newSimBackend(newSimWindow(GenericLayout)), DriverConfig{})
	require.NoError(t, d.Shutdown())
}
