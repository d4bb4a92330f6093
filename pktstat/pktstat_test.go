package pktstat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	rx, tx uint64
}

func (s *fakeSource) Stats() (uint64, uint64) { return s.rx, s.tx }

func TestTakeAndSince(t *testing.T) {
	src := &fakeSource{rx: 100, tx: 40}

	a := Take(src)
	assert.Equal(t, uint64(100), a.Received)
	assert.Equal(t, uint64(40), a.Sent)

	src.rx, src.tx = 350, 90
	b := Take(src)
	b.At = a.At.Add(time.Second) // pin the window for deterministic rates

	d := b.Since(a)
	assert.Equal(t, uint64(250), d.Received)
	assert.Equal(t, uint64(50), d.Sent)
	assert.InDelta(t, 250.0, d.RxRate(), 0.01)
	assert.InDelta(t, 50.0, d.TxRate(), 0.01)
}

func TestRatesWithZeroWindow(t *testing.T) {
	d := Delta{Received: 10, Sent: 10, Elapsed: 0}
	assert.Zero(t, d.RxRate())
	assert.Zero(t, d.TxRate())
}

func TestDeltaPrint(t *testing.T) {
	d := Delta{Received: 1500000, Sent: 2000, Elapsed: time.Second}
	var sb strings.Builder
	d.Print(&sb, "eth0")

	out := sb.String()
	assert.Contains(t, out, "eth0:")
	assert.Contains(t, out, "1,500,000")
	assert.Contains(t, out, "2,000")
	assert.Contains(t, out, "pps")
}

func writeFakeNetdev(t *testing.T, root, iface string, vals map[string]string) {
	t.Helper()
	dir := filepath.Join(root, iface, "statistics")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for file, v := range vals {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file),
			[]byte(v+"\n"), 0o644))
	}
}

func TestReadKernelCounters(t *testing.T) {
	root := t.TempDir()
	orig := sysfsNetPath
	sysfsNetPath = root
	t.Cleanup(func() { sysfsNetPath = orig })

	writeFakeNetdev(t, root, "eth0", map[string]string{
		"rx_packets": "1000",
		"rx_bytes":   "64000",
		"tx_packets": "500",
		"tx_bytes":   "32000",
	})

	kc, err := ReadKernelCounters("eth0")
	require.NoError(t, err)
	assert.Equal(t, KernelCounters{
		RxPackets: 1000, RxBytes: 64000,
		TxPackets: 500, TxBytes: 32000,
	}, kc)

	_, err = ReadKernelCounters("eth1")
	assert.Error(t, err)
}

func TestKernelCountersSince(t *testing.T) {
	old := KernelCounters{RxPackets: 10, RxBytes: 100, TxPackets: 5, TxBytes: 50}
	now := KernelCounters{RxPackets: 30, RxBytes: 400, TxPackets: 9, TxBytes: 90}

	d := now.Since(old)
	assert.Equal(t, KernelCounters{
		RxPackets: 20, RxBytes: 300, TxPackets: 4, TxBytes: 40,
	}, d)
}

func TestKernelCountersPrint(t *testing.T) {
	kc := KernelCounters{RxPackets: 2, RxBytes: 2048, TxPackets: 1, TxBytes: 1024}
	var sb strings.Builder
	kc.Print(&sb, "eth0")

	out := sb.String()
	assert.Contains(t, out, "eth0 (kernel):")
	assert.Contains(t, out, "2,048")
}
