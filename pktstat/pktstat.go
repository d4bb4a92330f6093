// Package pktstat snapshots and prints packet counters, both from a
// device's own counters and from the kernel's per-netdev statistics.
// Kernel counters are the ground truth when validating an AF_XDP path:
// the device counts what it saw, the kernel counts what the wire saw.
package pktstat

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Source is anything with monotonically growing receive/send counters.
type Source interface {
	Stats() (received, sent uint64)
}

// Snapshot is a point-in-time reading of a Source.
type Snapshot struct {
	Received uint64
	Sent     uint64
	At       time.Time
}

// Take reads src's counters with a timestamp.
func Take(src Source) Snapshot {
	rx, tx := src.Stats()
	return Snapshot{Received: rx, Sent: tx, At: time.Now()}
}

// Delta is the difference between two snapshots plus the derived rates.
type Delta struct {
	Received uint64
	Sent     uint64
	Elapsed  time.Duration
}

// Since computes s - old. Counters only grow, so the subtraction is safe
// for snapshots of the same source taken in order.
func (s Snapshot) Since(old Snapshot) Delta {
	return Delta{
		Received: s.Received - old.Received,
		Sent:     s.Sent - old.Sent,
		Elapsed:  s.At.Sub(old.At),
	}
}

// RxRate returns received packets per second over the delta window.
func (d Delta) RxRate() float64 { return rate(d.Received, d.Elapsed) }

// TxRate returns sent packets per second over the delta window.
func (d Delta) TxRate() float64 { return rate(d.Sent, d.Elapsed) }

func rate(n uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}

// Print writes a two-line summary of the delta.
func (d Delta) Print(w io.Writer, label string) {
	fmt.Fprintf(w, "%s:\n", label)
	fmt.Fprintf(w, "  RX   %-12s  %s pps\n",
		humanize.Comma(int64(d.Received)), humanize.CommafWithDigits(d.RxRate(), 0))
	fmt.Fprintf(w, "  TX   %-12s  %s pps\n",
		humanize.Comma(int64(d.Sent)), humanize.CommafWithDigits(d.TxRate(), 0))
}

/*---- Kernel netdev counters ----*/

// sysfsNetPath is a variable so tests can point it at a fixture tree.
var sysfsNetPath = "/sys/class/net"

// KernelCounters holds the kernel's own packet and byte counters for one
// interface, read from sysfs.
type KernelCounters struct {
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
}

// ReadKernelCounters reads the statistics files of the named interface.
func ReadKernelCounters(iface string) (KernelCounters, error) {
	var kc KernelCounters
	for _, c := range []struct {
		file string
		dst  *uint64
	}{
		{"rx_packets", &kc.RxPackets},
		{"rx_bytes", &kc.RxBytes},
		{"tx_packets", &kc.TxPackets},
		{"tx_bytes", &kc.TxBytes},
	} {
		v, err := readCounterFile(filepath.Join(sysfsNetPath, iface, "statistics", c.file))
		if err != nil {
			return KernelCounters{}, fmt.Errorf("reading %s of %s: %w", c.file, iface, err)
		}
		*c.dst = v
	}
	return kc, nil
}

// Since computes kc - old, file by file.
func (kc KernelCounters) Since(old KernelCounters) KernelCounters {
	return KernelCounters{
		RxPackets: kc.RxPackets - old.RxPackets,
		RxBytes:   kc.RxBytes - old.RxBytes,
		TxPackets: kc.TxPackets - old.TxPackets,
		TxBytes:   kc.TxBytes - old.TxBytes,
	}
}

// Print writes the kernel view of the interface.
func (kc KernelCounters) Print(w io.Writer, iface string) {
	fmt.Fprintf(w, "%s (kernel):\n", iface)
	fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
		kc.RxPackets, humanize.Bytes(kc.RxBytes), humanize.Comma(int64(kc.RxBytes)))
	fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
		kc.TxPackets, humanize.Bytes(kc.TxBytes), humanize.Comma(int64(kc.TxBytes)))
}

func readCounterFile(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}
