//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ullnic/ullnic-go/hwtime"
	"github.com/ullnic/ullnic-go/nicdrv"
	"github.com/ullnic/ullnic-go/xsk"
)

// Echo probes are raw Ethernet frames with a private EtherType, so a
// remote peer can reflect them without an IP stack. The payload is the
// probe sequence number plus the sender's cycle counter at send time.
const (
	probeEtherType = 0x88b5 // IEEE local experimental
	probeMagic     = 0x756c6c42

	ethHeaderLen  = 14
	probeFrameLen = ethHeaderLen + 4 + 4 + 8 // magic, seq, cycles
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func buildProbe(buf []byte, seq uint32) {
	// Broadcast destination; the reflector filters on EtherType.
	for i := 0; i < 6; i++ {
		buf[i] = 0xff
	}
	binary.BigEndian.PutUint16(buf[12:], probeEtherType)
	binary.BigEndian.PutUint32(buf[ethHeaderLen:], probeMagic)
	binary.BigEndian.PutUint32(buf[ethHeaderLen+4:], seq)
	binary.BigEndian.PutUint64(buf[ethHeaderLen+8:], hwtime.Now())
}

// parseProbe returns the probe's sequence and send cycle stamp, or false
// if pkt is not one of ours.
func parseProbe(pkt []byte) (seq uint32, cycles uint64, ok bool) {
	if len(pkt) < probeFrameLen {
		return 0, 0, false
	}
	if binary.BigEndian.Uint16(pkt[12:]) != probeEtherType {
		return 0, 0, false
	}
	if binary.BigEndian.Uint32(pkt[ethHeaderLen:]) != probeMagic {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(pkt[ethHeaderLen+4:]),
		binary.BigEndian.Uint64(pkt[ethHeaderLen+8:]), true
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(p * float64(len(sorted)-1))
	return sorted[i]
}

func main() {
	fMode := flag.String("m", "direct", "deployment mode (direct|auto|vfio|xdp)")
	fResource := flag.String("r", "", "device resource")
	fQueue := flag.Uint("q", 0, "queue id (xdp)")
	fCount := flag.Uint64("n", 10000, "probe count")
	fTimeout := flag.Duration("t", 100*time.Millisecond, "per-probe timeout")
	fReflect := flag.Bool("reflect", false, "run as reflector instead of prober")

	flag.Parse()

	if *fResource == "" {
		fmt.Fprint(os.Stderr, "missing -r resource\n")
		os.Exit(1)
	}

	mode, err := nicdrv.ParseMode(*fMode)
	fatalIf(err, "parsing mode")

	l := logrus.New()
	l.SetOutput(os.Stderr)

	dev, err := nicdrv.Open(l, mode, nicdrv.OpenConfig{
		XDP: xsk.Config{Queue: uint32(*fQueue)},
	})
	fatalIf(err, "opening device")

	fatalIf(dev.Initialize(*fResource), "initializing %s device", mode)
	defer func() {
		fatalIf(dev.Shutdown(), "shutting down")
	}()

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *fReflect {
		runReflector(ctx, dev)
		return
	}
	runProber(ctx, dev, *fCount, *fTimeout)
}

// runReflector bounces every probe straight back. Payload is untouched,
// so the prober's cycle stamp survives the round trip.
func runReflector(ctx context.Context, dev nicdrv.Device) {
	fmt.Fprintln(os.Stderr, "reflecting probes, ^C to stop")
	err := nicdrv.RunPoller(ctx, dev, func(pkt []byte) error {
		if _, _, ok := parseProbe(pkt); !ok {
			return nil
		}
		dev.Send(pkt)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fatalIf(err, "reflect loop")
	}
}

func runProber(ctx context.Context, dev nicdrv.Device, count uint64, timeout time.Duration) {
	frame := make([]byte, probeFrameLen)
	rtts := make([]time.Duration, 0, count)
	timeoutCycles := uint64(timeout.Seconds() * float64(hwtime.Frequency()))

	var sent, lost uint64

	for seq := uint32(0); uint64(seq) < count && ctx.Err() == nil; seq++ {
		buildProbe(frame, seq)
		if !dev.Send(frame) {
			lost++
			continue
		}
		sent++

		// Busy-poll for the echo; late echoes of earlier probes are
		// discarded by the sequence check.
		deadline := hwtime.Now() + timeoutCycles
		for {
			if hwtime.Now() > deadline {
				lost++
				break
			}
			pkt, ok := dev.Receive()
			if !ok {
				continue
			}
			pseq, stamp, ok := parseProbe(pkt)
			if !ok || pseq != seq {
				continue
			}
			rtts = append(rtts, hwtime.ToNanoseconds(hwtime.Now()-stamp))
			break
		}
	}

	slices.Sort(rtts)

	p := message.NewPrinter(language.English)
	p.Print("\nLATENCY REPORT\n")
	p.Printf(" Probes sent:       %d\n", sent)
	p.Printf(" Echoes received:   %d\n", len(rtts))
	p.Printf(" Lost/timed out:    %d\n", lost)
	p.Printf(" Clock frequency:   %d Hz\n", hwtime.Frequency())
	if len(rtts) == 0 {
		return
	}

	var sum time.Duration
	for _, r := range rtts {
		sum += r
	}
	p.Printf(" Min RTT:           %s\n", rtts[0])
	p.Printf(" Avg RTT:           %s\n", sum/time.Duration(len(rtts)))
	p.Printf(" p50 RTT:           %s\n", percentile(rtts, 0.50))
	p.Printf(" p99 RTT:           %s\n", percentile(rtts, 0.99))
	p.Printf(" Max RTT:           %s\n", rtts[len(rtts)-1])
}
