//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/ullnic/ullnic-go/nicdrv"
	"github.com/ullnic/ullnic-go/ratelimit"
	"github.com/ullnic/ullnic-go/xsk"
)

type Config struct {
	Mode     string `yaml:"mode"`
	Resource string `yaml:"resource"`

	Queue    uint32 `yaml:"queue"`
	Zerocopy bool   `yaml:"zerocopy"`

	SrcMAC  string `yaml:"src-mac"`
	DestMAC string `yaml:"dest-mac"`
	SrcIP   string `yaml:"src-ip"`
	DstIP   string `yaml:"dst-ip"`
	SrcPort int    `yaml:"src-port"`
	DstPort int    `yaml:"dst-port"`

	PktSize uint32 `yaml:"pkt-size"`
	Count   uint64 `yaml:"count"`
	Rate    uint64 `yaml:"rate"` // packets per second, 0 = unlimited
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fMode := flag.String("m", "", "deployment mode (direct|auto|vfio|xdp)")
	fResource := flag.String("r", "", "device resource")
	fDestMAC := flag.String("d", "", "dest mac")
	fSrcMAC := flag.String("S", "", "src mac")
	fSrcIP := flag.String("s", "", "src ip")
	fDstIP := flag.String("D", "", "dst ip")
	fPort := flag.Int("p", 0, "dst udp port")
	fCount := flag.Uint64("n", 0, "packet count")
	fPktSize := flag.Uint("l", 0, "pkt size")
	fRate := flag.Uint64("R", 0, "packets per second (0 = unlimited)")
	fQueue := flag.Uint("q", 0, "queue id (xdp)")

	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fMode != "" {
		conf.Mode = *fMode
	}
	if *fResource != "" {
		conf.Resource = *fResource
	}
	if *fDestMAC != "" {
		conf.DestMAC = *fDestMAC
	}
	if *fSrcMAC != "" {
		conf.SrcMAC = *fSrcMAC
	}
	if *fSrcIP != "" {
		conf.SrcIP = *fSrcIP
	}
	if *fDstIP != "" {
		conf.DstIP = *fDstIP
	}
	if *fPort != 0 {
		conf.DstPort = *fPort
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPktSize != 0 {
		conf.PktSize = uint32(*fPktSize)
	}
	if *fRate != 0 {
		conf.Rate = *fRate
	}
	if *fQueue != 0 {
		conf.Queue = uint32(*fQueue)
	}

	// Validate

	if conf.Mode == "" {
		conf.Mode = "direct"
	}
	if conf.Resource == "" {
		return nil, errors.New("resource must be set (or use -r)")
	}
	if conf.SrcMAC == "" {
		return nil, errors.New("src-mac must be set")
	}
	if _, err := net.ParseMAC(conf.SrcMAC); err != nil {
		return nil, fmt.Errorf("invalid src-mac %q: %w", conf.SrcMAC, err)
	}
	if conf.DestMAC == "" {
		return nil, errors.New("dest-mac must be set")
	}
	if _, err := net.ParseMAC(conf.DestMAC); err != nil {
		return nil, fmt.Errorf("invalid dest-mac %q: %w", conf.DestMAC, err)
	}
	if net.ParseIP(conf.SrcIP) == nil {
		return nil, fmt.Errorf("invalid src-ip %q", conf.SrcIP)
	}
	if net.ParseIP(conf.DstIP) == nil {
		return nil, fmt.Errorf("invalid dst-ip %q", conf.DstIP)
	}
	if conf.DstPort <= 0 || conf.DstPort > 65535 {
		return nil, errors.New("dst-port must be between 1-65535")
	}
	if conf.SrcPort <= 0 || conf.SrcPort > 65535 {
		return nil, errors.New("src-port must be between 1-65535")
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.PktSize == 0 {
		conf.PktSize = 64
	}
	if conf.PktSize < 46 || conf.PktSize > 9216 {
		return nil, errors.New("unsupported pkt-size")
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

const (
	ethHeaderLen = 14
	ipHeaderLen  = 20
	udpHeaderLen = 8
	headersLen   = ethHeaderLen + ipHeaderLen + udpHeaderLen

	etherTypeIPv4 = 0x0800
	ipProtoUDP    = 17
	defaultTTL    = 64
)

// internetChecksum computes the RFC 1071 ones-complement sum used by the
// IPv4 header.
func internetChecksum(b []byte) uint16 {
	var sum uint32
	for ; len(b) >= 2; b = b[2:] {
		sum += uint32(binary.BigEndian.Uint16(b))
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// frameBuilder fills Ethernet/IPv4/UDP headers into a caller-provided
// buffer. Everything but the sequence number and the IP checksum is
// constant across the run, so the hot loop only rewrites those.
type frameBuilder struct {
	srcMAC, dstMAC   net.HardwareAddr
	srcIP, dstIP     net.IP
	srcPort, dstPort uint16
}

func (fb *frameBuilder) build(buf []byte, seq uint32) {
	copy(buf[0:6], fb.dstMAC)
	copy(buf[6:12], fb.srcMAC)
	binary.BigEndian.PutUint16(buf[12:], etherTypeIPv4)

	ip := buf[ethHeaderLen:]
	payloadLen := len(buf) - headersLen

	ip[0] = 0x45 // version 4, 5-word header
	binary.BigEndian.PutUint16(ip[2:], uint16(ipHeaderLen+udpHeaderLen+payloadLen))
	ip[8] = defaultTTL
	ip[9] = ipProtoUDP
	copy(ip[12:16], fb.srcIP)
	copy(ip[16:20], fb.dstIP)
	binary.BigEndian.PutUint16(ip[10:], 0)
	binary.BigEndian.PutUint16(ip[10:], internetChecksum(ip[:ipHeaderLen]))

	udp := ip[ipHeaderLen:]
	binary.BigEndian.PutUint16(udp[0:], fb.srcPort)
	binary.BigEndian.PutUint16(udp[2:], fb.dstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpHeaderLen+payloadLen))

	binary.BigEndian.PutUint32(udp[udpHeaderLen:], seq)
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	mode, err := nicdrv.ParseMode(conf.Mode)
	fatalIf(err, "parsing mode")

	l := logrus.New()
	l.SetOutput(os.Stderr)

	dev, err := nicdrv.Open(l, mode, nicdrv.OpenConfig{
		Driver: nicdrv.DriverConfig{MaxPacketSize: conf.PktSize},
		XDP: xsk.Config{
			Queue:          conf.Queue,
			PreferZerocopy: conf.Zerocopy,
			FrameSize:      2048,
		},
	})
	fatalIf(err, "opening device")

	fatalIf(dev.Initialize(conf.Resource), "initializing %s device", mode)
	defer func() {
		fatalIf(dev.Shutdown(), "shutting down")
	}()

	srcMAC, _ := net.ParseMAC(conf.SrcMAC)
	dstMAC, _ := net.ParseMAC(conf.DestMAC)
	fb := &frameBuilder{
		srcMAC:  srcMAC,
		dstMAC:  dstMAC,
		srcIP:   net.ParseIP(conf.SrcIP).To4(),
		dstIP:   net.ParseIP(conf.DstIP).To4(),
		srcPort: uint16(conf.SrcPort),
		dstPort: uint16(conf.DstPort),
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	frame := make([]byte, conf.PktSize)
	limiter := ratelimit.New(conf.Rate)

	var sent, bytes, retries uint64
	var seq uint32

	start := time.Now()

	for sent < conf.Count && ctx.Err() == nil {
		fb.build(frame, seq)

		// A full ring is backpressure: spin on the same frame until it
		// fits.
		for !dev.Send(frame) {
			retries++
			if ctx.Err() != nil {
				break
			}
		}

		sent++
		seq++
		bytes += uint64(len(frame))
		limiter.Wait(1)
	}

	elapsed := time.Since(start).Seconds()

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", sent)
	p.Printf(" TX bytes:          %d\n", bytes)
	p.Printf(" Avg PPS:           %d\n", uint64(float64(sent)/elapsed))
	p.Printf(" Avg rate:          %.1f Mbps\n", float64(bytes*8)/1e6/elapsed)
	p.Printf(" Full-ring retries: %d\n", retries)
}
