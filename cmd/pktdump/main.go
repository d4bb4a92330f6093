//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ullnic/ullnic-go/nicdrv"
	"github.com/ullnic/ullnic-go/pktstat"
	"github.com/ullnic/ullnic-go/xsk"
)

type Config struct {
	// Mode selects the deployment mode: direct, auto, vfio or xdp.
	Mode string `yaml:"mode"`
	// Resource is the PCI resource0 path (direct), the PCI address
	// (auto, vfio) or the netdev name (xdp).
	Resource string `yaml:"resource"`

	RxSize        uint32 `yaml:"rx-size"`
	TxSize        uint32 `yaml:"tx-size"`
	MaxPacketSize uint32 `yaml:"max-packet-size"`

	Queue    uint32 `yaml:"queue"`
	Zerocopy bool   `yaml:"zerocopy"`

	Verbose bool `yaml:"verbose"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fMode := flag.String("m", "", "deployment mode (direct|auto|vfio|xdp)")
	fResource := flag.String("r", "", "device resource")
	fQueue := flag.Uint("q", 0, "queue id (xdp)")
	fZC := flag.Bool("z", false, "prefer zerocopy (xdp)")
	fVerbose := flag.Bool("v", false, "log every packet")

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
	if *fQueue != 0 {
		conf.Queue = uint32(*fQueue)
	}
	if *fZC {
		conf.Zerocopy = true
	}
	if *fVerbose {
		conf.Verbose = true
	}

	if conf.Mode == "" {
		conf.Mode = "direct"
	}
	if conf.Resource == "" {
		return nil, errors.New("resource must be set (or use -r)")
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// classifier counts packets by L3 protocol using a reusable decoder, so
// the hot loop never allocates per packet.
type classifier struct {
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	eth  layers.Ethernet
	ip4  layers.IPv4
	ip6  layers.IPv6
	arp  layers.ARP
	tcp  layers.TCP
	udp  layers.UDP
	icmp layers.ICMPv4

	// Counters are atomic: the stats ticker reads them from another
	// goroutine while the poll loop writes.
	IPv4, IPv6, ARP, TCP, UDP, ICMP, Other atomic.Uint64
}

func newClassifier() *classifier {
	c := &classifier{decoded: make([]gopacket.LayerType, 0, 8)}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&c.eth, &c.ip4, &c.ip6, &c.arp, &c.tcp, &c.udp, &c.icmp)
	c.parser.IgnoreUnsupported = true
	return c
}

func (c *classifier) classify(pkt []byte) {
	if err := c.parser.DecodeLayers(pkt, &c.decoded); err != nil {
		c.Other.Add(1)
		return
	}
	known := false
	for _, lt := range c.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			c.IPv4.Add(1)
			known = true
		case layers.LayerTypeIPv6:
			c.IPv6.Add(1)
			known = true
		case layers.LayerTypeARP:
			c.ARP.Add(1)
			known = true
		case layers.LayerTypeTCP:
			c.TCP.Add(1)
		case layers.LayerTypeUDP:
			c.UDP.Add(1)
		case layers.LayerTypeICMPv4:
			c.ICMP.Add(1)
		}
	}
	if !known {
		c.Other.Add(1)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	mode, err := nicdrv.ParseMode(conf.Mode)
	fatalIf(err, "parsing mode")

	l := logrus.New()
	l.SetOutput(os.Stderr)
	if conf.Verbose {
		l.SetLevel(logrus.DebugLevel)
	}

	dev, err := nicdrv.Open(l, mode, nicdrv.OpenConfig{
		Driver: nicdrv.DriverConfig{
			RxSize:        conf.RxSize,
			TxSize:        conf.TxSize,
			MaxPacketSize: conf.MaxPacketSize,
		},
		XDP: xsk.Config{
			Queue:          conf.Queue,
			PreferZerocopy: conf.Zerocopy,
			RxSize:         conf.RxSize,
			TxSize:         conf.TxSize,
		},
	})
	fatalIf(err, "opening device")

	fatalIf(dev.Initialize(conf.Resource), "initializing %s device", mode)
	defer func() {
		fatalIf(dev.Shutdown(), "shutting down")
	}()

	l.WithFields(logrus.Fields{
		"mode": mode.String(), "link_up": dev.IsLinkUp(),
	}).Info("receiving")

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cls := newClassifier()
	var bytes uint64

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		last := pktstat.Take(dev)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			now := pktstat.Take(dev)
			d := now.Since(last)
			last = now
			fmt.Printf("total=%d | cur=%.0f pps | ipv4=%d ipv6=%d arp=%d tcp=%d udp=%d icmp=%d other=%d\n",
				now.Received, d.RxRate(),
				cls.IPv4.Load(), cls.IPv6.Load(), cls.ARP.Load(),
				cls.TCP.Load(), cls.UDP.Load(), cls.ICMP.Load(), cls.Other.Load())
		}
	}()

	err = nicdrv.RunPoller(ctx, dev, func(pkt []byte) error {
		bytes += uint64(len(pkt))
		cls.classify(pkt)
		if conf.Verbose {
			l.WithField("len", len(pkt)).Debug("packet")
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fatalIf(err, "poll loop")
	}

	received, _ := dev.Stats()
	fmt.Printf("\n%d packets, %d bytes\n", received, bytes)
	fmt.Printf("ipv4=%d ipv6=%d arp=%d tcp=%d udp=%d icmp=%d other=%d\n",
		cls.IPv4.Load(), cls.IPv6.Load(), cls.ARP.Load(),
		cls.TCP.Load(), cls.UDP.Load(), cls.ICMP.Load(), cls.Other.Load())
}
