//go:build linux

// Command vnetd runs a standalone virtio-net data plane device against a
// simulated hardware ring transport, for local testing and demos.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vnetkit/virtio-net-go/config"
	"github.com/vnetkit/virtio-net-go/hwring"
	"github.com/vnetkit/virtio-net-go/ratelimit"
	"github.com/vnetkit/virtio-net-go/vnet"
)

// echoUpper is a trivial UpperLayer: it logs every received packet and
// reports itself running until told otherwise.
type echoUpper struct {
	log     *logrus.Entry
	running chan struct{}
	stopped bool
}

func newEchoUpper(log *logrus.Entry) *echoUpper {
	return &echoUpper{log: log, running: make(chan struct{})}
}

func (u *echoUpper) Input(pkt *vnet.Pbuf) {
	u.log.WithFields(logrus.Fields{
		"bytes":      pkt.Len(),
		"data_valid": pkt.DataValid,
	}).Debug("received packet")
}

func (u *echoUpper) Running() bool {
	select {
	case <-u.running:
		return false
	default:
		return true
	}
}

func (u *echoUpper) Stop() {
	if !u.stopped {
		u.stopped = true
		close(u.running)
	}
}

func main() {
	fConfig := flag.String("config", "", "path to device config YAML file")
	fInterface := flag.String("interface", "", "interface name override")
	fMTU := flag.Int("mtu", 0, "MTU override")
	fRate := flag.Int("rate", 100, "synthetic transmit packets per second")
	fLogLevel := flag.String("log-level", "info", "log level")
	fStatsFile := flag.String("stats-file", "", "path to periodically write a JSON stats snapshot, for vnetstat")
	fStatsInterval := flag.Duration("stats-interval", time.Second, "stats file write interval")
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*fLogLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := log.WithField("cmd", "vnetd")

	cfg := &config.DeviceConfig{}
	if *fConfig != "" {
		loaded, err := config.Load(*fConfig)
		if err != nil {
			entry.WithError(err).Fatal("loading config")
		}
		cfg = loaded
	}
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		entry.WithError(err).Fatal("validating config")
	}
	if *fInterface != "" {
		cfg.InterfaceName = *fInterface
	}
	if *fMTU != 0 {
		cfg.MTU = *fMTU
	}

	mac, err := net.ParseMAC(cfg.MAC)
	if err != nil {
		entry.WithError(err).Fatal("parsing mac")
	}

	txQueue, err := hwring.NewSimQueue(cfg.TxRingSize, nil)
	if err != nil {
		entry.WithError(err).Fatal("creating tx queue")
	}
	defer txQueue.Close()

	upper := newEchoUpper(entry)

	rxQueue, err := hwring.NewSimQueue(cfg.RxRingSize, syntheticInboundTraffic())
	if err != nil {
		entry.WithError(err).Fatal("creating rx queue")
	}
	defer rxQueue.Close()

	hostFeatures := uint32(vnet.FeatureCSUM | vnet.FeatureGuestCsum | vnet.FeatureMAC |
		vnet.FeatureGuestTSO4 | vnet.FeatureHostTSO4 | vnet.FeatureHostECN |
		vnet.FeatureGuestECN | vnet.FeatureMrgRxbuf | vnet.FeatureStatus)

	mclSize := cfg.MCLSize
	alloc := func() ([]byte, bool) {
		return make([]byte, mclSize), true
	}

	dev := vnet.NewDevice(vnet.Config{
		MAC:          mac,
		HostFeatures: hostFeatures,
		MTU:          cfg.MTU,
		CPURingSize:  cfg.CPURingSize,
		Upper:        upper,
		Alloc:        alloc,
		Logger:       log,
	}, txQueue, rxQueue)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev.Start(ctx)
	entry.WithFields(logrus.Fields{
		"interface": cfg.InterfaceName,
		"mac":       mac.String(),
	}).Info("vnetd running, press ctrl-c to stop")

	go transmitSyntheticTraffic(ctx, dev, entry, *fRate)
	if *fStatsFile != "" {
		go writeStatsFile(ctx, dev, *fStatsFile, *fStatsInterval, entry)
	}

	<-ctx.Done()
	upper.Stop()
	if err := dev.Stop(); err != nil {
		entry.WithError(err).Warn("device stopped with error")
	}
}

// syntheticInboundTraffic simulates a host handing back tiny UDP/IPv4
// frames on the RX ring, for exercising the RX reassembly and checksum
// paths without a real peer.
func syntheticInboundTraffic() hwring.HostHandler {
	// The demo host advertises FeatureMrgRxbuf, so inbound frames carry
	// the merged-RX-buffers header layout.
	frame := buildUDPFrame(true)
	return func(fragments []hwring.Fragment) uint32 {
		for _, f := range fragments {
			if !f.Out {
				return uint32(copy(f.Buf, frame))
			}
		}
		return 0
	}
}

func buildUDPFrame(mergedRxBuf bool) []byte {
	hdr := vnet.NetHeader{NumBuffers: 1}
	buf := make([]byte, vnet.Size(mergedRxBuf)+14+20+8)
	n := hdr.Encode(buf, mergedRxBuf)
	eth := buf[n:]
	copy(eth[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(eth[6:12], []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})
	eth[12], eth[13] = 0x08, 0x00 // EtherType IPv4
	ip := eth[14:]
	ip[0] = 0x45
	ip[9] = 17 // UDP
	udpStart := 20
	udp := ip[udpStart:]
	udp[0], udp[1] = 0, 53
	udp[2], udp[3] = 0, 53
	return buf
}

// dumpFile is the on-disk shape vnetstat expects: a JSON envelope around
// one vnet.Snapshot.
type dumpFile struct {
	Snapshot vnet.Snapshot `json:"snapshot"`
}

// writeStatsFile periodically overwrites path with the device's current
// counters, giving a separate vnetstat process something to poll without
// requiring a live IPC channel between the two.
func writeStatsFile(ctx context.Context, dev *vnet.Device, path string, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(dumpFile{Snapshot: dev.Stats()})
			if err != nil {
				log.WithError(err).Warn("marshaling stats snapshot")
				continue
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				log.WithError(err).Warn("writing stats file")
			}
		}
	}
}

func transmitSyntheticTraffic(ctx context.Context, dev *vnet.Device, log *logrus.Entry, rate int) {
	if rate <= 0 {
		return
	}
	throttle := ratelimit.New(uint64(rate))
	log.WithField("pps", throttle.Rate()).Info("synthetic tx generator started")

	for ctx.Err() == nil {
		throttle.ThrottleN(1)
		pkt := &vnet.Pbuf{Segments: [][]byte{buildUDPFrame(false)[vnet.Size(false):]}}
		_ = dev.Xmit(pkt)
	}
}
