package vnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vnetkit/virtio-net-go/hwring"
	"github.com/vnetkit/virtio-net-go/percpu"
)

// UpperLayer is the network-stack collaborator the driver hands
// reassembled receive packets to and consults for its running state.
type UpperLayer interface {
	// Input receives one reassembled, checksum-validated packet.
	Input(pkt *Pbuf)
	// Running reports whether the interface is still administratively
	// and operationally up; the RX poll loop stops once this is false.
	Running() bool
}

// Config bundles a device's negotiated behavior and its collaborators.
type Config struct {
	MAC net.HardwareAddr

	// HostFeatures is the raw feature bitmask advertised by the peer
	// queue transport, before intersection with what this driver wants.
	HostFeatures uint32

	MTU int

	// CPURingSize sets the capacity of each lazily-created per-CPU TX
	// staging ring. Zero means percpu.DefaultCapacity.
	CPURingSize uint32

	Upper UpperLayer
	Alloc AllocFunc

	Logger *logrus.Logger
}

// Device binds a TX/RX engine pair to one negotiated feature set and
// runs their lifecycles together.
type Device struct {
	cfg Config

	features    uint32
	mergedRxBuf bool
	guestCsum   bool
	hostECN     bool

	stats *Stats
	tx    *TX
	rx    *RX

	mac atomic.Value // net.HardwareAddr

	up   atomic.Bool
	log  *logrus.Entry
	quit context.CancelFunc
	grp  *errgroup.Group
}

// NewDevice negotiates features against cfg.HostFeatures, wires a TX/RX
// engine pair over txQueue/rxQueue, and returns a Device ready for
// Start. It does not itself refill the RX ring or mark the device
// operational; call Start for that.
func NewDevice(cfg Config, txQueue, rxQueue hwring.Queue) *Device {
	features := NegotiateFeatures(cfg.HostFeatures)
	mergedRxBuf := features&FeatureMrgRxbuf != 0
	guestCsum := features&FeatureGuestCsum != 0
	hostECN := features&FeatureHostECN != 0

	stats := &Stats{}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	d := &Device{
		cfg:         cfg,
		features:    features,
		mergedRxBuf: mergedRxBuf,
		guestCsum:   guestCsum,
		hostECN:     hostECN,
		stats:       stats,
		log: logger.WithFields(logrus.Fields{
			"component":   "vnet.device",
			"mrg_rxbuf":   mergedRxBuf,
			"guest_csum":  guestCsum,
			"host_ecn":    hostECN,
			"header_size": Size(mergedRxBuf),
		}),
	}
	d.mac.Store(cfg.MAC)

	txQueue.SetIndirect(true)
	txQueue.DisableInterrupts()

	cpuRingSize := cfg.CPURingSize
	if cpuRingSize == 0 {
		cpuRingSize = percpu.DefaultCapacity
	}
	d.tx = NewTX(txQueue, mergedRxBuf, hostECN, stats, cpuRingSize)
	d.rx = NewRX(rxQueue, mergedRxBuf, guestCsum, stats, cfg.Upper, cfg.Alloc)

	return d
}

// Start refills the RX ring, launches the TX dispatcher and RX poll-loop
// goroutines under an errgroup.Group, and marks the device operational.
// It returns once both goroutines have been launched; call Wait to block
// until both have exited.
func (d *Device) Start(ctx context.Context) {
	d.rx.refill()

	ctx, cancel := context.WithCancel(ctx)
	d.quit = cancel

	grp, gctx := errgroup.WithContext(ctx)
	d.grp = grp

	grp.Go(func() error {
		d.log.Info("tx dispatcher starting")
		err := d.tx.Run(gctx)
		d.log.WithError(err).Info("tx dispatcher stopped")
		return err
	})
	grp.Go(func() error {
		d.log.Info("rx poll loop starting")
		err := d.rx.Run(gctx)
		d.log.WithError(err).Info("rx poll loop stopped")
		return err
	})

	d.up.Store(true)
	d.log.Info("device operational")
}

// Wait blocks until both the TX dispatcher and RX poll loop have
// stopped, returning the first non-nil error either reported.
func (d *Device) Wait() error {
	if d.grp == nil {
		return nil
	}
	return d.grp.Wait()
}

// Stop marks the device stopped, flushes staged transmit work, cancels
// the RX/TX goroutines, and waits for them to exit.
func (d *Device) Stop() error {
	d.up.Store(false)
	d.tx.Flush()
	if d.quit != nil {
		d.quit()
	}
	err := d.Wait()
	if errors.Is(err, context.Canceled) {
		// expected: cancelling d.quit is how Stop asks rx.Run to return.
		err = nil
	}
	d.log.Info("device detached")
	return err
}

// Xmit hands pkt to the TX engine.
func (d *Device) Xmit(pkt *Pbuf) error {
	return d.tx.Xmit(pkt)
}

// Stats returns a snapshot of the device's counters.
func (d *Device) Stats() Snapshot {
	return d.stats.Snapshot()
}

// StatsRef exposes the live *Stats, e.g. for PrometheusCollector
// registration.
func (d *Device) StatsRef() *Stats {
	return d.stats
}

// MAC returns the currently attached hardware address.
func (d *Device) MAC() net.HardwareAddr {
	return d.mac.Load().(net.HardwareAddr)
}

// SetMTU handles an MTU-change ioctl: it invalidates staged transmit
// work (its offload preparation may be sized for the old MTU) and
// records the new value. The dispatcher itself keeps running -
// STOPPED is reserved for teardown, not a live reconfiguration.
func (d *Device) SetMTU(mtu int) error {
	if mtu <= 0 {
		return fmt.Errorf("vnet: invalid mtu %d", mtu)
	}
	d.tx.InvalidateStaged()
	d.cfg.MTU = mtu
	d.log.WithField("mtu", mtu).Info("mtu changed")
	return nil
}

// SetUp handles the up/down flags ioctl.
func (d *Device) SetUp(up bool) error {
	d.up.Store(up)
	return nil
}

// AddMulticast is currently a no-op, matching the negotiated feature
// set: this driver never advertises multicast filtering support.
func (d *Device) AddMulticast(net.HardwareAddr) error {
	return nil
}

// DelMulticast is currently a no-op, for the same reason as AddMulticast.
func (d *Device) DelMulticast(net.HardwareAddr) error {
	return nil
}

// Features returns the negotiated feature bitmask.
func (d *Device) Features() uint32 { return d.features }

// MergedRxBuf reports whether merged-RX-buffers was negotiated.
func (d *Device) MergedRxBuf() bool { return d.mergedRxBuf }
