package vnet

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnetkit/virtio-net-go/hwring"
)

// deviceTestUpper is driven from both the caller and the RX poll-loop
// goroutine once a device is started, so its running flag must be safe
// for concurrent access.
type deviceTestUpper struct {
	running atomic.Bool
}

func (u *deviceTestUpper) Input(pkt *Pbuf) {}
func (u *deviceTestUpper) Running() bool   { return u.running.Load() }

func newTestDevice(t *testing.T, hostFeatures uint32) (*Device, *deviceTestUpper) {
	t.Helper()
	upper := &deviceTestUpper{}
	upper.running.Store(true)
	mac, err := net.ParseMAC("52:54:00:12:34:56")
	require.NoError(t, err)

	txQ := newFakeQueue(16)
	rxQ := newFakeQueue(16)
	rxQ.hostFill = func(fragments []hwring.Fragment) uint32 { return 0 }

	dev := NewDevice(Config{
		MAC:          mac,
		HostFeatures: hostFeatures,
		MTU:          1500,
		Upper:        upper,
		Alloc:        func() ([]byte, bool) { return make([]byte, 2048), true },
	}, txQ, rxQ)
	return dev, upper
}

func TestNewDeviceNegotiatesOnlyMutuallySupportedFeatures(t *testing.T) {
	dev, _ := newTestDevice(t, FeatureCSUM|FeatureMAC)
	assert.Equal(t, uint32(FeatureCSUM|FeatureMAC), dev.Features())
	assert.False(t, dev.MergedRxBuf())
}

func TestNewDeviceSelectsMergedHeaderWhenNegotiated(t *testing.T) {
	dev, _ := newTestDevice(t, FeatureMrgRxbuf|FeatureMAC)
	assert.True(t, dev.MergedRxBuf())
}

func TestNewDeviceGrantsNoBitTheHostDidNotAdvertise(t *testing.T) {
	dev, _ := newTestDevice(t, 0)
	assert.Zero(t, dev.Features())
}

func TestDeviceStartAndStopLifecycle(t *testing.T) {
	dev, upper := newTestDevice(t, FeatureCSUM|FeatureMAC|FeatureMrgRxbuf)

	ctx := context.Background()
	dev.Start(ctx)
	assert.True(t, dev.up.Load())

	require.NoError(t, dev.Xmit(simplePkt("payload")))

	upper.running.Store(false)
	require.NoError(t, dev.Stop())
	assert.False(t, dev.up.Load())
}

func TestDeviceSetMTURejectsNonPositiveValues(t *testing.T) {
	dev, upper := newTestDevice(t, FeatureCSUM|FeatureMAC)
	dev.Start(context.Background())
	defer func() {
		upper.running.Store(false)
		_ = dev.Stop()
	}()

	assert.Error(t, dev.SetMTU(0))
	assert.NoError(t, dev.SetMTU(9000))
}

func TestDeviceMACReflectsConfiguredAddress(t *testing.T) {
	dev, _ := newTestDevice(t, FeatureMAC)
	assert.Equal(t, "52:54:00:12:34:56", dev.MAC().String())
}
