// Package config loads the non-negotiated tunables a running device
// needs at startup: ring sizes, buffer pool geometry, and feature-request
// flags that the driver does not consult.
package config

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the values a real virtio-net guest driver would pick:
// modest ring depths, a jumbo-safe MCL buffer, and 4096-entry per-CPU
// staging rings.
const (
	DefaultTxRingSize   = 256
	DefaultRxRingSize   = 256
	DefaultMCLSize      = 2048
	DefaultCPURingSize  = 4096
	DefaultMTU          = 1500
	DefaultInterfaceMAC = "52:54:00:12:34:56"
)

// ErrRingSizeNotPowerOfTwo is returned by ValidateAndSetDefaults when a
// ring size is not a power of two.
var ErrRingSizeNotPowerOfTwo = errors.New("config: ring sizes must be a power of two")

// DeviceConfig holds one device instance's tunables, loadable from YAML
// and overridable by command-line flags in the demo binaries.
type DeviceConfig struct {
	// InterfaceName names the device instance for logging.
	InterfaceName string `yaml:"interface_name"`
	// MAC is the hardware address to attach to the upper layer.
	MAC string `yaml:"mac"`
	// MTU is the initial interface MTU.
	MTU int `yaml:"mtu"`

	// TxRingSize and RxRingSize set the simulated hardware ring depths.
	TxRingSize uint32 `yaml:"tx_ring_size"`
	RxRingSize uint32 `yaml:"rx_ring_size"`

	// MCLSize is the size of each buffer posted to the receive ring.
	MCLSize int `yaml:"mcl_size"`

	// CPURingSize is the per-CPU TX staging ring capacity.
	CPURingSize uint32 `yaml:"cpu_ring_size"`

	// WantCsum, WantTSO4, WantECN, and WantMergedRxBuf are read from
	// YAML but nothing consults them: negotiation always requests the
	// driver's full feature set (vnet.NegotiateFeatures).
	WantCsum        bool `yaml:"want_csum"`
	WantTSO4        bool `yaml:"want_tso4"`
	WantECN         bool `yaml:"want_ecn"`
	WantMergedRxBuf bool `yaml:"want_merged_rx_buf"`
}

// Load reads and parses a DeviceConfig from a YAML file at path,
// applying defaults to any unset field.
func Load(path string) (*DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeviceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateAndSetDefaults fills in zero-valued fields with defaults and
// rejects configurations the driver cannot run with.
func (c *DeviceConfig) ValidateAndSetDefaults() error {
	if c.InterfaceName == "" {
		c.InterfaceName = "vnet0"
	}
	if c.MAC == "" {
		c.MAC = DefaultInterfaceMAC
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.TxRingSize == 0 {
		c.TxRingSize = DefaultTxRingSize
	}
	if c.RxRingSize == 0 {
		c.RxRingSize = DefaultRxRingSize
	}
	if c.MCLSize == 0 {
		c.MCLSize = DefaultMCLSize
	}
	if c.CPURingSize == 0 {
		c.CPURingSize = DefaultCPURingSize
	}

	if !isPowerOfTwo(c.TxRingSize) || !isPowerOfTwo(c.RxRingSize) || !isPowerOfTwo(c.CPURingSize) {
		return ErrRingSizeNotPowerOfTwo
	}
	return nil
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}
