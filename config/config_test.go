package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndSetDefaultsFillsZeroFields(t *testing.T) {
	cfg := &DeviceConfig{}
	require.NoError(t, cfg.ValidateAndSetDefaults())

	assert.Equal(t, "vnet0", cfg.InterfaceName)
	assert.Equal(t, DefaultInterfaceMAC, cfg.MAC)
	assert.Equal(t, DefaultMTU, cfg.MTU)
	assert.Equal(t, uint32(DefaultTxRingSize), cfg.TxRingSize)
	assert.Equal(t, uint32(DefaultRxRingSize), cfg.RxRingSize)
	assert.Equal(t, DefaultMCLSize, cfg.MCLSize)
	assert.Equal(t, uint32(DefaultCPURingSize), cfg.CPURingSize)
}

func TestValidateAndSetDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &DeviceConfig{InterfaceName: "eth7", MTU: 9000, TxRingSize: 512}
	require.NoError(t, cfg.ValidateAndSetDefaults())

	assert.Equal(t, "eth7", cfg.InterfaceName)
	assert.Equal(t, 9000, cfg.MTU)
	assert.Equal(t, uint32(512), cfg.TxRingSize)
}

func TestValidateAndSetDefaultsRejectsNonPowerOfTwoRingSize(t *testing.T) {
	cfg := &DeviceConfig{TxRingSize: 100}
	err := cfg.ValidateAndSetDefaults()
	assert.ErrorIs(t, err, ErrRingSizeNotPowerOfTwo)
}

func TestValidateAndSetDefaultsRejectsNonPowerOfTwoCPURingSize(t *testing.T) {
	cfg := &DeviceConfig{CPURingSize: 100}
	err := cfg.ValidateAndSetDefaults()
	assert.ErrorIs(t, err, ErrRingSizeNotPowerOfTwo)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	assert.Error(t, err)
}

func TestIsPowerOfTwo(t *testing.T) {
	assert.True(t, isPowerOfTwo(1))
	assert.True(t, isPowerOfTwo(256))
	assert.False(t, isPowerOfTwo(0))
	assert.False(t, isPowerOfTwo(3))
	assert.False(t, isPowerOfTwo(100))
}
