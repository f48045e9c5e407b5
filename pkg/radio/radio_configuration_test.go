package radio

import (
	"testing"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/client"
	"github.com/soypat/lora"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRadioConfigurationYaml(t *testing.T) {
	doc := `
frequency: 868100000
power: 20
spreading_factor: 12
bandwidth: 125
coding_rate: 4/8
preamble_length: 8
tx_timeout: 5s
`
	var cfg RadioConfiguration
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))

	assert.Equal(t, uint32(868100000), cfg.Frequency)
	assert.Equal(t, LoRaPower(20), cfg.Power)
	assert.Equal(t, LoRaSpreadingFactor(12), cfg.SpreadingFactor)
	assert.Equal(t, byte(client.LORA_BW_125), cfg.Bandwidth.ModemCode())
	assert.Equal(t, LoRaCodingRate(client.LORA_CR_4_8), cfg.CodingRate)
	assert.Equal(t, 5*time.Second, cfg.TxTimeout.Or(time.Second))

	// SF12 at 125 kHz has a 32ms symbol.
	assert.True(t, cfg.LowDataRateOptimize())

	tx := cfg.Power.TxParameters()
	assert.Equal(t, byte(20), tx.Power)
	assert.Equal(t, byte(0x05), tx.HpMax)
}

func TestRadioConfigurationRejectsUnsupportedValues(t *testing.T) {
	var cfg RadioConfiguration
	assert.Error(t, yaml.Unmarshal([]byte("bandwidth: 100"), &cfg))
	assert.Error(t, yaml.Unmarshal([]byte("power: 15"), &cfg))
	assert.Error(t, yaml.Unmarshal([]byte("spreading_factor: 13"), &cfg))
	assert.Error(t, yaml.Unmarshal([]byte("coding_rate: 1/2"), &cfg))
}

func TestLoRaMapping(t *testing.T) {
	cfg := DefaultRadioConfiguration()
	lc := cfg.LoRa()

	assert.Equal(t, lora.BW250k, lc.Bandwidth)
	assert.Equal(t, lora.SF11, lc.SpreadingFactor)
	assert.Equal(t, uint16(0x2B), lc.SyncWord)
	assert.Equal(t, lora.CR4_5, lc.CodingRate)
	assert.False(t, lc.LDRO)

	// Longer frames take longer on air.
	assert.Less(t, lc.TimeOnAir(10), lc.TimeOnAir(200))
}
