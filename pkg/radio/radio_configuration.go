package radio

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/client"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/soypat/lora"
	"gopkg.in/yaml.v3"
)

type RadioConfiguration struct {
	Frequency       uint32              `yaml:"frequency"`
	Power           LoRaPower           `yaml:"power"`
	SpreadingFactor LoRaSpreadingFactor `yaml:"spreading_factor"`
	Bandwidth       LoRaBandwidth       `yaml:"bandwidth"`
	CodingRate      LoRaCodingRate      `yaml:"coding_rate"`
	PreambleLength  uint16              `yaml:"preamble_length"`
	SyncWord        uint8               `yaml:"sync_word"`
	TxTimeout       types.Duration      `yaml:"tx_timeout"`
}

// DefaultRadioConfiguration matches the stock long range, fast settings.
func DefaultRadioConfiguration() RadioConfiguration {
	return RadioConfiguration{
		Frequency:       869525000,
		Power:           14,
		SpreadingFactor: 11,
		Bandwidth:       250,
		CodingRate:      client.LORA_CR_4_5,
		PreambleLength:  16,
		SyncWord:        0x2B,
		TxTimeout:       types.Duration(3 * time.Second),
	}
}

// LoRa returns the modulation parameters in the form the airtime
// calculation expects.
func (c *RadioConfiguration) LoRa() lora.Config {
	return lora.Config{
		Bandwidth:       lora.Frequency(c.Bandwidth.Hertz()),
		Frequency:       lora.Frequency(c.Frequency),
		PreambleLength:  c.PreambleLength,
		HeaderType:      lora.HeaderExplicit,
		CodingRate:      lora.CodingRate(c.CodingRate),
		SpreadingFactor: lora.SpreadingFactor(c.SpreadingFactor),
		SyncWord:        uint16(c.SyncWord),
		TxPower:         int8(c.Power),
		CRC:             true,
		LDRO:            c.LowDataRateOptimize(),
	}
}

// LowDataRateOptimize is required once a symbol lasts longer than 16ms.
func (c *RadioConfiguration) LowDataRateOptimize() bool {
	hz := c.Bandwidth.Hertz()
	if hz == 0 {
		return false
	}
	symbol := time.Second * time.Duration(int64(1)<<c.SpreadingFactor) / time.Duration(hz)
	return symbol > 16*time.Millisecond
}

//------------------------------------------------------------------------------

// LoRaBandwidth is the channel bandwidth in kHz, rounded down the way it is
// usually quoted (62 for 62.5 kHz).
type LoRaBandwidth uint32

var bandwidths = map[LoRaBandwidth]struct {
	code  byte
	hertz int64
}{
	7:   {client.LORA_BW_007, 7810},
	10:  {client.LORA_BW_010, 10420},
	15:  {client.LORA_BW_015, 15630},
	20:  {client.LORA_BW_020, 20830},
	31:  {client.LORA_BW_031, 31250},
	41:  {client.LORA_BW_041, 41670},
	62:  {client.LORA_BW_062, 62500},
	125: {client.LORA_BW_125, 125000},
	250: {client.LORA_BW_250, 250000},
	500: {client.LORA_BW_500, 500000},
}

func (b LoRaBandwidth) ModemCode() byte {
	return bandwidths[b].code
}

func (b LoRaBandwidth) Hertz() int64 {
	return bandwidths[b].hertz
}

func (b LoRaBandwidth) MarshalYAML() (any, error) {
	return uint32(b), nil
}

func (b *LoRaBandwidth) UnmarshalYAML(node *yaml.Node) error {
	bw, err := strconv.ParseUint(node.Value, 10, 32)
	if err != nil {
		return err
	}

	if _, ok := bandwidths[LoRaBandwidth(bw)]; !ok {
		return fmt.Errorf("unsupported LoRa bandwidth %d", bw)
	}

	*b = LoRaBandwidth(bw)

	return nil
}

//------------------------------------------------------------------------------

type LoRaSpreadingFactor uint32

func (s LoRaSpreadingFactor) MarshalYAML() (any, error) {
	return uint32(s), nil
}

func (s *LoRaSpreadingFactor) UnmarshalYAML(node *yaml.Node) error {
	sf, err := strconv.ParseUint(node.Value, 10, 32)
	if err != nil {
		return err
	}

	if sf < client.LORA_SF5 || sf > client.LORA_SF12 {
		return fmt.Errorf("unsupported LoRa spreading factor %d", sf)
	}

	*s = LoRaSpreadingFactor(sf)

	return nil
}

//------------------------------------------------------------------------------

type LoRaCodingRate uint32

func (c LoRaCodingRate) MarshalYAML() (any, error) {
	cr := uint32(c)

	switch cr {
	case client.LORA_CR_4_5:
		return "4/5", nil
	case client.LORA_CR_4_6:
		return "4/6", nil
	case client.LORA_CR_4_7:
		return "4/7", nil
	case client.LORA_CR_4_8:
		return "4/8", nil
	}

	return nil, fmt.Errorf("unsupported LoRa coding rate: %d", cr)
}

func (c *LoRaCodingRate) UnmarshalYAML(node *yaml.Node) error {
	var cr uint32

	switch node.Value {
	case "4/5":
		cr = client.LORA_CR_4_5
	case "4/6":
		cr = client.LORA_CR_4_6
	case "4/7":
		cr = client.LORA_CR_4_7
	case "4/8":
		cr = client.LORA_CR_4_8
	default:
		return fmt.Errorf("unknown LoRa coding rate '%s'", node.Value)
	}

	*c = LoRaCodingRate(cr)

	return nil
}

//------------------------------------------------------------------------------

// LoRaPower is the transmit power in dBm.
type LoRaPower int32

// Power amplifier settings per output power.
var powerAmplifier = map[LoRaPower]client.TxParameters{
	14: {DutyCycle: 0x02, HpMax: 0x02},
	17: {DutyCycle: 0x02, HpMax: 0x03},
	20: {DutyCycle: 0x03, HpMax: 0x05},
	22: {DutyCycle: 0x04, HpMax: 0x07},
}

func (p LoRaPower) TxParameters() client.TxParameters {
	params := powerAmplifier[p]
	params.Power = byte(p)
	params.RampTime = client.POWER_RAMP_3400
	return params
}

func (p LoRaPower) MarshalYAML() (any, error) {
	return int32(p), nil
}

func (p *LoRaPower) UnmarshalYAML(node *yaml.Node) error {
	pw, err := strconv.ParseInt(node.Value, 10, 32)
	if err != nil {
		return err
	}

	if _, ok := powerAmplifier[LoRaPower(pw)]; !ok {
		return fmt.Errorf("unsupported LoRa power %d", pw)
	}

	*p = LoRaPower(pw)

	return nil
}
