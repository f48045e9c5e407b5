package mesh

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/meshdb"
	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"gopkg.in/yaml.v3"
)

type NodeConfiguration struct {
	// Fixed address; picked from the MAC address when not set.
	NodeNum    types.NodeNum    `yaml:"node_num"`
	ShortName  string           `yaml:"short_name"`
	LongName   string           `yaml:"long_name"`
	MacAddress types.MacAddress `yaml:"mac_address"`
	HwModel    uint32           `yaml:"hw_model"`

	LogLevel string `yaml:"log_level"`

	NatsUrl           string `yaml:"nats_url"`
	NatsSubjectPrefix string `yaml:"nats_subject_prefix"`

	Radio    radio.RadioConfiguration `yaml:"radio"`
	Queues   QueueConfiguration       `yaml:"queues"`
	Database DatabaseConfiguration    `yaml:"database"`
	Clock    ClockConfiguration       `yaml:"clock"`

	// A fresh address becomes stable once this passes without a collision.
	IdentitySettle types.Duration `yaml:"identity_settle"`
	DedupeWindow   types.Duration `yaml:"dedupe_window"`

	NodeInfo  NodeInfoConfiguration  `yaml:"node_info"`
	Position  PositionConfiguration  `yaml:"position"`
	Telemetry TelemetryConfiguration `yaml:"telemetry"`

	Mqtt *MqttConfiguration `yaml:"mqtt"`
}

type QueueConfiguration struct {
	ToPhone   int `yaml:"to_phone"`
	FromRadio int `yaml:"from_radio"`
	Tx        int `yaml:"tx"`
}

type DatabaseConfiguration struct {
	Path       string         `yaml:"path"`
	MaxNodes   int            `yaml:"max_nodes"`
	SavePeriod types.Duration `yaml:"save_period"`
}

type ClockConfiguration struct {
	// The host clock is set correctly.
	Trusted bool `yaml:"trusted"`

	// The host clock is good enough to hand out to other nodes.
	Gps bool `yaml:"gps"`
}

type NodeInfoConfiguration struct {
	PublishPeriod types.Duration `yaml:"publish_period"`
}

type PositionConfiguration struct {
	Latitude      float64        `yaml:"latitude"`
	Longitude     float64        `yaml:"longitude"`
	Altitude      int32          `yaml:"altitude"`
	PublishPeriod types.Duration `yaml:"publish_period"`
}

type TelemetryConfiguration struct {
	DeviceMetrics *DeviceMetricsConfiguration `yaml:"device_metrics"`
}

type DeviceMetricsConfiguration struct {
	PublishPeriod types.Duration `yaml:"publish_period"`
}

type MqttConfiguration struct {
	Broker    string `yaml:"broker"`
	ClientId  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TopicRoot string `yaml:"topic_root"`
	ChannelId string `yaml:"channel_id"`
	Qos       byte   `yaml:"qos"`
}

func DefaultNodeConfiguration() *NodeConfiguration {
	return &NodeConfiguration{
		LogLevel:          "info",
		NatsSubjectPrefix: "mesh",

		Radio: radio.DefaultRadioConfiguration(),

		Queues: QueueConfiguration{
			ToPhone:   32,
			FromRadio: 4,
			Tx:        16,
		},

		Database: DatabaseConfiguration{
			MaxNodes:   meshdb.DefaultMaxNodes,
			SavePeriod: types.Duration(5 * time.Minute),
		},

		Clock: ClockConfiguration{
			Trusted: true,
		},

		IdentitySettle: types.Duration(30 * time.Second),
		DedupeWindow:   types.Duration(DefaultDedupeWindow),

		NodeInfo: NodeInfoConfiguration{
			PublishPeriod: types.Duration(15 * time.Minute),
		},

		Position: PositionConfiguration{
			PublishPeriod: types.Duration(15 * time.Minute),
		},
	}
}

// LoadNodeConfiguration reads a YAML file on top of the defaults.
func LoadNodeConfiguration(configFile string) (*NodeConfiguration, error) {
	f, err := os.Open(configFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	config := DefaultNodeConfiguration()
	decoder := yaml.NewDecoder(f)
	err = decoder.Decode(config)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Mqtt != nil {
		config.Mqtt.applyDefaults()
	}

	return config, nil
}

func (c *NodeConfiguration) Validate() error {
	if c.NodeNum != types.Unassigned && !c.NodeNum.IsAssignable() {
		return fmt.Errorf("node_num %s is reserved", c.NodeNum)
	}

	if c.Queues.ToPhone <= 0 || c.Queues.FromRadio <= 0 || c.Queues.Tx <= 0 {
		return fmt.Errorf("queue sizes must be positive")
	}

	return nil
}

// MaxPackets sizes the packet pool: every queue full, plus one record on air
// and one being received.
func (c *NodeConfiguration) MaxPackets() int {
	return c.Queues.ToPhone + c.Queues.FromRadio + c.Queues.Tx + 2
}

// Owner is the identity this node announces.
func (c *NodeConfiguration) Owner() *pb.User {
	user := meshdb.DefaultOwner(c.MacAddress)

	if c.LongName != "" {
		user.LongName = c.LongName
	}
	if c.ShortName != "" {
		user.ShortName = c.ShortName
	}
	user.HwModel = pb.HardwareModel(c.HwModel)

	return user
}

func (c *MqttConfiguration) applyDefaults() {
	if c.TopicRoot == "" {
		c.TopicRoot = "msh"
	}
	if c.ChannelId == "" {
		c.ChannelId = "LongFast"
	}
}
