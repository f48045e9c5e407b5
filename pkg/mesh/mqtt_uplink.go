package mesh

import (
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"
)

const mqttPublishTimeout = 5 * time.Second

// MqttPublisher is the part of mqtt.Client the uplink uses.
type MqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MqttUplink publishes every delivered packet as a Meshtastic service
// envelope, so that existing MQTT tooling can follow the local mesh.
type MqttUplink struct {
	publisher MqttPublisher
	topic     string
	channelId string
	gatewayId string
	qos       byte
}

func NewMqttUplink(publisher MqttPublisher, config *MqttConfiguration, gatewayId string) *MqttUplink {
	config.applyDefaults()

	return &MqttUplink{
		publisher: publisher,
		topic:     config.TopicRoot + "/2/c/" + config.ChannelId + "/" + gatewayId,
		channelId: config.ChannelId,
		gatewayId: gatewayId,
		qos:       config.Qos,
	}
}

// ConnectMqtt opens the broker connection described by config.
func ConnectMqtt(config *MqttConfiguration, gatewayId string) (mqtt.Client, error) {
	clientId := config.ClientId
	if clientId == "" {
		clientId = "lora-mesh-node-" + gatewayId
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(clientId).
		SetUsername(config.Username).
		SetPassword(config.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttPublishTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.With("err", err).Warn("MQTT connection lost")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttPublishTimeout) {
		return nil, &types.TimeoutError{}
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	log.With("broker", config.Broker, "client_id", clientId).Info("Connected to MQTT broker")

	return client, nil
}

func (u *MqttUplink) Topic() string {
	return u.topic
}

func (u *MqttUplink) Forward(rec *radio.PacketRecord) error {
	data, err := radio.DataOf(rec)
	if err != nil {
		return err
	}

	envelope := &pb.ServiceEnvelope{
		ChannelId: u.channelId,
		GatewayId: u.gatewayId,
		Packet: &pb.MeshPacket{
			From:   meshtasticNum(rec.From),
			To:     meshtasticNum(rec.To),
			Id:     uint32(rec.Id),
			RxTime: rec.RxTime,
			RxSnr:  rec.RxSnr,
			RxRssi: rec.RxRssi,
			PayloadVariant: &pb.MeshPacket_Decoded{
				Decoded: data,
			},
		},
	}

	payload, err := proto.Marshal(envelope)
	if err != nil {
		return err
	}

	token := u.publisher.Publish(u.topic, u.qos, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return &types.TimeoutError{}
	}

	return token.Error()
}

// Meshtastic tooling expects 32 bit addresses with an all-ones broadcast.
func meshtasticNum(n types.NodeNum) uint32 {
	if n == types.Broadcast {
		return 0xFFFFFFFF
	}
	return uint32(n)
}
