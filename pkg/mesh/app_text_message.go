package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/charmbracelet/log"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/nats-io/nats.go"
)

type TextApplicationIncomingMessage struct {
	From types.NodeNum `json:"from"`
	To   types.NodeNum `json:"to"`
	Text string        `json:"text"`
	Rssi int32         `json:"rssi"`
	Snr  float32       `json:"snr"`
}

type TextApplicationOutgoingMessage struct {
	To           types.NodeNum `json:"to"`
	Text         string        `json:"text"`
	WantResponse bool          `json:"want_response"`
}

type TextApplication struct {
	bus             MessageBus
	sender          MeshSender
	incomingSubject string
	outgoingSubject string
	subscription    *nats.Subscription
}

func NewTextApplication(config *NodeConfiguration) *TextApplication {
	return &TextApplication{
		incomingSubject: config.NatsSubjectPrefix + ".in.text",
		outgoingSubject: config.NatsSubjectPrefix + ".out.text",
	}
}

func (app *TextApplication) GetPortNum() pb.PortNum {
	return pb.PortNum_TEXT_MESSAGE_APP
}

func (app *TextApplication) Start(bus MessageBus, sender MeshSender) error {
	app.bus = bus
	app.sender = sender

	if app.bus == nil {
		return nil
	}

	sub, err := app.bus.Subscribe(app.outgoingSubject, app.handleOutgoing)
	if err != nil {
		return err
	}
	app.subscription = sub

	log.With("subject", app.outgoingSubject).Info("Started Text application")

	return nil
}

func (app *TextApplication) handleOutgoing(msg *nats.Msg) {
	var textMessage TextApplicationOutgoingMessage

	if err := json.Unmarshal(msg.Data, &textMessage); err != nil {
		log.With("err", err).Warn("Malformed outgoing text message")
		return
	}

	if textMessage.To == types.Unassigned {
		textMessage.To = types.Broadcast
	}

	err := app.sender.SendData(
		textMessage.To,
		app.GetPortNum(),
		[]byte(textMessage.Text),
		textMessage.WantResponse,
	)
	if err != nil {
		log.With("to", textMessage.To, "err", err).Warn("Failed to send text message")
	}
}

func (app *TextApplication) Stop() error {
	unsubscribe(app.subscription)
	app.subscription = nil

	return nil
}

func (app *TextApplication) HandleIncomingPacket(rec *radio.PacketRecord) error {
	data, ok := rec.Payload.(radio.DataPayload)
	if !ok {
		return fmt.Errorf("invalid message format")
	}

	if app.bus == nil {
		return nil
	}

	j, err := json.Marshal(TextApplicationIncomingMessage{
		From: rec.From,
		To:   rec.To,
		Text: string(data.Data),
		Rssi: rec.RxRssi,
		Snr:  rec.RxSnr,
	})
	if err != nil {
		return err
	}

	return app.bus.Publish(app.incomingSubject, j)
}
