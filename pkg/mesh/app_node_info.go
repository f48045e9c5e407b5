package mesh

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/event_loop"
	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/charmbracelet/log"
	pb "github.com/kabili207/meshtastic-go/core/proto"
)

type NodeInfoApplicationIncomingMessage struct {
	From       types.NodeNum `json:"from"`
	Id         string        `json:"id"`
	LongName   string        `json:"long_name"`
	ShortName  string        `json:"short_name"`
	MacAddress string        `json:"mac_address"`
	HwModel    uint32        `json:"hw_model"`
	Rssi       int32         `json:"rssi"`
	Snr        float32       `json:"snr"`
}

// NodeInfoApplication announces our identity periodically and publishes the
// identities heard on the bus.
type NodeInfoApplication struct {
	bus             MessageBus
	sender          MeshSender
	incomingSubject string
	publishPeriod   time.Duration
	firstDelay      time.Duration

	wg        sync.WaitGroup
	eventLoop event_loop.EventLoop
}

func NewNodeInfoApplication(config *NodeConfiguration) *NodeInfoApplication {
	return &NodeInfoApplication{
		incomingSubject: config.NatsSubjectPrefix + ".in.node_info",
		publishPeriod:   config.NodeInfo.PublishPeriod.Or(15 * time.Minute),
		firstDelay:      time.Duration(rand.Uint32N(4000)+1000) * time.Millisecond,
		eventLoop:       event_loop.NewEventLoop(),
	}
}

func (app *NodeInfoApplication) GetPortNum() pb.PortNum {
	return pb.PortNum_NODEINFO_APP
}

func (app *NodeInfoApplication) Start(bus MessageBus, sender MeshSender) error {
	app.bus = bus
	app.sender = sender

	app.wg.Go(func() {
		app.eventLoop.Run()
	})

	app.eventLoop.PostAfter(func(el event_loop.EventLoop) {
		app.publishNodeInfo()
	}, app.firstDelay)

	log.With(
		"period", app.publishPeriod.String(),
	).Info("Started Node Info application")

	return nil
}

func (app *NodeInfoApplication) Stop() error {
	app.eventLoop.Quit()
	app.wg.Wait()

	return nil
}

func (app *NodeInfoApplication) HandleIncomingPacket(rec *radio.PacketRecord) error {
	user := rec.User()
	if user == nil {
		return fmt.Errorf("invalid message format")
	}

	if app.bus == nil {
		return nil
	}

	message := &NodeInfoApplicationIncomingMessage{
		From:       rec.From,
		Id:         user.GetId(),
		LongName:   user.GetLongName(),
		ShortName:  user.GetShortName(),
		MacAddress: net.HardwareAddr(user.GetMacaddr()).String(),
		HwModel:    uint32(user.GetHwModel()),
		Rssi:       rec.RxRssi,
		Snr:        rec.RxSnr,
	}

	jsonMessage, err := json.Marshal(&message)
	if err != nil {
		return err
	}

	return app.bus.Publish(app.incomingSubject, jsonMessage)
}

func (app *NodeInfoApplication) publishNodeInfo() {
	if err := app.sender.SendOurOwner(types.Broadcast); err != nil {
		log.With("err", err).Warn("Failed to broadcast node info")
	}

	app.eventLoop.PostAfter(func(el event_loop.EventLoop) {
		app.publishNodeInfo()
	}, app.publishPeriod)
}
