package mesh

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/event_loop"
	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/charmbracelet/log"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/encoding/protojson"
)

type PositionApplicationOutgoingMessage struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  int32   `json:"altitude"`
}

// PositionApplication broadcasts our fixed position and publishes the
// positions heard on the bus. A position received on the outgoing subject
// replaces the configured one.
type PositionApplication struct {
	bus             MessageBus
	sender          MeshSender
	clock           *Clock
	outgoingSubject string
	incomingSubject string
	publishPeriod   time.Duration
	firstDelay      time.Duration
	subscription    *nats.Subscription

	mutex    sync.Mutex
	position PositionApplicationOutgoingMessage
	known    bool

	wg        sync.WaitGroup
	eventLoop event_loop.EventLoop
}

func NewPositionApplication(config *NodeConfiguration, clock *Clock) *PositionApplication {
	pos := config.Position

	return &PositionApplication{
		clock:           clock,
		outgoingSubject: config.NatsSubjectPrefix + ".out.position",
		incomingSubject: config.NatsSubjectPrefix + ".in.position",
		publishPeriod:   pos.PublishPeriod.Or(15 * time.Minute),
		firstDelay:      time.Duration(rand.Uint32N(20)+10) * time.Second,
		position: PositionApplicationOutgoingMessage{
			Latitude:  pos.Latitude,
			Longitude: pos.Longitude,
			Altitude:  pos.Altitude,
		},
		known:     pos.Latitude != 0 || pos.Longitude != 0,
		eventLoop: event_loop.NewEventLoop(),
	}
}

func (app *PositionApplication) GetPortNum() pb.PortNum {
	return pb.PortNum_POSITION_APP
}

func (app *PositionApplication) Start(bus MessageBus, sender MeshSender) error {
	app.bus = bus
	app.sender = sender

	if app.bus != nil {
		sub, err := app.bus.Subscribe(app.outgoingSubject, app.handleOutgoing)
		if err != nil {
			return err
		}
		app.subscription = sub
	}

	app.wg.Go(func() {
		app.eventLoop.Run()
	})

	app.eventLoop.PostAfter(func(el event_loop.EventLoop) {
		app.publishNodePosition()
	}, app.firstDelay)

	log.With(
		"period", app.publishPeriod.String(),
	).Info("Started Node Position application")

	return nil
}

func (app *PositionApplication) Stop() error {
	unsubscribe(app.subscription)
	app.subscription = nil

	app.eventLoop.Quit()
	app.wg.Wait()

	return nil
}

func (app *PositionApplication) HandleIncomingPacket(rec *radio.PacketRecord) error {
	position := rec.Position()
	if position == nil {
		return fmt.Errorf("invalid message format")
	}

	if app.bus == nil {
		return nil
	}

	jsonData, err := protojson.Marshal(position)
	if err != nil {
		return err
	}

	var data map[string]interface{}
	err = json.Unmarshal(jsonData, &data)
	if err != nil {
		return err
	}

	data["from"] = rec.From
	data["rssi"] = rec.RxRssi
	data["snr"] = rec.RxSnr

	jsonData, err = json.Marshal(data)
	if err != nil {
		return err
	}

	return app.bus.Publish(
		app.incomingSubject,
		jsonData,
	)
}

func (app *PositionApplication) handleOutgoing(msg *nats.Msg) {
	var update PositionApplicationOutgoingMessage
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		log.With("err", err).Warn("Malformed outgoing position")
		return
	}

	app.mutex.Lock()
	app.position = update
	app.known = true
	app.mutex.Unlock()

	app.sendPosition()
}

// Position returns our current position, if we have one.
func (app *PositionApplication) Position() (*pb.Position, bool) {
	app.mutex.Lock()
	defer app.mutex.Unlock()

	if !app.known {
		return nil, false
	}

	latitude := int32(app.position.Latitude * 1e7)
	longitude := int32(app.position.Longitude * 1e7)
	altitude := app.position.Altitude

	return &pb.Position{
		LatitudeI:      &latitude,
		LongitudeI:     &longitude,
		Altitude:       &altitude,
		LocationSource: pb.Position_LOC_MANUAL,
		Time:           app.clock.Now(),
	}, true
}

func (app *PositionApplication) sendPosition() {
	position, ok := app.Position()
	if !ok {
		return
	}

	if err := app.sender.SendPosition(types.Broadcast, position); err != nil {
		log.With("err", err).Warn("Failed to broadcast position")
	}
}

func (app *PositionApplication) publishNodePosition() {
	app.sendPosition()

	app.eventLoop.PostAfter(func(el event_loop.EventLoop) {
		app.publishNodePosition()
	}, app.publishPeriod)
}
