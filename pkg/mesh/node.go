package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/event_loop"
	"github.com/Archie3d/lora-mesh-node/pkg/meshdb"
	"github.com/Archie3d/lora-mesh-node/pkg/pool"
	"github.com/Archie3d/lora-mesh-node/pkg/queue"
	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
)

type NodeOption func(n *Node)

// WithMessageBus uses bus instead of connecting to the configured NATS
// server.
func WithMessageBus(bus MessageBus) NodeOption {
	return func(n *Node) {
		n.bus = bus
	}
}

func WithUplink(uplink Uplink) NodeOption {
	return func(n *Node) {
		n.bridge.AddUplink(uplink)
	}
}

// WithoutDefaultApplications leaves it to the caller to add applications.
func WithoutDefaultApplications() NodeOption {
	return func(n *Node) {
		n.applications = nil
	}
}

// Node owns everything one mesh node runs: the node database, the packet
// pool and queues, the radio pump, the delivery service and the
// applications.
type Node struct {
	config *NodeConfiguration

	transceiver radio.Transceiver
	db          *meshdb.DB
	pool        *pool.Pool[radio.PacketRecord]
	pump        *radio.Pump
	service     *Service
	bridge      *Bridge
	clock       *Clock
	activity    *activity

	bus        MessageBus
	natsConn   *nats.Conn
	mqttClient mqtt.Client

	applications []Application

	eventLoop   event_loop.EventLoop
	settleMutex sync.Mutex
	settleTimer *event_loop.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(config *NodeConfiguration, transceiver radio.Transceiver, opts ...NodeOption) *Node {
	n := &Node{
		config:      config,
		transceiver: transceiver,
		clock:       NewClock(config.Clock.Trusted, config.Clock.Gps),
		activity:    &activity{},
		eventLoop:   event_loop.NewEventLoop(),
	}

	n.db = meshdb.New(meshdb.Config{
		MaxNodes: config.Database.MaxNodes,
		Mac:      config.MacAddress,
		Owner:    config.Owner(),
		FixedNum: config.NodeNum,
	})

	n.pool = pool.New[radio.PacketRecord](config.MaxPackets())

	fromRadio := queue.New[pool.Handle](config.Queues.FromRadio)
	toPhone := queue.New[pool.Handle](config.Queues.ToPhone)

	n.pump = radio.NewPump(radio.PumpConfig{
		Driver:  transceiver,
		Pool:    n.pool,
		TxQueue: queue.New[pool.Handle](config.Queues.Tx),
		RxQueue: fromRadio,
		OwnNum:  n.db.OwnNum,
		Signals: n.db,
		LoRa:    config.Radio.LoRa(),
	})

	n.service = NewService(ServiceConfig{
		DB:              n.db,
		Pump:            n.pump,
		Pool:            n.pool,
		FromRadio:       fromRadio,
		ToPhone:         toPhone,
		Clock:           n.clock,
		Ids:             types.NewPacketIdGenerator(uint8(rand.Uint32N(256))),
		Power:           n.activity,
		DedupeWindow:    config.DedupeWindow.Or(DefaultDedupeWindow),
		OnFromNum:       n.publishFromNum,
		OnCollisionLost: n.collisionLost,
	})

	n.bridge = NewBridge(n.pool, toPhone)

	n.applications = []Application{
		NewNodeInfoApplication(config),
		NewPositionApplication(config, n.clock),
		NewTextApplication(config),
		NewTelemetryApplication(config, n.pump.Stats),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// AddApplication registers app; it has to be called before Start.
func (n *Node) AddApplication(app Application) {
	n.applications = append(n.applications, app)
}

func (n *Node) Start() error {
	if path := n.config.Database.Path; path != "" {
		if err := n.db.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.With("path", path, "err", err).Warn("Failed to load node database")
		}
	}

	if err := n.db.Init(); err != nil {
		return err
	}

	if err := n.pump.Init(); err != nil {
		// Applications stay useful without a radio.
		log.With("err", err).Error("Radio unavailable, running without it")
	}

	if n.bus == nil && n.config.NatsUrl != "" {
		nc, err := nats.Connect(n.config.NatsUrl)
		if err != nil {
			return err
		}

		n.natsConn = nc
		n.bus = nc
	}

	if cfg := n.config.Mqtt; cfg != nil && cfg.Broker != "" {
		gatewayId := n.db.Owner().GetId()

		client, err := ConnectMqtt(cfg, gatewayId)
		if err != nil {
			return err
		}

		n.mqttClient = client
		n.bridge.AddUplink(NewMqttUplink(client, cfg, gatewayId))
	}

	for _, app := range n.applications {
		n.bridge.AddApplication(app)
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.wg.Go(func() {
		n.service.Run(n.ctx)
	})

	n.wg.Go(func() {
		n.bridge.Run(n.ctx)
	})

	// Run the event loop
	n.wg.Go(n.eventLoop.Run)

	n.armSettleTimer()
	n.scheduleSave()

	// Start the apps
	for _, app := range n.applications {
		if err := app.Start(n.bus, n.service); err != nil {
			return err
		}
	}

	log.With(
		"num", n.db.OwnNum(),
		"name", n.db.Owner().GetLongName(),
		"radio", n.pump.HasRadio(),
	).Info("Node started")

	return nil
}

func (n *Node) Stop() error {
	if n.cancel == nil {
		return nil
	}

	// Stop the applications
	for _, app := range n.applications {
		if err := app.Stop(); err != nil {
			log.With("err", err).Warn("Application failed to stop")
		}
	}

	n.eventLoop.Quit()
	n.cancel()
	n.wg.Wait()
	n.cancel = nil

	n.save()

	if n.mqttClient != nil {
		n.mqttClient.Disconnect(250)
		n.mqttClient = nil
	}

	if n.natsConn != nil {
		n.natsConn.Close()
		n.natsConn = nil
	}

	if closer, ok := n.transceiver.(io.Closer); ok {
		return closer.Close()
	}

	return nil
}

// armSettleTimer (re)starts the wait before our address counts as stable.
func (n *Node) armSettleTimer() {
	n.settleMutex.Lock()
	defer n.settleMutex.Unlock()

	n.settleTimer.Cancel()
	n.settleTimer = n.eventLoop.PostAfter(func(el event_loop.EventLoop) {
		if n.db.MarkStable() {
			log.With("num", n.db.OwnNum()).Info("Node address is stable")
		}
	}, n.config.IdentitySettle.Or(30*time.Second))
}

func (n *Node) collisionLost(previous, num types.NodeNum) {
	log.With("previous", previous, "num", num).Warn("Node address changed")
	n.armSettleTimer()
}

func (n *Node) scheduleSave() {
	if n.config.Database.Path == "" {
		return
	}

	n.eventLoop.PostAfter(func(el event_loop.EventLoop) {
		n.save()
		n.scheduleSave()
	}, n.config.Database.SavePeriod.Or(5*time.Minute))
}

func (n *Node) save() {
	path := n.config.Database.Path
	if path == "" || !n.db.Dirty() {
		return
	}

	if err := n.db.Save(path); err != nil {
		log.With("path", path, "err", err).Error("Failed to save node database")
	}
}

func (n *Node) publishFromNum(fromNum uint32) {
	if n.bus == nil {
		return
	}

	data, err := json.Marshal(map[string]uint32{"from_num": fromNum})
	if err != nil {
		return
	}

	if err := n.bus.Publish(n.config.NatsSubjectPrefix+".from_num", data); err != nil {
		log.With("err", err).Debug("Failed to publish from_num")
	}
}

func (n *Node) DB() *meshdb.DB {
	return n.db
}

func (n *Node) Service() *Service {
	return n.service
}

func (n *Node) Pump() *radio.Pump {
	return n.pump
}

func (n *Node) Bridge() *Bridge {
	return n.bridge
}

func (n *Node) Clock() *Clock {
	return n.clock
}

// IdleFor is the time since the node last delivered a packet.
func (n *Node) IdleFor() time.Duration {
	return n.activity.IdleFor()
}
