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
	"google.golang.org/protobuf/proto"
)

// Reported as battery level by nodes running from external power.
const externalPower = 101

type DeviceMetricsIncomingMessage struct {
	From               types.NodeNum `json:"from"`
	Rssi               int32         `json:"rssi"`
	Snr                float32       `json:"snr"`
	BatteryLevel       uint32        `json:"battery_level"`
	Voltage            float32       `json:"voltage"`
	ChannelUtilization float32       `json:"channel_utilization"`
	AirUtilTx          float32       `json:"air_util_tx"`
	Uptime             uint32        `json:"uptime"`
}

type TelemetryApplication struct {
	config          *NodeConfiguration
	bus             MessageBus
	sender          MeshSender
	stats           func() radio.Stats
	incomingSubject string
	startTime       time.Time

	wg        sync.WaitGroup
	eventLoop event_loop.EventLoop
}

// NewTelemetryApplication reports airtime from stats in our device metrics.
func NewTelemetryApplication(config *NodeConfiguration, stats func() radio.Stats) *TelemetryApplication {
	return &TelemetryApplication{
		config:          config,
		stats:           stats,
		incomingSubject: config.NatsSubjectPrefix + ".in.telemetry",
		eventLoop:       event_loop.NewEventLoop(),
	}
}

func (app *TelemetryApplication) GetPortNum() pb.PortNum {
	return pb.PortNum_TELEMETRY_APP
}

func (app *TelemetryApplication) Start(bus MessageBus, sender MeshSender) error {
	app.bus = bus
	app.sender = sender

	app.startTime = time.Now()

	app.wg.Go(func() {
		app.eventLoop.Run()
	})

	log.Info("Started Telemetry application")

	if app.config.Telemetry.DeviceMetrics != nil {
		app.eventLoop.PostAfter(func(el event_loop.EventLoop) {
			app.publishDeviceMetrics()
		}, time.Duration(rand.Uint32N(20)+10)*time.Second)

		log.With(
			"period", app.config.Telemetry.DeviceMetrics.PublishPeriod.String(),
		).Info("Started Device Metrics telemetry")
	}

	return nil
}

func (app *TelemetryApplication) Stop() error {
	app.eventLoop.Quit()
	app.wg.Wait()

	return nil
}

func (app *TelemetryApplication) HandleIncomingPacket(rec *radio.PacketRecord) error {
	data, ok := rec.Payload.(radio.DataPayload)
	if !ok {
		return fmt.Errorf("invalid message format")
	}

	if app.bus == nil {
		return nil
	}

	var telemetry pb.Telemetry
	err := proto.Unmarshal(data.Data, &telemetry)
	if err != nil {
		return err
	}

	metrics := telemetry.GetDeviceMetrics()
	if metrics == nil {
		return nil
	}

	jsonMessage, err := json.Marshal(DeviceMetricsIncomingMessage{
		From:               rec.From,
		Rssi:               rec.RxRssi,
		Snr:                rec.RxSnr,
		BatteryLevel:       metrics.GetBatteryLevel(),
		Voltage:            metrics.GetVoltage(),
		ChannelUtilization: metrics.GetChannelUtilization(),
		AirUtilTx:          metrics.GetAirUtilTx(),
		Uptime:             metrics.GetUptimeSeconds(),
	})
	if err != nil {
		return err
	}

	return app.bus.Publish(
		app.incomingSubject+".device_metrics",
		jsonMessage,
	)
}

// DeviceMetrics describes this node.
func (app *TelemetryApplication) DeviceMetrics() *pb.DeviceMetrics {
	uptime := time.Since(app.startTime)

	var batteryLevel uint32 = externalPower
	var voltage float32 = 5.0
	uptimeSeconds := uint32(uptime.Seconds())

	var airUtilTx float32
	if app.stats != nil && uptime > 0 {
		airUtilTx = float32(100 * app.stats().Airtime.Seconds() / uptime.Seconds())
	}

	return &pb.DeviceMetrics{
		BatteryLevel:  &batteryLevel,
		Voltage:       &voltage,
		AirUtilTx:     &airUtilTx,
		UptimeSeconds: &uptimeSeconds,
	}
}

func (app *TelemetryApplication) publishDeviceMetrics() {
	telemetry := &pb.Telemetry{
		Time: uint32(time.Now().Unix()),
		Variant: &pb.Telemetry_DeviceMetrics{
			DeviceMetrics: app.DeviceMetrics(),
		},
	}

	bytes, err := proto.Marshal(telemetry)
	if err != nil {
		log.With("err", err).Warn("Failed to marshal device metrics")
		return
	}

	err = app.sender.SendData(types.Broadcast, app.GetPortNum(), bytes, false)
	if err != nil {
		log.With("err", err).Warn("Failed to send device metrics")
	}

	publishPeriod := app.config.Telemetry.DeviceMetrics.PublishPeriod.Or(30 * time.Minute)

	app.eventLoop.PostAfter(func(el event_loop.EventLoop) {
		app.publishDeviceMetrics()
	}, publishPeriod)
}
