package mesh

import (
	"context"

	"github.com/Archie3d/lora-mesh-node/pkg/pool"
	"github.com/Archie3d/lora-mesh-node/pkg/queue"
	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/charmbracelet/log"
	pb "github.com/kabili207/meshtastic-go/core/proto"
)

// Uplink forwards delivered packets off the node, e.g. to an MQTT broker.
type Uplink interface {
	Forward(rec *radio.PacketRecord) error
}

// Bridge is the consumer of the to-phone queue. Every packet is offered to
// the applications registered for its port and to every uplink, then
// released.
type Bridge struct {
	pool    *pool.Pool[radio.PacketRecord]
	toPhone *queue.Queue[pool.Handle]

	applications map[pb.PortNum][]Application
	uplinks      []Uplink
}

func NewBridge(records *pool.Pool[radio.PacketRecord], toPhone *queue.Queue[pool.Handle]) *Bridge {
	return &Bridge{
		pool:         records,
		toPhone:      toPhone,
		applications: make(map[pb.PortNum][]Application),
	}
}

func (b *Bridge) AddApplication(app Application) {
	port := app.GetPortNum()
	b.applications[port] = append(b.applications[port], app)
}

func (b *Bridge) AddUplink(uplink Uplink) {
	b.uplinks = append(b.uplinks, uplink)
}

func (b *Bridge) Run(ctx context.Context) {
	for {
		h, err := b.toPhone.DequeueContext(ctx)
		if err != nil {
			return
		}
		b.dispatch(h)
	}
}

// Drain dispatches whatever is queued without waiting.
func (b *Bridge) Drain() int {
	n := 0
	for {
		h, ok := b.toPhone.Dequeue(0)
		if !ok {
			return n
		}
		b.dispatch(h)
		n++
	}
}

func (b *Bridge) dispatch(h pool.Handle) {
	defer func() {
		if err := b.pool.Release(h); err != nil {
			log.With("err", err).Error("Packet released twice")
		}
	}()

	rec := b.pool.Get(h)
	if rec == nil || !rec.HasPayload {
		return
	}

	for _, app := range b.applications[rec.Payload.PortNum()] {
		if err := app.HandleIncomingPacket(rec); err != nil {
			log.With("packet", rec, "err", err).Warn("Application failed to handle packet")
		}
	}

	for _, uplink := range b.uplinks {
		if err := uplink.Forward(rec); err != nil {
			log.With("packet", rec, "err", err).Warn("Uplink failed")
		}
	}
}
