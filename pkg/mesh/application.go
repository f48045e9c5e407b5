package mesh

import (
	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/nats-io/nats.go"
)

// MessageBus carries application messages to and from local clients.
// *nats.Conn implements it.
type MessageBus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// MeshSender is what applications may send into the mesh.
type MeshSender interface {
	SendData(to types.NodeNum, port pb.PortNum, payload []byte, wantResponse bool) error
	SendOurOwner(to types.NodeNum) error
	SendPosition(to types.NodeNum, position *pb.Position) error
}

type Application interface {
	GetPortNum() pb.PortNum
	Start(bus MessageBus, sender MeshSender) error
	Stop() error
	HandleIncomingPacket(rec *radio.PacketRecord) error
}

func unsubscribe(sub *nats.Subscription) {
	if sub != nil {
		sub.Unsubscribe()
	}
}
