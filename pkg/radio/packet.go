package radio

import (
	"fmt"

	"github.com/Archie3d/lora-mesh-node/pkg/types"
	pb "github.com/kabili207/meshtastic-go/core/proto"
)

const (
	// HeaderLen is the size of the raw header that precedes every payload:
	// destination, source, packet id and flags, one byte each.
	HeaderLen = 4

	// MaxFrameLen is the largest frame the transceiver FIFO holds.
	MaxFrameLen = 251

	MaxPayloadLen = MaxFrameLen - HeaderLen
)

// Payload is the decoded content of a packet. The concrete type tells which
// variant the packet carries.
type Payload interface {
	PortNum() pb.PortNum
	isPayload()
}

type PositionPayload struct {
	Position *pb.Position
}

func (PositionPayload) PortNum() pb.PortNum { return pb.PortNum_POSITION_APP }
func (PositionPayload) isPayload()          {}

type UserPayload struct {
	User *pb.User
}

func (UserPayload) PortNum() pb.PortNum { return pb.PortNum_NODEINFO_APP }
func (UserPayload) isPayload()          {}

// DataPayload carries application bytes the mesh layer does not interpret.
type DataPayload struct {
	Port pb.PortNum
	Data []byte
}

func (p DataPayload) PortNum() pb.PortNum { return p.Port }
func (DataPayload) isPayload()            {}

// PacketRecord is the unit that travels through the pool and the queues.
type PacketRecord struct {
	From  types.NodeNum
	To    types.NodeNum
	Id    types.PacketId
	Flags byte

	Payload      Payload
	HasPayload   bool
	WantResponse bool

	// Seconds since the epoch, zero when no valid clock was available.
	RxTime         uint32
	RxSnr          float32
	RxRssi         int32
	FrequencyError int32
}

// SetPayload stores p and marks the record as carrying a decoded payload.
func (r *PacketRecord) SetPayload(p Payload) {
	r.Payload = p
	r.HasPayload = p != nil
}

func (r *PacketRecord) User() *pb.User {
	if p, ok := r.Payload.(UserPayload); ok {
		return p.User
	}
	return nil
}

func (r *PacketRecord) Position() *pb.Position {
	if p, ok := r.Payload.(PositionPayload); ok {
		return p.Position
	}
	return nil
}

func (r *PacketRecord) String() string {
	port := "none"
	if r.Payload != nil {
		port = r.Payload.PortNum().String()
	}
	return fmt.Sprintf("%s->%s id=%d port=%s", r.From, r.To, r.Id, port)
}
