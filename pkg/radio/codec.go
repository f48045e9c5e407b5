package radio

import (
	"errors"
	"fmt"

	"github.com/Archie3d/lora-mesh-node/pkg/types"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"
)

var (
	ErrShortFrame      = errors.New("frame shorter than header")
	ErrPayloadTooLarge = errors.New("encoded payload exceeds frame size")
	ErrNoPayload       = errors.New("packet has no decoded payload")
)

// DecodeError reports a frame whose payload could not be parsed.
type DecodeError struct {
	From types.NodeNum
	Id   types.PacketId
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed payload from %s id %d: %v", e.From, e.Id, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DataOf builds the Data envelope carrying the payload of rec.
func DataOf(rec *PacketRecord) (*pb.Data, error) {
	if !rec.HasPayload || rec.Payload == nil {
		return nil, ErrNoPayload
	}

	data := &pb.Data{
		Portnum:      rec.Payload.PortNum(),
		WantResponse: rec.WantResponse,
	}

	switch p := rec.Payload.(type) {
	case PositionPayload:
		inner, err := proto.Marshal(p.Position)
		if err != nil {
			return nil, err
		}
		data.Payload = inner
	case UserPayload:
		inner, err := proto.Marshal(p.User)
		if err != nil {
			return nil, err
		}
		data.Payload = inner
	case DataPayload:
		data.Payload = p.Data
	}

	return data, nil
}

// EncodePayload serialises the payload of rec as a Data envelope.
func EncodePayload(rec *PacketRecord) ([]byte, error) {
	data, err := DataOf(rec)
	if err != nil {
		return nil, err
	}

	encoded, err := proto.Marshal(data)
	if err != nil {
		return nil, err
	}

	if len(encoded) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(encoded))
	}

	return encoded, nil
}

// EncodeFrame produces the on-air frame for rec. The source byte is the
// caller's current address, not rec.From: our address may change while the
// record waits in the outbound queue.
func EncodeFrame(rec *PacketRecord, from types.NodeNum) ([]byte, error) {
	payload, err := EncodePayload(rec)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, HeaderLen, HeaderLen+len(payload))
	frame[0] = byte(rec.To)
	frame[1] = byte(from)
	frame[2] = byte(rec.Id)
	frame[3] = rec.Flags

	return append(frame, payload...), nil
}

// DecodeHeader fills the addressing fields of rec from a raw frame.
func DecodeHeader(frame []byte, rec *PacketRecord) error {
	if len(frame) < HeaderLen {
		return ErrShortFrame
	}

	rec.To = types.NodeNum(frame[0])
	rec.From = types.NodeNum(frame[1])
	rec.Id = types.PacketId(frame[2])
	rec.Flags = frame[3]

	return nil
}

// DecodePayload parses the bytes that follow the header into rec.
func DecodePayload(payload []byte, rec *PacketRecord) error {
	var data pb.Data
	if err := proto.Unmarshal(payload, &data); err != nil {
		return &DecodeError{From: rec.From, Id: rec.Id, Err: err}
	}

	rec.WantResponse = data.GetWantResponse()

	switch data.GetPortnum() {
	case pb.PortNum_POSITION_APP:
		position := &pb.Position{}
		if err := proto.Unmarshal(data.GetPayload(), position); err != nil {
			return &DecodeError{From: rec.From, Id: rec.Id, Err: err}
		}
		rec.SetPayload(PositionPayload{Position: position})
	case pb.PortNum_NODEINFO_APP:
		user := &pb.User{}
		if err := proto.Unmarshal(data.GetPayload(), user); err != nil {
			return &DecodeError{From: rec.From, Id: rec.Id, Err: err}
		}
		rec.SetPayload(UserPayload{User: user})
	case pb.PortNum_UNKNOWN_APP:
		return &DecodeError{From: rec.From, Id: rec.Id, Err: errors.New("missing port number")}
	default:
		rec.SetPayload(DataPayload{Port: data.GetPortnum(), Data: data.GetPayload()})
	}

	return nil
}

// DecodeFrame parses a complete frame, header and payload, into rec.
func DecodeFrame(frame []byte, rec *PacketRecord) error {
	if err := DecodeHeader(frame, rec); err != nil {
		return err
	}
	return DecodePayload(frame[HeaderLen:], rec)
}
