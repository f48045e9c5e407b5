package radio

import (
	"bytes"
	"testing"

	"github.com/Archie3d/lora-mesh-node/pkg/types"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestFrameHeaderLayout(t *testing.T) {
	rec := &PacketRecord{To: types.Broadcast, From: 0x33, Id: 9, Flags: 0x05}
	rec.SetPayload(UserPayload{User: &pb.User{ShortName: "AB"}})

	frame, err := EncodeFrame(rec, 0x10)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x10, 9, 0x05}, frame[:HeaderLen])

	var got PacketRecord
	require.NoError(t, DecodeFrame(frame, &got))
	assert.Equal(t, types.Broadcast, got.To)
	assert.Equal(t, types.NodeNum(0x10), got.From)
	assert.Equal(t, types.PacketId(9), got.Id)
	assert.True(t, got.HasPayload)
	assert.True(t, proto.Equal(rec.User(), got.User()))
}

func TestDecodeVariants(t *testing.T) {
	lat := int32(473000000)
	position := &pb.Position{LatitudeI: &lat, Time: 1700000000}

	cases := []struct {
		name    string
		payload Payload
		check   func(t *testing.T, rec *PacketRecord)
	}{
		{
			name:    "position",
			payload: PositionPayload{Position: position},
			check: func(t *testing.T, rec *PacketRecord) {
				require.NotNil(t, rec.Position())
				assert.Equal(t, lat, rec.Position().GetLatitudeI())
				assert.Equal(t, uint32(1700000000), rec.Position().GetTime())
			},
		},
		{
			name:    "opaque",
			payload: DataPayload{Port: pb.PortNum_TEXT_MESSAGE_APP, Data: []byte("hello")},
			check: func(t *testing.T, rec *PacketRecord) {
				data, ok := rec.Payload.(DataPayload)
				require.True(t, ok)
				assert.Equal(t, pb.PortNum_TEXT_MESSAGE_APP, data.Port)
				assert.Equal(t, []byte("hello"), data.Data)
				assert.Nil(t, rec.User())
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &PacketRecord{To: 5, Id: 1, WantResponse: true}
			rec.SetPayload(tc.payload)

			frame, err := EncodeFrame(rec, 4)
			require.NoError(t, err)

			var got PacketRecord
			require.NoError(t, DecodeFrame(frame, &got))
			assert.True(t, got.WantResponse)
			tc.check(t, &got)
		})
	}
}

func TestMalformedInputIsAnError(t *testing.T) {
	var rec PacketRecord
	assert.ErrorIs(t, DecodeFrame([]byte{1, 2}, &rec), ErrShortFrame)

	var decodeErr *DecodeError
	err := DecodeFrame([]byte{0xFF, 0x07, 1, 0, 0xFF, 0xFF, 0xFF}, &rec)
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, types.NodeNum(7), decodeErr.From)
	assert.NotNil(t, decodeErr.Unwrap())

	// A data envelope without a port number carries nothing usable.
	empty, _ := proto.Marshal(&pb.Data{Payload: []byte{1}})
	err = DecodeFrame(append([]byte{0xFF, 0x07, 2, 0}, empty...), &rec)
	assert.ErrorAs(t, err, &decodeErr)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	rec := &PacketRecord{To: 5}
	rec.SetPayload(DataPayload{Port: pb.PortNum_PRIVATE_APP, Data: bytes.Repeat([]byte{0x55}, MaxPayloadLen)})

	_, err := EncodeFrame(rec, 4)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = EncodeFrame(&PacketRecord{To: 5}, 4)
	assert.ErrorIs(t, err, ErrNoPayload)
}
