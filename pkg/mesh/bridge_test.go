package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/pool"
	"github.com/Archie3d/lora-mesh-node/pkg/queue"
	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type portRecorder struct {
	port     pb.PortNum
	received []radio.PacketRecord
	err      error
}

func (a *portRecorder) GetPortNum() pb.PortNum                        { return a.port }
func (a *portRecorder) Start(bus MessageBus, sender MeshSender) error { return nil }
func (a *portRecorder) Stop() error                                   { return nil }

func (a *portRecorder) HandleIncomingPacket(rec *radio.PacketRecord) error {
	a.received = append(a.received, *rec)
	return a.err
}

func queueRecord(t *testing.T, records *pool.Pool[radio.PacketRecord], toPhone *queue.Queue[pool.Handle], rec radio.PacketRecord) {
	h, ok := records.Allocate(0)
	require.True(t, ok)
	*records.Get(h) = rec
	require.True(t, toPhone.Enqueue(h, 0))
}

func TestBridgeDispatchesByPort(t *testing.T) {
	records := pool.New[radio.PacketRecord](4)
	toPhone := queue.New[pool.Handle](4)
	bridge := NewBridge(records, toPhone)

	text := &portRecorder{port: pb.PortNum_TEXT_MESSAGE_APP}
	failing := &portRecorder{port: pb.PortNum_TEXT_MESSAGE_APP, err: errors.New("boom")}
	nodeInfo := &portRecorder{port: pb.PortNum_NODEINFO_APP}
	uplink := &recordingUplink{}

	bridge.AddApplication(text)
	bridge.AddApplication(failing)
	bridge.AddApplication(nodeInfo)
	bridge.AddUplink(uplink)

	var rec radio.PacketRecord
	rec.From = 10
	rec.SetPayload(radio.DataPayload{Port: pb.PortNum_TEXT_MESSAGE_APP, Data: []byte("hi")})
	queueRecord(t, records, toPhone, rec)

	// Records without payload go nowhere.
	queueRecord(t, records, toPhone, radio.PacketRecord{From: 11})

	assert.Equal(t, 2, bridge.Drain())

	assert.Len(t, text.received, 1)
	assert.Len(t, failing.received, 1)
	assert.Empty(t, nodeInfo.received)
	require.Len(t, uplink.forwarded, 1)
	assert.Equal(t, rec.From, uplink.forwarded[0].From)

	assert.Equal(t, 0, records.Live())
}

func TestBridgeRunStopsWithContext(t *testing.T) {
	records := pool.New[radio.PacketRecord](4)
	toPhone := queue.New[pool.Handle](4)
	bridge := NewBridge(records, toPhone)

	var rec radio.PacketRecord
	rec.SetPayload(radio.DataPayload{Port: pb.PortNum_PRIVATE_APP, Data: []byte{1}})
	queueRecord(t, records, toPhone, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bridge.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return records.Live() == 0
	}, time.Second, time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}
}
