package mesh

import (
	"fmt"
	"testing"

	"github.com/Archie3d/lora-mesh-node/pkg/meshdb"
	"github.com/Archie3d/lora-mesh-node/pkg/pool"
	"github.com/Archie3d/lora-mesh-node/pkg/queue"
	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPower struct {
	received int
}

func (p *countingPower) PacketReceived() {
	p.received++
}

type testNode struct {
	mac      types.MacAddress
	db       *meshdb.DB
	pool     *pool.Pool[radio.PacketRecord]
	txQueue  *queue.Queue[pool.Handle]
	toPhone  *queue.Queue[pool.Handle]
	radio    *radio.SimRadio
	pump     *radio.Pump
	svc      *Service
	clock    *Clock
	power    *countingPower
	fromNums []uint32
}

type testNodeOptions struct {
	toPhone  int
	maxNodes int
	clock    *Clock
	sim      []radio.SimOption
}

func newTestNode(t *testing.T, ether *radio.Ether, mac types.MacAddress, options ...func(o *testNodeOptions)) *testNode {
	o := testNodeOptions{toPhone: 8, clock: NewClock(true, false)}
	for _, opt := range options {
		opt(&o)
	}

	n := &testNode{
		mac: mac,
		db: meshdb.New(meshdb.Config{
			MaxNodes: o.maxNodes,
			Mac:      mac,
			Owner: &pb.User{
				Id:       fmt.Sprintf("!%02x%02x", mac[0], mac[5]),
				LongName: fmt.Sprintf("node %02x", mac[0]),
			},
		}),
		pool:    pool.New[radio.PacketRecord](16),
		txQueue: queue.New[pool.Handle](4),
		toPhone: queue.New[pool.Handle](o.toPhone),
		clock:   o.clock,
		power:   &countingPower{},
	}
	require.NoError(t, n.db.Init())

	fromRadio := queue.New[pool.Handle](4)
	n.radio = ether.NewRadio(mac.String(), o.sim...)
	n.pump = radio.NewPump(radio.PumpConfig{
		Driver:  n.radio,
		Pool:    n.pool,
		TxQueue: n.txQueue,
		RxQueue: fromRadio,
		OwnNum:  n.db.OwnNum,
		Signals: n.db,
	})

	n.svc = NewService(ServiceConfig{
		DB:        n.db,
		Pump:      n.pump,
		Pool:      n.pool,
		FromRadio: fromRadio,
		ToPhone:   n.toPhone,
		Clock:     n.clock,
		Ids:       types.NewPacketIdGenerator(mac[0] * 40),
		Power:     n.power,
		OnFromNum: func(fromNum uint32) {
			n.fromNums = append(n.fromNums, fromNum)
		},
	})

	if err := n.pump.Init(); err != nil {
		require.ErrorIs(t, err, radio.ErrNoRadio)
	}

	return n
}

func withToPhone(capacity int) func(o *testNodeOptions) {
	return func(o *testNodeOptions) { o.toPhone = capacity }
}

func withMaxNodes(maxNodes int) func(o *testNodeOptions) {
	return func(o *testNodeOptions) { o.maxNodes = maxNodes }
}

func withClock(clock *Clock) func(o *testNodeOptions) {
	return func(o *testNodeOptions) { o.clock = clock }
}

func withSim(opts ...radio.SimOption) func(o *testNodeOptions) {
	return func(o *testNodeOptions) { o.sim = opts }
}

// settle runs the air and every node until nothing moves any more.
func settle(t *testing.T, ether *radio.Ether, nodes ...*testNode) {
	for range 20 {
		moved := ether.Flush()
		for _, n := range nodes {
			moved += n.svc.ProcessFromRadio()
		}
		if moved == 0 {
			return
		}
	}
	t.Fatal("mesh did not settle")
}

// phone drains the to-phone queue of n.
func (n *testNode) phone(t *testing.T) []radio.PacketRecord {
	var out []radio.PacketRecord
	for {
		h, ok := n.toPhone.Dequeue(0)
		if !ok {
			return out
		}
		out = append(out, *n.pool.Get(h))
		require.NoError(t, n.pool.Release(h))
	}
}

func decodeFrames(t *testing.T, log []radio.TxRecord) []radio.PacketRecord {
	var out []radio.PacketRecord
	for _, tx := range log {
		var rec radio.PacketRecord
		require.NoError(t, radio.DecodeFrame(tx.Frame, &rec))
		out = append(out, rec)
	}
	return out
}

func newEther() *radio.Ether {
	config := radio.DefaultRadioConfiguration()
	return radio.NewEther(config.LoRa())
}

func mac(first, last byte) types.MacAddress {
	return types.MacAddress{first, 0x00, 0x00, 0x00, 0x00, last}
}

//------------------------------------------------------------------------------

func TestHelloIsAnsweredDirectly(t *testing.T) {
	ether := newEther()
	x := newTestNode(t, ether, mac(0x01, 10))
	y := newTestNode(t, ether, mac(0x02, 20))
	require.Equal(t, types.NodeNum(10), x.db.OwnNum())
	require.Equal(t, types.NodeNum(20), y.db.OwnNum())

	require.NoError(t, x.svc.SendOurOwner(types.Broadcast))
	require.Equal(t, 1, ether.Flush())

	// Keep Y's radio busy so that its answer has to wait in the queue.
	require.NoError(t, y.svc.SendData(types.Broadcast, pb.PortNum_TEXT_MESSAGE_APP, []byte("busy"), false))
	require.Equal(t, 1, y.svc.ProcessFromRadio())

	node, ok := y.db.GetNode(10)
	require.True(t, ok)
	assert.Equal(t, "node 01", node.User.GetLongName())

	require.Equal(t, 1, y.txQueue.Len())
	h, _ := y.txQueue.Dequeue(0)
	reply := y.pool.Get(h)
	assert.Equal(t, types.NodeNum(10), reply.To)
	require.NotNil(t, reply.User())
	assert.Equal(t, "node 02", reply.User().GetLongName())
	require.NoError(t, y.pool.Release(h))
}

func TestHelloExchangeConverges(t *testing.T) {
	ether := newEther()
	x := newTestNode(t, ether, mac(0x01, 10))
	y := newTestNode(t, ether, mac(0x02, 20))

	require.NoError(t, x.svc.SendOurOwner(types.Broadcast))
	settle(t, ether, x, y)

	fromY := decodeFrames(t, ether.TxLogFrom(20))
	require.Len(t, fromY, 1)
	assert.Equal(t, types.NodeNum(10), fromY[0].To)
	assert.Equal(t, "!0214", fromY[0].User().GetId())

	// The direct answer is not answered again.
	assert.Len(t, ether.TxLogFrom(10), 1)

	known, ok := x.db.GetNode(20)
	require.True(t, ok)
	assert.Equal(t, "node 02", known.User.GetLongName())
	assert.Equal(t, float32(9.5), known.Snr)
}

func TestAddressCollision(t *testing.T) {
	orders := map[string]func(a, b *testNode){
		"winner first": func(a, b *testNode) {
			require.NoError(t, a.svc.SendOurOwner(types.Broadcast))
		},
		"loser first": func(a, b *testNode) {
			require.NoError(t, b.svc.SendOurOwner(types.Broadcast))
		},
		"simultaneous": func(a, b *testNode) {
			require.NoError(t, b.svc.SendOurOwner(types.Broadcast))
			require.NoError(t, a.svc.SendOurOwner(types.Broadcast))
		},
	}

	for name, start := range orders {
		t.Run(name, func(t *testing.T) {
			ether := newEther()
			a := newTestNode(t, ether, mac(0x01, 7))
			b := newTestNode(t, ether, mac(0x02, 7))
			require.Equal(t, a.db.OwnNum(), b.db.OwnNum())

			start(a, b)
			settle(t, ether, a, b)

			assert.Equal(t, types.NodeNum(7), a.db.OwnNum())
			assert.NotEqual(t, types.NodeNum(7), b.db.OwnNum())
			assert.True(t, b.db.OwnNum().IsAssignable())
			assert.Equal(t, meshdb.Provisional, b.db.State())

			// The winner's row was never overwritten by the loser.
			own, _ := a.db.OwnNode()
			assert.Equal(t, a.mac.AsByteArray(), own.User.GetMacaddr())

			// The loser knows the winner under the contested number.
			winner, ok := b.db.GetNode(7)
			require.True(t, ok)
			assert.Equal(t, a.mac.AsByteArray(), winner.User.GetMacaddr())

			// Both ended up knowing each other under distinct numbers.
			moved, ok := a.db.GetNode(b.db.OwnNum())
			require.True(t, ok)
			assert.Equal(t, b.mac.AsByteArray(), moved.User.GetMacaddr())

			assert.Equal(t, 0, a.pool.Live()+b.pool.Live()-a.toPhone.Len()-b.toPhone.Len())
		})
	}
}

func TestCollisionIsVetoedByWinner(t *testing.T) {
	ether := newEther()
	a := newTestNode(t, ether, mac(0x01, 7))
	b := newTestNode(t, ether, mac(0x02, 7))

	require.NoError(t, b.svc.SendOurOwner(types.Broadcast))
	ether.Flush()
	a.svc.ProcessFromRadio()

	assert.Equal(t, uint32(1), a.svc.Stats().Vetoed)
	assert.Equal(t, uint32(0), a.svc.FromNum())
	assert.Empty(t, a.phone(t))
	assert.Equal(t, 0, a.power.received)

	// The winner restates its claim to everyone.
	frames := decodeFrames(t, ether.TxLogFrom(7))
	require.Len(t, frames, 2)
	assert.Equal(t, types.Broadcast, frames[1].To)
	assert.Equal(t, a.mac.AsByteArray(), frames[1].User().GetMacaddr())
}

func TestOwnIdentityEchoIsNotACollision(t *testing.T) {
	ether := newEther()
	a := newTestNode(t, ether, mac(0x01, 7))

	raw := ether.NewRadio("raw")
	require.NoError(t, raw.Init())
	require.NoError(t, raw.StartReceive())

	rec := &radio.PacketRecord{To: types.Broadcast, Id: 99}
	rec.SetPayload(radio.UserPayload{User: a.db.Owner()})
	frame, err := radio.EncodeFrame(rec, 7)
	require.NoError(t, err)
	require.NoError(t, raw.StartTransmit(frame))

	ether.Flush()
	a.svc.ProcessFromRadio()

	assert.Equal(t, types.NodeNum(7), a.db.OwnNum())
	assert.Equal(t, uint32(0), a.svc.Stats().Collisions)
	assert.Len(t, a.phone(t), 1)
}

func TestCollisionWithFullTable(t *testing.T) {
	ether := newEther()
	a := newTestNode(t, ether, mac(0x01, 7))
	b := newTestNode(t, ether, mac(0x02, 7))

	for num := types.NodeNum(100); b.db.Len() < meshdb.DefaultMaxNodes; num++ {
		_, err := b.db.GetOrCreateNode(num)
		require.NoError(t, err)
	}

	require.NoError(t, a.svc.SendOurOwner(types.Broadcast))
	settle(t, ether, a, b)

	assert.Equal(t, types.NodeNum(7), a.db.OwnNum())
	assert.NotEqual(t, types.NodeNum(7), b.db.OwnNum())
	assert.NotEqual(t, types.NodeNum(100), b.db.OwnNum())
	assert.Equal(t, uint32(1), b.svc.Stats().Collisions)
	assert.Equal(t, meshdb.DefaultMaxNodes, b.db.Len())

	own, ok := b.db.OwnNode()
	require.True(t, ok)
	assert.Equal(t, b.mac.AsByteArray(), own.User.GetMacaddr())

	winner, ok := b.db.GetNode(7)
	require.True(t, ok)
	assert.Equal(t, a.mac.AsByteArray(), winner.User.GetMacaddr())

	moved, ok := a.db.GetNode(b.db.OwnNum())
	require.True(t, ok)
	assert.Equal(t, b.mac.AsByteArray(), moved.User.GetMacaddr())
}

func TestCollisionWithoutRoomIsNotMerged(t *testing.T) {
	ether := newEther()
	a := newTestNode(t, ether, mac(0x01, 7))

	b := newTestNode(t, ether, mac(0x02, 7), withMaxNodes(1))

	require.NoError(t, a.svc.SendOurOwner(types.Broadcast))
	settle(t, ether, a, b)

	assert.Equal(t, types.NodeNum(7), b.db.OwnNum())
	assert.Equal(t, uint32(1), b.svc.Stats().Vetoed)
	assert.Len(t, ether.TxLogFrom(7), 1)

	own, ok := b.db.OwnNode()
	require.True(t, ok)
	assert.Equal(t, b.mac.AsByteArray(), own.User.GetMacaddr())
}

func TestHelloFromUnassignedIsNotAnswered(t *testing.T) {
	ether := newEther()
	y := newTestNode(t, ether, mac(0x02, 20))

	raw := ether.NewRadio("raw")
	require.NoError(t, raw.Init())

	rec := &radio.PacketRecord{To: types.Broadcast, Id: 9}
	rec.SetPayload(radio.UserPayload{User: &pb.User{Id: "!nobody"}})
	frame, err := radio.EncodeFrame(rec, types.Unassigned)
	require.NoError(t, err)

	require.NoError(t, raw.StartTransmit(frame))
	ether.Flush()
	raw.Service()

	require.Equal(t, 1, y.svc.ProcessFromRadio())
	ether.Flush()

	assert.Empty(t, ether.TxLogFrom(20))
	assert.Equal(t, 0, y.txQueue.Len())
	assert.Len(t, y.phone(t), 1)
	assert.Equal(t, 1, y.db.Len())
}

func TestFullToPhoneQueueEvictsOldest(t *testing.T) {
	ether := newEther()
	x := newTestNode(t, ether, mac(0x01, 10))
	y := newTestNode(t, ether, mac(0x02, 20), withToPhone(2))

	for i := range 3 {
		require.NoError(t, x.svc.SendData(20, pb.PortNum_TEXT_MESSAGE_APP, []byte{byte('a' + i)}, false))
		ether.Flush()
		y.svc.ProcessFromRadio()

		assert.LessOrEqual(t, y.toPhone.Len(), 2)
	}

	assert.Equal(t, uint32(1), y.svc.Stats().Evicted)
	assert.Equal(t, uint32(3), y.svc.FromNum())
	assert.Equal(t, 2, y.pool.Live(), "only the queued copies stay allocated")

	delivered := y.phone(t)
	require.Len(t, delivered, 2)
	assert.Equal(t, []byte("b"), delivered[0].Payload.(radio.DataPayload).Data)
	assert.Equal(t, []byte("c"), delivered[1].Payload.(radio.DataPayload).Data)
	assert.Equal(t, 0, y.pool.Live())
}

func TestEvictionKeepsQueueLength(t *testing.T) {
	ether := newEther()
	x := newTestNode(t, ether, mac(0x01, 10))
	y := newTestNode(t, ether, mac(0x02, 20), withToPhone(3))

	for i := range 3 {
		require.NoError(t, x.svc.SendData(20, pb.PortNum_PRIVATE_APP, []byte{byte(i)}, false))
		ether.Flush()
	}
	y.svc.ProcessFromRadio()
	require.Equal(t, 3, y.toPhone.Len())

	for i := range 4 {
		before := y.svc.Stats().Evicted

		require.NoError(t, x.svc.SendData(20, pb.PortNum_PRIVATE_APP, []byte{byte(10 + i)}, false))
		ether.Flush()
		y.svc.ProcessFromRadio()

		assert.Equal(t, 3, y.toPhone.Len())
		assert.Equal(t, before+1, y.svc.Stats().Evicted)
	}
}

func TestDuplicatesAreDropped(t *testing.T) {
	ether := newEther()
	y := newTestNode(t, ether, mac(0x02, 20))

	raw := ether.NewRadio("raw")
	require.NoError(t, raw.Init())

	rec := &radio.PacketRecord{To: 20, Id: 5}
	rec.SetPayload(radio.DataPayload{Port: pb.PortNum_TEXT_MESSAGE_APP, Data: []byte("again")})
	frame, err := radio.EncodeFrame(rec, 10)
	require.NoError(t, err)

	for range 2 {
		require.NoError(t, raw.StartTransmit(frame))
		ether.Flush()
		raw.Service()
	}

	y.svc.ProcessFromRadio()

	assert.Len(t, y.phone(t), 1)
	assert.Equal(t, uint32(1), y.svc.Stats().Duplicates)
	assert.Equal(t, 0, y.pool.Live())
}

func TestWantResponseIsPinged(t *testing.T) {
	ether := newEther()
	x := newTestNode(t, ether, mac(0x01, 10))
	y := newTestNode(t, ether, mac(0x02, 20))

	require.NoError(t, x.svc.SendData(20, pb.PortNum_TEXT_MESSAGE_APP, []byte("there?"), true))
	settle(t, ether, x, y)

	// Without a position, the identity goes back.
	replies := decodeFrames(t, ether.TxLogFrom(20))
	require.Len(t, replies, 1)
	assert.Equal(t, types.NodeNum(10), replies[0].To)
	assert.NotNil(t, replies[0].User())
	assert.False(t, replies[0].WantResponse)

	lat, lon := int32(473000000), int32(85000000)
	require.NoError(t, y.svc.SendPosition(types.Broadcast, &pb.Position{LatitudeI: &lat, LongitudeI: &lon, Time: 1700000000}))
	settle(t, ether, x, y)
	ether.ClearTxLog()

	require.NoError(t, x.svc.SendData(20, pb.PortNum_TEXT_MESSAGE_APP, []byte("where?"), true))
	settle(t, ether, x, y)

	replies = decodeFrames(t, ether.TxLogFrom(20))
	require.Len(t, replies, 1)
	require.NotNil(t, replies[0].Position())
	assert.Equal(t, lat, replies[0].Position().GetLatitudeI())

	// Time is not shared by a node without GPS.
	assert.Zero(t, replies[0].Position().GetTime())
}

func TestSendToSelfIsDropped(t *testing.T) {
	ether := newEther()
	x := newTestNode(t, ether, mac(0x01, 10))

	require.NoError(t, x.svc.SendData(10, pb.PortNum_TEXT_MESSAGE_APP, []byte("me"), false))
	assert.Equal(t, 0, ether.InFlight())
	assert.Equal(t, 0, x.pool.Live())
}

func TestSendFillsSourceAndId(t *testing.T) {
	ether := newEther()
	x := newTestNode(t, ether, mac(0x01, 10))

	rec := radio.PacketRecord{To: types.Broadcast}
	rec.SetPayload(radio.DataPayload{Port: pb.PortNum_PRIVATE_APP, Data: []byte{1}})
	require.NoError(t, x.svc.Send(rec))
	ether.Flush()

	frames := decodeFrames(t, ether.TxLog())
	require.Len(t, frames, 1)
	assert.Equal(t, types.NodeNum(10), frames[0].From)
	assert.NotZero(t, frames[0].Id)
}

func TestRadioLessSendReleasesRecord(t *testing.T) {
	ether := newEther()
	x := newTestNode(t, ether, mac(0x01, 10), withSim(radio.WithFailingInit()))

	err := x.svc.SendOurOwner(types.Broadcast)
	assert.ErrorIs(t, err, radio.ErrNoRadio)
	assert.Equal(t, 0, x.pool.Live())
}

func TestClockIsSetFromPosition(t *testing.T) {
	ether := newEther()
	x := newTestNode(t, ether, mac(0x01, 10))
	y := newTestNode(t, ether, mac(0x02, 20), withClock(NewClock(false, false)))
	require.False(t, y.clock.Valid())

	// Only a GPS backed node shares its time.
	x.clock = NewClock(true, true)
	x.svc.clock = x.clock

	lat := int32(1)
	require.NoError(t, x.svc.SendPosition(types.Broadcast, &pb.Position{LatitudeI: &lat, Time: 1700000000}))
	ether.Flush()
	y.svc.ProcessFromRadio()

	assert.True(t, y.clock.Valid())

	delivered := y.phone(t)
	require.Len(t, delivered, 1)
	assert.InDelta(t, 1700000000, delivered[0].RxTime, 5)

	node, _ := y.db.GetNode(10)
	assert.Equal(t, delivered[0].RxTime, node.LastSeen)
}

func TestFromNumIsNotifiedOncePerBatch(t *testing.T) {
	ether := newEther()
	x := newTestNode(t, ether, mac(0x01, 10))
	y := newTestNode(t, ether, mac(0x02, 20))

	for i := range 3 {
		require.NoError(t, x.svc.SendData(20, pb.PortNum_PRIVATE_APP, []byte{byte(i)}, false))
		ether.Flush()
	}

	assert.Equal(t, 3, y.svc.ProcessFromRadio())
	assert.Equal(t, []uint32{3}, y.fromNums)
	assert.Equal(t, 3, y.power.received)

	// Nothing new, no notification.
	y.svc.ProcessFromRadio()
	assert.Equal(t, []uint32{3}, y.fromNums)
}
