package mesh

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/meshdb"
	"github.com/Archie3d/lora-mesh-node/pkg/pool"
	"github.com/Archie3d/lora-mesh-node/pkg/queue"
	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/charmbracelet/log"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"
)

// How long a send waits for a free packet record.
const allocWait = 100 * time.Millisecond

var (
	ErrPoolExhausted = errors.New("no free packet record")
	ErrNoPosition    = errors.New("own position unknown")
)

type ServiceConfig struct {
	DB        *meshdb.DB
	Pump      *radio.Pump
	Pool      *pool.Pool[radio.PacketRecord]
	FromRadio *queue.Queue[pool.Handle]
	ToPhone   *queue.Queue[pool.Handle]
	Clock     *Clock
	Ids       *types.PacketIdGenerator
	Power     PowerHook

	DedupeWindow time.Duration

	// OnFromNum is told the new counter value once per batch of deliveries.
	OnFromNum func(fromNum uint32)

	// OnCollisionLost is called after we gave up our address.
	OnCollisionLost func(previous, num types.NodeNum)
}

type ServiceStats struct {
	Delivered  uint32
	Duplicates uint32
	Vetoed     uint32
	Evicted    uint32
	Collisions uint32
}

// Service takes decoded packets off the radio, runs the identity protocol on
// them and hands them on to the phone side. It also builds the packets the
// node sends itself.
type Service struct {
	db        *meshdb.DB
	pump      *radio.Pump
	pool      *pool.Pool[radio.PacketRecord]
	fromRadio *queue.Queue[pool.Handle]
	toPhone   *queue.Queue[pool.Handle]
	clock     *Clock
	ids       *types.PacketIdGenerator
	power     PowerHook
	recent    *recentPackets

	onFromNum       func(uint32)
	onCollisionLost func(previous, num types.NodeNum)

	fromNum  atomic.Uint32
	notified uint32

	delivered  atomic.Uint32
	duplicates atomic.Uint32
	vetoed     atomic.Uint32
	evicted    atomic.Uint32
	collisions atomic.Uint32
}

func NewService(config ServiceConfig) *Service {
	s := &Service{
		db:              config.DB,
		pump:            config.Pump,
		pool:            config.Pool,
		fromRadio:       config.FromRadio,
		toPhone:         config.ToPhone,
		clock:           config.Clock,
		ids:             config.Ids,
		power:           config.Power,
		recent:          newRecentPackets(config.DedupeWindow),
		onFromNum:       config.OnFromNum,
		onCollisionLost: config.OnCollisionLost,
	}

	if s.clock == nil {
		s.clock = NewClock(true, false)
	}

	if s.ids == nil {
		s.ids = types.NewPacketIdGenerator(0)
	}

	if s.power == nil {
		s.power = &activity{}
	}

	return s
}

//------------------------------------------------------------------------------

// Run handles packets from the radio until ctx is done.
func (s *Service) Run(ctx context.Context) {
	go s.recent.start()
	defer s.recent.stop()

	for {
		h, err := s.fromRadio.DequeueContext(ctx)
		if err != nil {
			return
		}

		s.HandleFromRadio(h)
		s.ProcessFromRadio()
	}
}

// ProcessFromRadio handles every packet waiting in the from-radio queue and
// then notifies once if anything was delivered.
func (s *Service) ProcessFromRadio() int {
	n := 0
	for {
		h, ok := s.fromRadio.Dequeue(0)
		if !ok {
			break
		}
		s.HandleFromRadio(h)
		n++
	}

	s.notifyFromNum()

	return n
}

func (s *Service) notifyFromNum() {
	current := s.fromNum.Load()
	if current == s.notified {
		return
	}

	s.notified = current
	if s.onFromNum != nil {
		s.onFromNum(current)
	}
}

// HandleFromRadio takes ownership of h.
func (s *Service) HandleFromRadio(h pool.Handle) {
	rec := s.pool.Get(h)
	if rec == nil {
		log.Error("Stale packet handle from radio")
		return
	}

	if position := rec.Position(); position != nil && !s.clock.HasGps() {
		s.clock.SetFromPosition(position.GetTime())
	}

	rec.RxTime = s.clock.Now()

	if s.recent.seen(rec) {
		log.With("packet", rec).Debug("Dropping duplicate")
		s.duplicates.Add(1)
		s.release(h)
		return
	}

	if rec.User() != nil && s.handleUser(rec) {
		log.With("packet", rec).Debug("Not delivering vetoed identity")
		s.vetoed.Add(1)
		s.release(h)
		return
	}

	s.db.UpdateFrom(rec)
	s.fromNum.Add(1)
	s.power.PacketReceived()

	from := rec.From
	wantResponse := rec.WantResponse

	s.deliver(h)

	if wantResponse {
		if err := s.SendNetworkPing(from); err != nil {
			log.With("to", from, "err", err).Warn("Failed to answer ping")
		}
	}
}

// handleUser runs the address collision protocol for a received identity. It
// reports whether the packet is vetoed.
func (s *Service) handleUser(rec *radio.PacketRecord) bool {
	user := rec.User()
	own := s.db.OwnNum()

	if rec.From != own {
		if rec.To == types.Broadcast && rec.From.IsUnicast() {
			log.With("from", rec.From, "name", user.GetLongName()).Info("Node joined, introducing ourselves")
			if err := s.SendOurOwner(rec.From); err != nil {
				log.With("to", rec.From, "err", err).Warn("Failed to reply with our identity")
			}
		}
		return false
	}

	mac := s.db.Mac()
	switch cmp := bytes.Compare(mac[:], user.GetMacaddr()); {
	case cmp == 0:
		// Our own identity heard back.
		return false
	case cmp < 0:
		log.With("num", own, "other", net.HardwareAddr(user.GetMacaddr())).Warn("Address collision, keeping our address")
		s.collisions.Add(1)

		if err := s.SendOurOwner(types.Broadcast); err != nil {
			log.With("err", err).Warn("Failed to assert our identity")
		}
		return true
	default:
		log.With("num", own, "other", net.HardwareAddr(user.GetMacaddr())).Warn("Address collision lost, picking a new address")
		s.collisions.Add(1)

		// The winner is only recorded once we have left its address.
		num, err := s.db.PickNewNodeNum()
		if err != nil {
			log.With("err", err).Error("Unable to pick a new address")
			return true
		}

		if s.onCollisionLost != nil {
			s.onCollisionLost(own, num)
		}

		if err := s.SendOurOwner(types.Broadcast); err != nil {
			log.With("err", err).Warn("Failed to announce our new address")
		}
		return false
	}
}

// deliver queues a copy of h for the phone, evicting the oldest queued
// packet when the queue is full. h is released.
func (s *Service) deliver(h pool.Handle) {
	defer s.release(h)

	if s.toPhone.NumFree() == 0 {
		if old, ok := s.toPhone.Dequeue(0); ok {
			log.Debug("To-phone queue full, discarding oldest")
			s.evicted.Add(1)
			s.release(old)
		}
	}

	copied, ok := s.pool.Copy(h, 0)
	if !ok {
		log.Warn("No packet record free for delivery")
		return
	}

	if !s.toPhone.Enqueue(copied, 0) {
		log.Warn("To-phone queue full, dropping packet")
		s.release(copied)
		return
	}

	s.delivered.Add(1)
}

//------------------------------------------------------------------------------

// AllocForSending returns a record addressed to broadcast, from us, with a
// fresh packet id.
func (s *Service) AllocForSending() (pool.Handle, *radio.PacketRecord, error) {
	h, ok := s.pool.Allocate(allocWait)
	if !ok {
		return pool.Handle{}, nil, ErrPoolExhausted
	}

	rec := s.pool.Get(h)
	rec.From = s.db.OwnNum()
	rec.To = types.Broadcast
	rec.Id = s.ids.GetNext()
	rec.RxTime = s.clock.Now()

	return h, rec, nil
}

// SendToMesh takes ownership of h and passes it to the radio.
func (s *Service) SendToMesh(h pool.Handle) error {
	rec := s.pool.Get(h)
	if rec == nil {
		return pool.ErrStaleHandle
	}

	// Keep our own row current with what we tell others.
	if rec.HasPayload {
		s.db.UpdateFrom(rec)
	}

	// Peers must not take their time from a clock we do not trust.
	if position := rec.Position(); position != nil && !s.clock.HasGps() && position.GetTime() != 0 {
		stripped := proto.Clone(position).(*pb.Position)
		stripped.Time = 0
		rec.SetPayload(radio.PositionPayload{Position: stripped})
	}

	if rec.To == s.db.OwnNum() {
		log.With("packet", rec).Debug("Dropping packet addressed to ourselves")
		s.release(h)
		return nil
	}

	if err := s.pump.Send(h); err != nil {
		log.With("err", err).Warn("Failed to send packet")
		return err
	}

	return nil
}

// Send copies rec into the pool and sends it. Unset source and id are filled
// in.
func (s *Service) Send(rec radio.PacketRecord) error {
	h, out, err := s.AllocForSending()
	if err != nil {
		return err
	}

	from, id := out.From, out.Id
	*out = rec

	if out.From == types.Unassigned {
		out.From = from
	}
	if out.Id == 0 {
		out.Id = id
	}

	return s.SendToMesh(h)
}

// SendData sends opaque application bytes on port.
func (s *Service) SendData(to types.NodeNum, port pb.PortNum, payload []byte, wantResponse bool) error {
	h, rec, err := s.AllocForSending()
	if err != nil {
		return err
	}

	rec.To = to
	rec.WantResponse = wantResponse
	rec.SetPayload(radio.DataPayload{Port: port, Data: payload})

	return s.SendToMesh(h)
}

// SendOurOwner sends our identity to one node, or to everyone.
func (s *Service) SendOurOwner(to types.NodeNum) error {
	h, rec, err := s.AllocForSending()
	if err != nil {
		return err
	}

	rec.To = to
	rec.SetPayload(radio.UserPayload{User: s.db.Owner()})

	return s.SendToMesh(h)
}

// SendPosition sends position as ours.
func (s *Service) SendPosition(to types.NodeNum, position *pb.Position) error {
	h, rec, err := s.AllocForSending()
	if err != nil {
		return err
	}

	rec.To = to
	rec.SetPayload(radio.PositionPayload{Position: position})

	return s.SendToMesh(h)
}

// SendOurPosition sends the position recorded in our own row.
func (s *Service) SendOurPosition(to types.NodeNum) error {
	own, ok := s.db.OwnNode()
	if !ok || own.Position == nil {
		return ErrNoPosition
	}

	return s.SendPosition(to, own.Position)
}

// SendNetworkPing answers a packet that asked for a response: our position
// when we know it, our identity otherwise. The ping itself never asks for a
// response.
func (s *Service) SendNetworkPing(to types.NodeNum) error {
	if own, ok := s.db.OwnNode(); ok && own.Position != nil {
		return s.SendPosition(to, own.Position)
	}
	return s.SendOurOwner(to)
}

//------------------------------------------------------------------------------

// ToPhone is the queue of delivered packets. Whoever dequeues a handle owns it
// and has to release it to the pool.
func (s *Service) ToPhone() *queue.Queue[pool.Handle] {
	return s.toPhone
}

func (s *Service) Pool() *pool.Pool[radio.PacketRecord] {
	return s.pool
}

func (s *Service) DB() *meshdb.DB {
	return s.db
}

// FromNum counts delivered packets.
func (s *Service) FromNum() uint32 {
	return s.fromNum.Load()
}

func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Delivered:  s.delivered.Load(),
		Duplicates: s.duplicates.Load(),
		Vetoed:     s.vetoed.Load(),
		Evicted:    s.evicted.Load(),
		Collisions: s.collisions.Load(),
	}
}

func (s *Service) release(h pool.Handle) {
	if err := s.pool.Release(h); err != nil {
		log.With("err", err).Error("Packet released twice")
	}
}
