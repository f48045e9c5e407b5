package meshdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/charmbracelet/log"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"
)

const DefaultMaxNodes = 32

var (
	ErrTableFull     = errors.New("node table full")
	ErrNoFreeNum     = errors.New("no free node number")
	ErrNotAssignable = errors.New("node number cannot be used as our own")
)

// State of our own address.
type State int

const (
	// Unconfigured: no address picked yet.
	Unconfigured State = iota

	// Provisional: an address is picked but may still collide with a
	// neighbour.
	Provisional

	// Stable: the address survived the settle period.
	Stable
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Provisional:
		return "provisional"
	case Stable:
		return "stable"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Node is one row of the node table. User and Position are nil until the
// node has told us about them.
type Node struct {
	Num            types.NodeNum
	User           *pb.User
	Position       *pb.Position
	LastSeen       uint32
	Snr            float32
	FrequencyError int32
}

func (n *Node) clone() Node {
	c := *n
	if n.User != nil {
		c.User = proto.Clone(n.User).(*pb.User)
	}
	if n.Position != nil {
		c.Position = proto.Clone(n.Position).(*pb.Position)
	}
	return c
}

type Config struct {
	// Capacity of the table, our own row included.
	MaxNodes int

	Mac types.MacAddress

	// Owner is our own identity; DefaultOwner(Mac) when nil.
	Owner *pb.User

	// FixedNum, when set, is used instead of the address derived from Mac.
	FixedNum types.NodeNum
}

// DB is the node table together with our own identity.
type DB struct {
	mutex sync.RWMutex

	maxNodes int
	mac      types.MacAddress
	owner    *pb.User
	fixedNum types.NodeNum
	rng      *rand.Rand

	ownNum    types.NodeNum
	loadedNum types.NodeNum
	state     State
	nodes     map[types.NodeNum]*Node

	version      uint64
	savedVersion uint64
}

func New(config Config) *DB {
	maxNodes := config.MaxNodes
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}

	owner := config.Owner
	if owner == nil {
		owner = DefaultOwner(config.Mac)
	} else {
		owner = proto.Clone(owner).(*pb.User)
	}

	if len(owner.Macaddr) == 0 {
		owner.Macaddr = config.Mac.AsByteArray()
	}

	// The sequence of picked addresses depends on the hardware only.
	var seed [8]byte
	copy(seed[2:], config.Mac[:])
	s := binary.BigEndian.Uint64(seed[:])

	return &DB{
		maxNodes: maxNodes,
		mac:      config.Mac,
		owner:    owner,
		fixedNum: config.FixedNum,
		rng:      rand.New(rand.NewPCG(s, ^s)),
		nodes:    make(map[types.NodeNum]*Node, maxNodes),
	}
}

// DefaultOwner is the identity of a node nobody has named.
func DefaultOwner(mac types.MacAddress) *pb.User {
	return &pb.User{
		Id:        fmt.Sprintf("!%02x%02x%02x%02x%02x%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5]),
		LongName:  fmt.Sprintf("Unknown %02x%02x", mac[4], mac[5]),
		ShortName: fmt.Sprintf("?%02X", mac[5]),
		Macaddr:   mac.AsByteArray(),
	}
}

// CandidateNum derives a node number from the last byte of the MAC, moved
// out of the reserved and broadcast range.
func CandidateNum(mac types.MacAddress) types.NodeNum {
	n := types.NodeNum(mac[5])
	if n.IsAssignable() {
		return n
	}

	span := uint(types.Broadcast - types.NumReserved)
	return types.NumReserved + types.NodeNum(uint(n)%span)
}

// Init picks our address and creates our own row. A configured fixed number
// wins over one restored by Load, which wins over the MAC derived one.
func (db *DB) Init() error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	num := db.fixedNum
	if num == types.Unassigned {
		num = db.loadedNum
	}
	if num == types.Unassigned {
		num = CandidateNum(db.mac)
	}

	if !num.IsAssignable() {
		return fmt.Errorf("%w: %s", ErrNotAssignable, num)
	}

	if err := db.adopt(num); err != nil {
		return err
	}

	log.With("num", num, "mac", db.mac).Info("Node address picked")

	return nil
}

// adopt makes num our own address, evicting the stalest row when the table
// has no room for it. Called with the lock held.
func (db *DB) adopt(num types.NodeNum) error {
	if _, ok := db.nodes[num]; !ok && len(db.nodes) >= db.maxNodes {
		db.evictStale()
	}

	node, err := db.getOrCreate(num)
	if err != nil {
		return err
	}

	node.User = proto.Clone(db.owner).(*pb.User)

	db.ownNum = num
	db.state = Provisional
	db.version++

	return nil
}

func (db *DB) OwnNum() types.NodeNum {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	return db.ownNum
}

func (db *DB) Mac() types.MacAddress {
	return db.mac
}

// Owner returns a copy of our own identity.
func (db *DB) Owner() *pb.User {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	return proto.Clone(db.owner).(*pb.User)
}

func (db *DB) State() State {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	return db.state
}

// MarkStable promotes a provisional address. It reports false when the
// address was not provisional.
func (db *DB) MarkStable() bool {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if db.state != Provisional {
		return false
	}

	db.state = Stable
	return true
}

// GetNode returns a copy of the row for num.
func (db *DB) GetNode(num types.NodeNum) (Node, bool) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	node, ok := db.nodes[num]
	if !ok {
		return Node{}, false
	}
	return node.clone(), true
}

// OwnNode returns a copy of our own row.
func (db *DB) OwnNode() (Node, bool) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	node, ok := db.nodes[db.ownNum]
	if !ok {
		return Node{}, false
	}
	return node.clone(), true
}

func (db *DB) GetOrCreateNode(num types.NodeNum) (Node, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	node, err := db.getOrCreate(num)
	if err != nil {
		return Node{}, err
	}
	return node.clone(), nil
}

func (db *DB) getOrCreate(num types.NodeNum) (*Node, error) {
	if !num.IsUnicast() {
		return nil, fmt.Errorf("%w: %s", ErrNotAssignable, num)
	}

	if node, ok := db.nodes[num]; ok {
		return node, nil
	}

	if len(db.nodes) >= db.maxNodes {
		return nil, ErrTableFull
	}

	node := &Node{Num: num}
	db.nodes[num] = node
	db.version++

	return node, nil
}

// UpdateNode applies fn to the row for num, creating the row first if needed.
func (db *DB) UpdateNode(num types.NodeNum, fn func(node *Node)) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	node, err := db.getOrCreate(num)
	if err != nil {
		return err
	}

	fn(node)
	node.Num = num
	db.version++

	return nil
}

// RecordSignal stores the link quality of the last frame heard from num. Only
// existing rows are touched; it is called from the radio interrupt handler.
func (db *DB) RecordSignal(num types.NodeNum, snr float32, frequencyError int32) bool {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	node, ok := db.nodes[num]
	if !ok {
		return false
	}

	node.Snr = snr
	node.FrequencyError = frequencyError

	return true
}

// UpdateFrom records that the sender of rec was heard and merges any user or
// position it carries into the sender's row.
func (db *DB) UpdateFrom(rec *radio.PacketRecord) {
	if !rec.From.IsUnicast() {
		return
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	node, err := db.getOrCreate(rec.From)
	if err != nil {
		log.With("from", rec.From, "err", err).Warn("Sender not recorded")
		return
	}

	changed := false

	if rec.RxTime != 0 && node.LastSeen != rec.RxTime {
		node.LastSeen = rec.RxTime
		changed = true
	}

	if rec.RxSnr != 0 {
		node.Snr = rec.RxSnr
	}

	switch p := rec.Payload.(type) {
	case radio.PositionPayload:
		if p.Position != nil {
			if node.Position == nil {
				node.Position = &pb.Position{}
			}
			changed = merge(node.Position, p.Position) || changed
		}
	case radio.UserPayload:
		if p.User != nil {
			if node.User == nil {
				node.User = &pb.User{}
			}
			if merge(node.User, p.User) {
				log.With("num", rec.From, "name", node.User.GetLongName()).Debug("Node identity updated")
				changed = true
			}
		}
	}

	if changed {
		db.version++
	}
}

func merge(dst, src proto.Message) bool {
	before := proto.Clone(dst)
	proto.Merge(dst, src)
	return !proto.Equal(before, dst)
}

// PickNewNodeNum moves us to a random address no row is using, after losing
// an address collision. The previous number keeps its row, stripped of our
// identity, for the node that won it. A full table gives up its least recently
// seen row, whose number is not picked. On error we keep our address.
func (db *DB) PickNewNodeNum() (types.NodeNum, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	previous := db.ownNum

	evicted := types.Unassigned
	if len(db.nodes) >= db.maxNodes {
		num, ok := db.evictStale()
		if !ok {
			return previous, ErrTableFull
		}
		evicted = num
	}

	free := make([]types.NodeNum, 0, int(types.Broadcast-types.NumReserved))
	for n := types.NumReserved; n < types.Broadcast; n++ {
		if _, used := db.nodes[n]; !used && n != evicted {
			free = append(free, n)
		}
	}

	if len(free) == 0 {
		return previous, ErrNoFreeNum
	}

	num := free[db.rng.IntN(len(free))]

	if err := db.adopt(num); err != nil {
		return previous, err
	}

	if node, ok := db.nodes[previous]; ok {
		node.User = nil
		node.Position = nil
	}

	log.With("previous", previous, "num", num).Info("Picked new node address")

	return num, nil
}

// evictStale removes the least recently seen row other than our own. Called
// with the lock held.
func (db *DB) evictStale() (types.NodeNum, bool) {
	stale := types.Unassigned
	for num, node := range db.nodes {
		if num == db.ownNum {
			continue
		}
		if stale == types.Unassigned ||
			node.LastSeen < db.nodes[stale].LastSeen ||
			(node.LastSeen == db.nodes[stale].LastSeen && num < stale) {
			stale = num
		}
	}

	if stale == types.Unassigned {
		return stale, false
	}

	delete(db.nodes, stale)
	db.version++

	log.With("num", stale).Debug("Evicted stale node")

	return stale, true
}

// Nodes returns a copy of every row ordered by node number.
func (db *DB) Nodes() []Node {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	nodes := make([]Node, 0, len(db.nodes))
	for _, num := range slices.Sorted(maps.Keys(db.nodes)) {
		nodes = append(nodes, db.nodes[num].clone())
	}
	return nodes
}

func (db *DB) Len() int {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	return len(db.nodes)
}

// Dirty reports changes not yet written by Save.
func (db *DB) Dirty() bool {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	return db.version != db.savedVersion
}

// Reset forgets every node and our address. Init has to be called again.
func (db *DB) Reset() {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	clear(db.nodes)
	db.ownNum = types.Unassigned
	db.loadedNum = types.Unassigned
	db.state = Unconfigured
	db.version++

	log.Warn("Node database reset")
}
