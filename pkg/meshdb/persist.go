package meshdb

import (
	"encoding/json"

	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/charmbracelet/log"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/encoding/protojson"
)

type storedNode struct {
	Info           json.RawMessage `json:"info"`
	FrequencyError int32           `json:"frequency_error,omitempty"`
}

type snapshot struct {
	OwnNum types.NodeNum `json:"own_num"`
	Nodes  []storedNode  `json:"nodes"`
}

// Save writes the table to path. The file is replaced atomically.
func (db *DB) Save(path string) error {
	db.mutex.RLock()
	version := db.version
	snap := snapshot{
		OwnNum: db.ownNum,
		Nodes:  make([]storedNode, 0, len(db.nodes)),
	}

	var err error
	for _, node := range db.nodes {
		info := &pb.NodeInfo{
			Num:       uint32(node.Num),
			User:      node.User,
			Position:  node.Position,
			Snr:       node.Snr,
			LastHeard: node.LastSeen,
		}

		var raw []byte
		if raw, err = protojson.Marshal(info); err != nil {
			break
		}

		snap.Nodes = append(snap.Nodes, storedNode{Info: raw, FrequencyError: node.FrequencyError})
	}
	db.mutex.RUnlock()

	if err != nil {
		return err
	}

	if err := types.SaveToJsonFile(path, &snap); err != nil {
		return err
	}

	db.mutex.Lock()
	if version > db.savedVersion {
		db.savedVersion = version
	}
	db.mutex.Unlock()

	log.With("path", path, "nodes", len(snap.Nodes)).Debug("Node database saved")

	return nil
}

// Load replaces the table with the content of path. Our own address is
// restored on the following Init unless a fixed one is configured.
func (db *DB) Load(path string) error {
	var snap snapshot
	if err := types.LoadFromJsonFile(path, &snap); err != nil {
		return err
	}

	unmarshal := protojson.UnmarshalOptions{DiscardUnknown: true}

	nodes := make(map[types.NodeNum]*Node, len(snap.Nodes))
	for _, stored := range snap.Nodes {
		var info pb.NodeInfo
		if err := unmarshal.Unmarshal(stored.Info, &info); err != nil {
			return err
		}

		num := types.NodeNum(info.Num)
		if info.Num > uint32(types.Broadcast) || !num.IsUnicast() {
			log.With("num", info.Num).Warn("Skipping stored node with invalid number")
			continue
		}

		if len(nodes) >= db.maxNodes {
			log.With("path", path).Warn("Stored node table truncated")
			break
		}

		nodes[num] = &Node{
			Num:            num,
			User:           info.User,
			Position:       info.Position,
			LastSeen:       info.LastHeard,
			Snr:            info.Snr,
			FrequencyError: stored.FrequencyError,
		}
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	db.nodes = nodes
	db.loadedNum = types.Unassigned
	if snap.OwnNum.IsAssignable() {
		db.loadedNum = snap.OwnNum
	}
	db.version++
	db.savedVersion = db.version

	log.With("path", path, "nodes", len(nodes)).Info("Node database loaded")

	return nil
}
