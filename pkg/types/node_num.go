package types

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// NodeNum is the on-air address of a node. It travels in a single header byte.
type NodeNum uint8

const (
	// Unassigned is used before a node has picked an address. It never gets a
	// node database row.
	Unassigned NodeNum = 0x00

	// Broadcast addresses every node in range.
	Broadcast NodeNum = 0xFF

	// NumReserved addresses below this value are never picked as our own.
	NumReserved NodeNum = 4
)

// IsAssignable reports whether n can be used as a node's own address.
func (n NodeNum) IsAssignable() bool {
	return n >= NumReserved && n != Broadcast
}

// IsUnicast reports whether n names a single node (i.e. it can have a
// node database row).
func (n NodeNum) IsUnicast() bool {
	return n != Unassigned && n != Broadcast
}

func (n NodeNum) MarshalYAML() (any, error) {
	return n.String(), nil
}

func (n *NodeNum) UnmarshalYAML(node *yaml.Node) error {
	value, err := strconv.ParseUint(node.Value, 16, 8)
	if err != nil {
		return err
	}

	*n = NodeNum(value)

	return nil
}

func (n NodeNum) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("\"%02x\"", uint8(n))), nil
}

func (n *NodeNum) UnmarshalJSON(data []byte) error {
	value := string(data)
	if len(value) > 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
	}

	num, err := strconv.ParseUint(value, 16, 8)
	if err != nil {
		return err
	}

	*n = NodeNum(num)
	return nil
}

func (n NodeNum) String() string {
	return fmt.Sprintf("%02x", uint8(n))
}
