package types

import (
	"fmt"
	"net"

	"gopkg.in/yaml.v3"
)

// MacAddress is the factory-unique hardware identifier of a node. It seeds
// the node's address and breaks address collisions.
type MacAddress [6]byte

func (m MacAddress) AsByteArray() []byte {
	return m[0:6]
}

func (m MacAddress) String() string {
	return net.HardwareAddr(m[:]).String()
}

func (m MacAddress) MarshalYAML() (any, error) {
	return m.String(), nil
}

func (m *MacAddress) UnmarshalYAML(node *yaml.Node) error {
	hw, err := net.ParseMAC(node.Value)
	if err != nil {
		return err
	}

	if len(hw) != len(m) {
		return fmt.Errorf("mac address %q must be 6 bytes long", node.Value)
	}

	copy(m[:], hw)
	return nil
}
