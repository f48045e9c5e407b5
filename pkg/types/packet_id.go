package types

import "sync"

// PacketId identifies a packet per sender. Zero is never used.
type PacketId uint8

// PacketIdGenerator hands out monotonically increasing packet ids in the
// range 1..255, wrapping from 255 back to 1.
type PacketIdGenerator struct {
	mutex sync.Mutex
	last  PacketId
}

// NewPacketIdGenerator starts the sequence just after seed. A node picks a
// random seed at boot so a restart does not replay recent ids.
func NewPacketIdGenerator(seed uint8) *PacketIdGenerator {
	return &PacketIdGenerator{
		last: PacketId(seed),
	}
}

func (p *PacketIdGenerator) GetNext() PacketId {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.last++
	if p.last == 0 {
		p.last = 1
	}

	return p.last
}
