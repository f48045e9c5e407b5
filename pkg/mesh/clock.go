package mesh

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Clock is the node's notion of wall time. Without a trusted time source it
// stays invalid until a neighbour's position report carries the time.
type Clock struct {
	mutex sync.Mutex
	now   func() time.Time

	offset time.Duration
	valid  bool

	// Time comes from a source good enough to share with the mesh.
	gps bool
}

// NewClock returns a clock backed by the host clock. trusted marks the host
// clock as valid from the start; gps additionally allows sending it.
func NewClock(trusted, gps bool) *Clock {
	return &Clock{
		now:   time.Now,
		valid: trusted || gps,
		gps:   gps,
	}
}

// Now returns seconds since the epoch, or zero while the clock is invalid.
func (c *Clock) Now() uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.valid {
		return 0
	}
	return uint32(c.now().Add(c.offset).Unix())
}

func (c *Clock) Valid() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.valid
}

func (c *Clock) HasGps() bool {
	return c.gps
}

// SetFromPosition adopts the time carried by a received position. Only an
// invalid clock is set; a clock that is already valid keeps its time.
func (c *Clock) SetFromPosition(unix uint32) bool {
	if unix == 0 {
		return false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.valid {
		return false
	}

	c.offset = time.Unix(int64(unix), 0).Sub(c.now())
	c.valid = true

	log.With("time", time.Unix(int64(unix), 0).UTC()).Info("Clock set from mesh")

	return true
}
