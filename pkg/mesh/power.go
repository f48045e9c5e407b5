package mesh

import (
	"sync/atomic"
	"time"
)

// PowerHook is told about every packet delivered to the node, which is the
// power manager's cue to stay awake.
type PowerHook interface {
	PacketReceived()
}

// activity is the PowerHook the node installs by default. It only records
// when traffic was last delivered.
type activity struct {
	last atomic.Int64
}

func (a *activity) PacketReceived() {
	a.last.Store(time.Now().UnixNano())
}

// IdleFor is the time since the last delivered packet; zero when none was.
func (a *activity) IdleFor() time.Duration {
	last := a.last.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}
