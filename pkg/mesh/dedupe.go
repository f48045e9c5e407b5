package mesh

import (
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/jellydator/ttlcache/v3"
)

const DefaultDedupeWindow = 30 * time.Second

type packetKey struct {
	from types.NodeNum
	to   types.NodeNum
	id   types.PacketId
}

// recentPackets remembers which packets were heard within the window.
type recentPackets struct {
	cache *ttlcache.Cache[packetKey, struct{}]
}

func newRecentPackets(window time.Duration) *recentPackets {
	if window <= 0 {
		window = DefaultDedupeWindow
	}

	return &recentPackets{
		cache: ttlcache.New[packetKey, struct{}](
			ttlcache.WithTTL[packetKey, struct{}](window),
			ttlcache.WithDisableTouchOnHit[packetKey, struct{}](),
		),
	}
}

// seen records rec and reports whether it had been heard already.
func (r *recentPackets) seen(rec *radio.PacketRecord) bool {
	key := packetKey{from: rec.From, to: rec.To, id: rec.Id}

	if r.cache.Get(key) != nil {
		return true
	}

	r.cache.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return false
}

func (r *recentPackets) start() {
	r.cache.Start()
}

func (r *recentPackets) stop() {
	r.cache.Stop()
}

func (r *recentPackets) len() int {
	return r.cache.Len()
}
