// Package leadersched resolves the leader public key for a slot. The
// inserter only consumes the Provider interface; the Cache memoises an
// upstream schedule source per epoch.
package leadersched

import (
	"strconv"
	"sync"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/sync/singleflight"
)

const DefaultSlotsPerEpoch = 432000

// Provider resolves the leader of a slot. A false return disables
// shred recovery for that slot.
type Provider interface {
	SlotLeader(slot uint64) (ed25519.PublicKey, bool)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(slot uint64) (ed25519.PublicKey, bool)

func (f ProviderFunc) SlotLeader(slot uint64) (ed25519.PublicKey, bool) {
	return f(slot)
}

// Source produces the leader rotation of one epoch.
type Source interface {
	EpochLeaders(epoch uint64) ([]ed25519.PublicKey, error)
}

// Cache is a Provider that memoises epoch schedules. Concurrent
// lookups of an uncached epoch share a single upstream fetch.
type Cache struct {
	source        Source
	slotsPerEpoch uint64

	mu     sync.RWMutex
	epochs map[uint64][]ed25519.PublicKey
	group  singleflight.Group
}

func NewCache(source Source, slotsPerEpoch uint64) *Cache {
	if slotsPerEpoch == 0 {
		slotsPerEpoch = DefaultSlotsPerEpoch
	}
	return &Cache{
		source:        source,
		slotsPerEpoch: slotsPerEpoch,
		epochs:        make(map[uint64][]ed25519.PublicKey),
	}
}

func (c *Cache) SlotLeader(slot uint64) (ed25519.PublicKey, bool) {
	epoch := slot / c.slotsPerEpoch

	c.mu.RLock()
	leaders, ok := c.epochs[epoch]
	c.mu.RUnlock()

	if !ok {
		v, err, _ := c.group.Do(strconv.FormatUint(epoch, 10), func() (interface{}, error) {
			ls, err := c.source.EpochLeaders(epoch)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.epochs[epoch] = ls
			c.mu.Unlock()
			return ls, nil
		})
		if err != nil {
			return nil, false
		}
		leaders = v.([]ed25519.PublicKey)
	}

	if len(leaders) == 0 {
		return nil, false
	}
	return leaders[(slot%c.slotsPerEpoch)%uint64(len(leaders))], true
}

// Evict drops one epoch from the cache.
func (c *Cache) Evict(epoch uint64) {
	c.mu.Lock()
	delete(c.epochs, epoch)
	c.mu.Unlock()
}
