package worker

import (
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"valuationd/internal/domain"
)

// snapshotCache is a small, bounded, in-process cache of decoded
// snapshots keyed by snapshot id (snapshots are write-once, so the
// payload under an id never changes and there is nothing to
// invalidate). Entries are
// stored msgpack-encoded and decoded fresh on every Get so no goroutine
// can observe another's mutation of a supposedly-immutable payload.
// FIFO eviction: simplest policy that bounds memory without needing a
// full LRU implementation.
type snapshotCache struct {
	mu       sync.Mutex
	maxItems int

	marketOrder []string
	market      map[string][]byte

	positionOrder []string
	position      map[string][]byte
}

func newSnapshotCache(maxItems int) *snapshotCache {
	if maxItems < 1 {
		maxItems = 32
	}
	return &snapshotCache{
		maxItems: maxItems,
		market:   make(map[string][]byte),
		position: make(map[string][]byte),
	}
}

func (c *snapshotCache) getMarket(key string) (domain.MarketPayload, bool) {
	c.mu.Lock()
	raw, ok := c.market[key]
	c.mu.Unlock()
	if !ok {
		return domain.MarketPayload{}, false
	}
	var out domain.MarketPayload
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return domain.MarketPayload{}, false
	}
	return out, true
}

func (c *snapshotCache) putMarket(key string, payload domain.MarketPayload) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.market[key]; !exists {
		if len(c.marketOrder) >= c.maxItems {
			oldest := c.marketOrder[0]
			c.marketOrder = c.marketOrder[1:]
			delete(c.market, oldest)
		}
		c.marketOrder = append(c.marketOrder, key)
	}
	c.market[key] = raw
}

func (c *snapshotCache) getPositions(key string) ([]domain.Position, bool) {
	c.mu.Lock()
	raw, ok := c.position[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	var out []domain.Position
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (c *snapshotCache) putPositions(key string, payload []domain.Position) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.position[key]; !exists {
		if len(c.positionOrder) >= c.maxItems {
			oldest := c.positionOrder[0]
			c.positionOrder = c.positionOrder[1:]
			delete(c.position, oldest)
		}
		c.positionOrder = append(c.positionOrder, key)
	}
	c.position[key] = raw
}
