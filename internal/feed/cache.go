package feed

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedPriceCache keeps the most recent Price per canonical symbol.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]Price
}

// NewShardedPriceCache creates an empty cache.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]Price)}
	}
	return c
}

func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the latest price for a symbol, overwriting any prior value.
func (c *ShardedPriceCache) Set(symbol string, p Price) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = p
	shard.mu.Unlock()
}

// Get retrieves the cached price for a symbol.
func (c *ShardedPriceCache) Get(symbol string) (Price, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	p, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return p, ok
}

// GetWithAge retrieves the cached price and how stale it is.
func (c *ShardedPriceCache) GetWithAge(symbol string) (Price, time.Duration, bool) {
	p, ok := c.Get(symbol)
	if !ok {
		return Price{}, 0, false
	}
	return p, time.Since(p.Time), true
}

// Symbols returns all cached symbols.
func (c *ShardedPriceCache) Symbols() []string {
	var out []string
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym := range shard.items {
			out = append(out, sym)
		}
		shard.mu.RUnlock()
	}
	return out
}
