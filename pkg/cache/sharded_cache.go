package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedTTLCache remembers keys for a fixed time. It backs signal
// de-duplication, where many strategies hit the same cache concurrently.
type ShardedTTLCache struct {
	shards [numShards]*ttlShard
	ttl    time.Duration
	now    func() time.Time
}

type ttlShard struct {
	mu    sync.Mutex
	items map[string]time.Time // key -> expiry
}

// NewShardedTTLCache creates a cache whose entries live for ttl.
func NewShardedTTLCache(ttl time.Duration) *ShardedTTLCache {
	c := &ShardedTTLCache{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &ttlShard{items: make(map[string]time.Time)}
	}
	return c
}

func (c *ShardedTTLCache) getShard(key string) *ttlShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Claim records key and reports true when it was not already live. A second
// Claim for the same key within the TTL returns false.
func (c *ShardedTTLCache) Claim(key string) bool {
	now := c.now()
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if exp, ok := shard.items[key]; ok && now.Before(exp) {
		return false
	}
	shard.items[key] = now.Add(c.ttl)
	return true
}

// Release forgets key so it can be claimed again.
func (c *ShardedTTLCache) Release(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// Contains reports whether key is live.
func (c *ShardedTTLCache) Contains(key string) bool {
	now := c.now()
	shard := c.getShard(key)
	shard.mu.Lock()
	exp, ok := shard.items[key]
	shard.mu.Unlock()
	return ok && now.Before(exp)
}

// Len returns total items across all shards, expired ones included.
func (c *ShardedTTLCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		total += len(shard.items)
		shard.mu.Unlock()
	}
	return total
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *ShardedTTLCache) Cleanup() int {
	now := c.now()
	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, exp := range shard.items {
			if !now.Before(exp) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
}

// Stats returns cache statistics.
func (c *ShardedTTLCache) Stats() CacheStats {
	stats := CacheStats{}
	for i, shard := range c.shards {
		shard.mu.Lock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		shard.mu.Unlock()
	}
	return stats
}
