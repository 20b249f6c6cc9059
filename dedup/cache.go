// Package dedup implements the bounded message-hash deduplication cache
// used to suppress reprocessing of dapp gossip messages — the bounded LRU
// redesign of the source's unbounded dedup set (spec.md §9).
package dedup

import (
	lru "github.com/hashicorp/golang-lru"
)

const defaultCapacity = 4096

// Cache is a bounded set of message hashes already processed. Seen reports
// whether hash was already present, recording it as a side effect — mirrors
// the source's check-then-insert usage at the /peer/dapp/message handler.
type Cache struct {
	lru *lru.Cache
}

// New constructs a Cache bounded to capacity entries (default 4096 when
// capacity <= 0).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	c, err := lru.New(capacity)
	if err != nil {
		// lru.New only fails for capacity <= 0, already guarded above.
		panic(err)
	}
	return &Cache{lru: c}
}

// Seen reports whether hash has already been recorded, then records it
// regardless of the outcome so the next call with the same hash returns
// true.
func (c *Cache) Seen(hash string) bool {
	if c.lru.Contains(hash) {
		return true
	}
	c.lru.Add(hash, struct{}{})
	return false
}

// Len returns the number of hashes currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}
