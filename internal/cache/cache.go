// Package cache provides the TTL cache in front of current-state lookups.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTTL  = 300 * time.Second
	DefaultSize = 4096
)

// Cache is a size-bounded TTL cache keyed by string. Entries expire after a
// fixed TTL; there is no per-entry override.
type Cache struct {
	lru *expirable.LRU[string, string]
	ttl time.Duration
}

func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		lru: expirable.NewLRU[string, string](size, nil, ttl),
		ttl: ttl,
	}
}

func (c *Cache) Get(key string) (string, bool) {
	return c.lru.Get(key)
}

func (c *Cache) Set(key, value string) {
	c.lru.Add(key, value)
}

// SetMany stores a batch of entries. Used by warm-up paths that read many
// current states in one query.
func (c *Cache) SetMany(entries map[string]string) {
	for k, v := range entries {
		c.lru.Add(k, v)
	}
}

func (c *Cache) Delete(key string) {
	c.lru.Remove(key)
}

func (c *Cache) Purge() {
	c.lru.Purge()
}

func (c *Cache) TTL() time.Duration { return c.ttl }
