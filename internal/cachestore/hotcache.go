package cachestore

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// hotCache keeps recently used entries in memory in front of badger
type hotCache struct {
	entries    *lru.TwoQueueCache
	mutex      sync.RWMutex
	expiration time.Duration
}

// hotItem wraps an entry with its expiry
type hotItem struct {
	entry      *Entry
	expiration time.Time
}

func newHotCache(capacity int, expiration time.Duration) (*hotCache, error) {
	entries, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}
	return &hotCache{
		entries:    entries,
		expiration: expiration,
	}, nil
}

func (c *hotCache) get(key string) (*Entry, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	value, found := c.entries.Get(key)
	if !found {
		return nil, false
	}

	item := value.(hotItem)
	if c.expiration > 0 && time.Now().After(item.expiration) {
		c.entries.Remove(key)
		return nil, false
	}
	return item.entry, true
}

func (c *hotCache) set(key string, entry *Entry) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries.Add(key, hotItem{
		entry:      entry,
		expiration: time.Now().Add(c.expiration),
	})
}

func (c *hotCache) purge() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries.Purge()
}
