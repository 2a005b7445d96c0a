// Package cache holds the resolver's two hot-path read caches: whether a
// source's UPC column is trusted, and the brand-alias rewrite table. Both
// are deliberately small, TTL-bounded, and safe to serve stale-for-seconds
// since the resolver re-checks them on every request rather than caching
// resolver decisions themselves.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// TrustEntry is the cached answer to "is this source's UPC trusted".
type TrustEntry struct {
	UPCTrusted bool
	Version    int
}

const (
	trustCacheTTL      = 60 * time.Second
	trustCacheMaxItems = 100
)

type trustCacheItem struct {
	sourceID string
	entry    TrustEntry
	expires  time.Time
	elem     *list.Element
}

// TrustLookup is the backing store TrustCache falls through to on a miss;
// db/repository.SourceTrustRepository satisfies it.
type TrustLookup interface {
	GetTrustConfig(sourceID string) (upcTrusted bool, version int, found bool, err error)
}

// TrustCache is an LRU, TTL-bounded cache over SourceTrustConfig rows. A
// miss (cache or backing store) returns {upcTrusted:false, version:0},
// which keeps the resolver's UPC path closed by default for sources it has
// never heard of.
type TrustCache struct {
	mu      sync.Mutex
	items   map[string]*trustCacheItem
	order   *list.List // front = most recently used
	backing TrustLookup
}

// NewTrustCache creates a TrustCache backed by lookup.
func NewTrustCache(lookup TrustLookup) *TrustCache {
	return &TrustCache{
		items:   make(map[string]*trustCacheItem),
		order:   list.New(),
		backing: lookup,
	}
}

// Get returns the trust entry for sourceID, consulting the backing store on
// a cache miss or expiry. A backing-store error or not-found row both
// produce the safe default rather than propagating, since an unreadable
// trust config must never be mistaken for "trusted".
func (c *TrustCache) Get(sourceID string) TrustEntry {
	c.mu.Lock()
	if item, ok := c.items[sourceID]; ok && time.Now().Before(item.expires) {
		c.order.MoveToFront(item.elem)
		entry := item.entry
		c.mu.Unlock()
		return entry
	}
	c.mu.Unlock()

	entry := TrustEntry{UPCTrusted: false, Version: 0}
	if c.backing != nil {
		if trusted, version, found, err := c.backing.GetTrustConfig(sourceID); err == nil && found {
			entry = TrustEntry{UPCTrusted: trusted, Version: version}
		}
	}

	c.mu.Lock()
	c.store(sourceID, entry)
	c.mu.Unlock()
	return entry
}

// Invalidate drops sourceID's cached entry, if any, so the next Get
// re-reads the backing store. Called from the db.ChannelTrustConfigChanged
// LISTEN handler wired up in notifier.go.
func (c *TrustCache) Invalidate(sourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[sourceID]; ok {
		c.order.Remove(item.elem)
		delete(c.items, sourceID)
	}
}

// store must be called with c.mu held.
func (c *TrustCache) store(sourceID string, entry TrustEntry) {
	if existing, ok := c.items[sourceID]; ok {
		existing.entry = entry
		existing.expires = time.Now().Add(trustCacheTTL)
		c.order.MoveToFront(existing.elem)
		return
	}

	item := &trustCacheItem{
		sourceID: sourceID,
		entry:    entry,
		expires:  time.Now().Add(trustCacheTTL),
	}
	item.elem = c.order.PushFront(item)
	c.items[sourceID] = item

	for c.order.Len() > trustCacheMaxItems {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*trustCacheItem).sourceID)
	}
}
