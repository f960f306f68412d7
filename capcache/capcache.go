// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package capcache implements a bounded, time-boxed LRU cache mapping an
// (actor, channel) pair to a capability identifier.
//
// The cache only saves a ledger lookup round trip; it is not a security
// boundary.  A cached capability id is still validated by the decryption
// oracle on every use, so a stale entry can cost a failed unwrap but never
// grants access.  Callers must invalidate on membership changes so a
// revoked capability id is not served long enough to matter.
package capcache

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultMaxEntries bounds the cache when no explicit limit is
	// configured.
	DefaultMaxEntries = 128

	// DefaultTTL is the default entry lifetime.
	DefaultTTL = 15 * time.Minute
)

// Key is the composite cache key.  The ledger maintains at most one
// non-revoked capability per (actor, channel) pair, which is what makes
// this a map rather than a multimap.
type Key struct {
	ActorID   string
	ChannelID string
}

type cacheEntry struct {
	key          Key
	capabilityID string
	insertedAt   time.Time
}

// Cache is a mutex-guarded LRU with lazy TTL expiry.  Entries past their
// TTL are treated as absent and removed on the read that finds them; there
// is no background sweep.
type Cache struct {
	sync.Mutex

	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	entries map[Key]*list.Element
	lru     list.List
}

// New constructs a Cache.  Non-positive maxEntries or ttl select the
// defaults.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
		entries:    make(map[Key]*list.Element),
	}
}

// Get returns the cached capability id for (actorID, channelID).  A hit
// marks the entry most recently used.
func (c *Cache) Get(actorID, channelID string) (string, bool) {
	c.Lock()
	defer c.Unlock()

	e, ok := c.entries[Key{ActorID: actorID, ChannelID: channelID}]
	if !ok {
		return "", false
	}

	ent := e.Value.(*cacheEntry)
	if c.now().Sub(ent.insertedAt) > c.ttl {
		c.removeElement(e)
		return "", false
	}

	c.lru.MoveToFront(e)
	return ent.capabilityID, true
}

// Put inserts or replaces the capability id for (actorID, channelID),
// marking it most recently used.  If the insertion would exceed the bound,
// the least-recently-used entry is evicted.
func (c *Cache) Put(actorID, channelID, capabilityID string) {
	c.Lock()
	defer c.Unlock()

	k := Key{ActorID: actorID, ChannelID: channelID}
	if e, ok := c.entries[k]; ok {
		ent := e.Value.(*cacheEntry)
		ent.capabilityID = capabilityID
		ent.insertedAt = c.now()
		c.lru.MoveToFront(e)
		return
	}

	c.entries[k] = c.lru.PushFront(&cacheEntry{
		key:          k,
		capabilityID: capabilityID,
		insertedAt:   c.now(),
	})

	for len(c.entries) > c.maxEntries {
		c.removeElement(c.lru.Back())
	}
}

// InvalidateActor removes every entry belonging to actorID.  Called when an
// actor's capabilities are revoked or rotated.
func (c *Cache) InvalidateActor(actorID string) {
	c.Lock()
	defer c.Unlock()
	c.invalidate(func(k Key) bool { return k.ActorID == actorID })
}

// InvalidateChannel removes every entry belonging to channelID.  Called on
// channel membership changes.
func (c *Cache) InvalidateChannel(channelID string) {
	c.Lock()
	defer c.Unlock()
	c.invalidate(func(k Key) bool { return k.ChannelID == channelID })
}

// Len returns the number of entries currently cached, including any that
// have expired but not yet been read.
func (c *Cache) Len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.entries)
}

func (c *Cache) invalidate(match func(Key) bool) {
	var next *list.Element
	for e := c.lru.Front(); e != nil; e = next {
		next = e.Next()
		if match(e.Value.(*cacheEntry).key) {
			c.removeElement(e)
		}
	}
}

// removeElement must be called with the lock held.
func (c *Cache) removeElement(e *list.Element) {
	c.lru.Remove(e)
	delete(c.entries, e.Value.(*cacheEntry).key)
}
