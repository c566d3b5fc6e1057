// Package dedup remembers recently seen keys so that at-least-once ingress
// does not process the same fragment twice.
package dedup

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a bounded set of keys with a fixed time-to-live. Oldest keys are
// evicted first once the cache is full.
type Cache struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

type entry struct {
	key    string
	seenAt time.Time
}

// New creates a cache. ttl and max must be positive.
func New(ttl time.Duration, max int) *Cache {
	return &Cache{
		ttl:   ttl,
		max:   max,
		now:   time.Now,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// IsDuplicate records key and reports whether it was already present and
// unexpired.
func (c *Cache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)
	if _, ok := c.items[key]; ok {
		return true
	}
	c.items[key] = c.order.PushBack(entry{key: key, seenAt: now})
	for c.order.Len() > c.max {
		c.removeLocked(c.order.Front())
	}
	return false
}

// Mark records key without asking.
func (c *Cache) Mark(key string) {
	c.IsDuplicate(key)
}

// Seen reports whether key is present and unexpired without recording it.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	_, ok := c.items[key]
	return ok
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return c.order.Len()
}

// Entries are appended in time order, so expired ones are always at the front.
func (c *Cache) pruneLocked(now time.Time) {
	for e := c.order.Front(); e != nil; e = c.order.Front() {
		if now.Sub(e.Value.(entry).seenAt) < c.ttl {
			return
		}
		c.removeLocked(e)
	}
}

func (c *Cache) removeLocked(e *list.Element) {
	delete(c.items, e.Value.(entry).key)
	c.order.Remove(e)
}
