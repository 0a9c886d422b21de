package ingestion

import "container/list"

// SeenCache is an LRU over recently handled feed update IDs. It fronts
// the Postgres deduper so redeliveries of a just-handled update skip
// the DB round trip.
// Not thread-safe; only the pipeline goroutine touches it.
type SeenCache struct {
	capacity  int
	cache     map[string]*list.Element
	order     *list.List
	evictions int64
}

func NewSeenCache(capacity int) *SeenCache {
	return &SeenCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains reports whether the ID is cached, promoting it on a hit.
func (c *SeenCache) Contains(updateID string) bool {
	elem, ok := c.cache[updateID]
	if ok {
		c.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts an ID, evicting the oldest entry over capacity.
func (c *SeenCache) Add(updateID string) {
	if elem, ok := c.cache[updateID]; ok {
		c.order.MoveToFront(elem)
		return
	}

	c.cache[updateID] = c.order.PushFront(updateID)
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.cache, oldest.Value.(string))
		c.evictions++
	}
}

func (c *SeenCache) Len() int { return c.order.Len() }

func (c *SeenCache) Evictions() int64 { return c.evictions }
