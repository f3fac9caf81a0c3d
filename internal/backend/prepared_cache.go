package backend

import (
	"container/list"
	"sync"
)

// preparedCache tracks which canonical prepared-statement names have been
// Parse'd on this specific backend connection, bounded by limit with LRU
// eviction that issues Close lazily (the caller drives the actual Close
// message; this cache only decides what to evict and reports it).
type preparedCache struct {
	mu    sync.Mutex
	limit int
	order *list.List // of string, most-recently-used at back
	index map[string]*list.Element
}

func newPreparedCache(limit int) *preparedCache {
	if limit <= 0 {
		limit = 256
	}
	return &preparedCache{
		limit: limit,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Has reports whether canonicalName has already been Parse'd here.
func (c *preparedCache) Has(canonicalName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[canonicalName]
	if ok {
		c.order.MoveToBack(el)
	}
	return ok
}

// Add records that canonicalName has now been Parse'd on this connection.
// If the cache is over limit, it returns the name that should be lazily
// Close'd on the server (the least-recently-used entry), or "" if none.
func (c *preparedCache) Add(canonicalName string) (evicted string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[canonicalName]; ok {
		c.order.MoveToBack(el)
		return ""
	}
	el := c.order.PushBack(canonicalName)
	c.index[canonicalName] = el
	if c.order.Len() <= c.limit {
		return ""
	}
	front := c.order.Front()
	name := front.Value.(string)
	c.order.Remove(front)
	delete(c.index, name)
	return name
}

// Remove drops canonicalName from the cache, e.g. after an explicit
// Deallocate/Close has been sent for it.
func (c *preparedCache) Remove(canonicalName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[canonicalName]; ok {
		c.order.Remove(el)
		delete(c.index, canonicalName)
	}
}
