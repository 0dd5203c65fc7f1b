package playback

import (
	"sync"
)

// bufferCache holds processed audio buffers, bounded to a fixed number of
// entries. When full, the oldest-processed entry is evicted.
type bufferCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	order   []string
	cap     int
}

func newBufferCache(capacity int) *bufferCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &bufferCache{
		entries: make(map[string][]byte, capacity),
		cap:     capacity,
	}
}

func (c *bufferCache) get(id string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.entries[id]
	return buf, ok
}

func (c *bufferCache) put(id string, buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		c.entries[id] = buf
		return
	}
	if len(c.order) == c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[id] = buf
	c.order = append(c.order, id)
}

func (c *bufferCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *bufferCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
