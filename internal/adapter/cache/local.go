// Package cache provides the two-tier cache used by the extractor, embedder,
// and matcher: a process-local TTL cache in front of a shared Redis tier.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// Local is an in-process TTL LRU cache. It is safe for concurrent use.
type Local struct {
	capacity int
	mu       sync.Mutex
	m        map[string]*list.Element
	lru      *list.List
	now      func() time.Time
}

type localEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLocal builds a local cache holding at most capacity entries.
func NewLocal(capacity int) *Local {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Local{
		capacity: capacity,
		m:        make(map[string]*list.Element, capacity),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Get returns the cached value if present and unexpired.
func (c *Local) Get(_ domain.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[key]
	if !ok {
		return nil, false, nil
	}
	ent := el.Value.(*localEntry)
	if c.now().After(ent.expiresAt) {
		c.lru.Remove(el)
		delete(c.m, key)
		return nil, false, nil
	}
	c.lru.MoveToFront(el)
	return ent.value, true, nil
}

// Set stores value under key for ttl, evicting the least recently used entry
// when full.
func (c *Local) Set(_ domain.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp := c.now().Add(ttl)
	if el, ok := c.m[key]; ok {
		ent := el.Value.(*localEntry)
		ent.value = value
		ent.expiresAt = exp
		c.lru.MoveToFront(el)
		return nil
	}
	if c.lru.Len() >= c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.m, oldest.Value.(*localEntry).key)
		}
	}
	c.m[key] = c.lru.PushFront(&localEntry{key: key, value: value, expiresAt: exp})
	return nil
}

// Del removes key if present.
func (c *Local) Del(_ domain.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		c.lru.Remove(el)
		delete(c.m, key)
	}
	return nil
}
