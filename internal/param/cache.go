package param

import (
	"strings"
	"sync"

	"github.com/couchcryptid/point-verif/internal/domain"
)

// ParameterSource resolves parameter names.
type ParameterSource interface {
	Resolve(name string) (domain.Parameter, error)
}

// CachedResolver wraps a ParameterSource with an in-memory LRU cache.
type CachedResolver struct {
	inner ParameterSource
	cache *lruCache
}

// NewCachedResolver creates a cache decorator around a resolver.
func NewCachedResolver(inner ParameterSource, maxEntries int) *CachedResolver {
	return &CachedResolver{
		inner: inner,
		cache: newLRUCache(max(maxEntries, 1)),
	}
}

func (c *CachedResolver) Resolve(name string) (domain.Parameter, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if p, ok := c.cache.get(key); ok {
		return p, nil
	}
	p, err := c.inner.Resolve(name)
	if err != nil {
		// Errors are not cached.
		return p, err
	}
	c.cache.put(key, p)
	return p, nil
}

// lruCache is a simple thread-safe LRU cache for resolved parameters.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   string
	value domain.Parameter
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string) (domain.Parameter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return domain.Parameter{}, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key string, value domain.Parameter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
