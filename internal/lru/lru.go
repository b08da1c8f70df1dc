// Package lru provides a small generic least-recently-used map.
//
// Cache is not safe for concurrent use; owners guard it with their own
// mutex, typically the one that also guards the resources the values name.
package lru

// node is an entry in the recency list. The head is the most recently used,
// the tail the least.
type node[K comparable, V any] struct {
	key   K
	value V
	prev  *node[K, V]
	next  *node[K, V]
}

// Cache maps keys to values and evicts the least recently used entry once
// it holds more than its limit.
type Cache[K comparable, V any] struct {
	entries map[K]*node[K, V]
	head    *node[K, V]
	tail    *node[K, V]
	limit   int
	onEvict func(K, V)

	evictions uint64
}

// New creates a cache holding at most limit entries. A limit of 0 means
// unlimited. onEvict, if non-nil, is called for every entry pushed out by
// the limit; it is not called for Delete or for replaced values.
func New[K comparable, V any](limit int, onEvict func(K, V)) *Cache[K, V] {
	if limit < 0 {
		limit = 0
	}
	return &Cache[K, V]{
		entries: make(map[K]*node[K, V]),
		limit:   limit,
		onEvict: onEvict,
	}
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	n, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(n)
	return n.value, true
}

// Peek returns the value for key without touching its recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	n, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return n.value, true
}

// Set stores value under key as the most recently used entry. If key was
// present its previous value is returned with replaced set.
func (c *Cache[K, V]) Set(key K, value V) (old V, replaced bool) {
	if n, ok := c.entries[key]; ok {
		old = n.value
		n.value = value
		c.moveToFront(n)
		return old, true
	}

	n := &node[K, V]{key: key, value: value}
	c.entries[key] = n
	c.pushFront(n)

	for c.limit > 0 && len(c.entries) > c.limit {
		c.evictOldest()
	}
	return old, false
}

// Delete removes key and returns its value.
func (c *Cache[K, V]) Delete(key K) (V, bool) {
	n, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.unlink(n)
	delete(c.entries, key)
	return n.value, true
}

// Keys returns the keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	keys := make([]K, 0, len(c.entries))
	for n := c.head; n != nil; n = n.next {
		keys = append(keys, n.key)
	}
	return keys
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int { return len(c.entries) }

// Limit returns the entry limit, 0 for unlimited.
func (c *Cache[K, V]) Limit() int { return c.limit }

// Evictions returns how many entries the limit has pushed out.
func (c *Cache[K, V]) Evictions() uint64 { return c.evictions }

// Clear removes every entry, calling fn for each one from least to most
// recently used when fn is non-nil.
func (c *Cache[K, V]) Clear(fn func(K, V)) {
	for n := c.tail; n != nil; n = n.prev {
		if fn != nil {
			fn(n.key, n.value)
		}
	}
	c.entries = make(map[K]*node[K, V])
	c.head, c.tail = nil, nil
}

// evictOldest removes the tail entry.
func (c *Cache[K, V]) evictOldest() {
	n := c.tail
	if n == nil {
		return
	}
	c.unlink(n)
	delete(c.entries, n.key)
	c.evictions++
	if c.onEvict != nil {
		c.onEvict(n.key, n.value)
	}
}

func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	if n == c.head {
		return
	}
	c.unlink(n)
	c.pushFront(n)
}

// unlink removes n from the list and clears its pointers.
func (c *Cache[K, V]) unlink(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}
