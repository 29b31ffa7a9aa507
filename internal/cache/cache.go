// Package cache provides a small bounded LRU map used by the disk cache
// to memoize per-hash lookups within a process. A long watch-mode
// session touches the same content hashes thousands of times; the memo
// turns repeated stat calls into map reads while the capacity bound
// keeps memory flat.
package cache

import "sync"

// node is an entry in the intrusive LRU list. head is most recently
// used, tail is the eviction candidate.
type node[K comparable, V any] struct {
	key        K
	value      V
	prev, next *node[K, V]
}

// Memo is a thread-safe LRU map with a fixed capacity.
type Memo[K comparable, V any] struct {
	mu       sync.Mutex
	entries  map[K]*node[K, V]
	head     *node[K, V]
	tail     *node[K, V]
	capacity int
}

// New creates a Memo holding at most capacity entries.
// A capacity <= 0 defaults to 1024.
func New[K comparable, V any](capacity int) *Memo[K, V] {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memo[K, V]{
		entries:  make(map[K]*node[K, V]),
		capacity: capacity,
	}
}

// Get returns the value for key and marks it most recently used.
func (m *Memo[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	m.moveToFront(n)
	return n.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (m *Memo[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.entries[key]; ok {
		n.value = value
		m.moveToFront(n)
		return
	}

	for len(m.entries) >= m.capacity {
		m.evictOldest()
	}

	n := &node[K, V]{key: key, value: value}
	m.pushFront(n)
	m.entries[key] = n
}

// Delete removes an entry. Returns true if it was present.
func (m *Memo[K, V]) Delete(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.entries[key]
	if !ok {
		return false
	}
	m.unlink(n)
	delete(m.entries, key)
	return true
}

// Len returns the number of entries.
func (m *Memo[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Clear removes all entries.
func (m *Memo[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[K]*node[K, V])
	m.head = nil
	m.tail = nil
}

func (m *Memo[K, V]) pushFront(n *node[K, V]) {
	n.prev = nil
	n.next = m.head
	if m.head != nil {
		m.head.prev = n
	}
	m.head = n
	if m.tail == nil {
		m.tail = n
	}
}

func (m *Memo[K, V]) unlink(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		m.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		m.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}

func (m *Memo[K, V]) moveToFront(n *node[K, V]) {
	if n == m.head {
		return
	}
	m.unlink(n)
	m.pushFront(n)
}

func (m *Memo[K, V]) evictOldest() {
	if m.tail == nil {
		return
	}
	oldest := m.tail
	m.unlink(oldest)
	delete(m.entries, oldest.key)
}
