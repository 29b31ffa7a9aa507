package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestGetSet(t *testing.T) {
	m := New[string, int](10)

	m.Set("a", 1)

	v, ok := m.Get("a")
	if !ok {
		t.Fatal("expected a to exist")
	}
	if v != 1 {
		t.Errorf("expected 1, got %d", v)
	}

	if _, ok := m.Get("missing"); ok {
		t.Error("expected missing key to not exist")
	}
}

func TestSetOverwrite(t *testing.T) {
	m := New[string, int](10)
	m.Set("a", 1)
	m.Set("a", 2)

	if v, _ := m.Get("a"); v != 2 {
		t.Errorf("expected overwrite to win, got %d", v)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", m.Len())
	}
}

func TestEvictionOrder(t *testing.T) {
	m := New[int, int](3)
	m.Set(1, 1)
	m.Set(2, 2)
	m.Set(3, 3)

	// Touch 1 so 2 becomes the oldest.
	m.Get(1)
	m.Set(4, 4)

	if _, ok := m.Get(2); ok {
		t.Error("expected 2 (least recently used) to be evicted")
	}
	for _, k := range []int{1, 3, 4} {
		if _, ok := m.Get(k); !ok {
			t.Errorf("expected %d to survive eviction", k)
		}
	}
}

func TestDelete(t *testing.T) {
	m := New[string, int](10)
	m.Set("a", 1)

	if !m.Delete("a") {
		t.Error("expected Delete to return true for existing key")
	}
	if m.Delete("a") {
		t.Error("expected Delete to return false for removed key")
	}
	if m.Len() != 0 {
		t.Errorf("expected empty memo, got %d entries", m.Len())
	}
}

func TestClear(t *testing.T) {
	m := New[int, int](10)
	for i := range 5 {
		m.Set(i, i)
	}
	m.Clear()
	if m.Len() != 0 {
		t.Errorf("expected 0 entries after clear, got %d", m.Len())
	}
	// Memo must remain usable after Clear.
	m.Set(1, 1)
	if _, ok := m.Get(1); !ok {
		t.Error("expected memo to accept entries after Clear")
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New[string, int](64)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := fmt.Sprintf("k%d", i%32)
				m.Set(key, g*1000+i)
				m.Get(key)
			}
		}()
	}
	wg.Wait()
	if m.Len() > 64 {
		t.Errorf("capacity exceeded: %d entries", m.Len())
	}
}
