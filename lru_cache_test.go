package statehistory

import (
	"fmt"
	"sync"
	"testing"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache[[]byte](3)

	cache.Put("a", []byte("1"))
	cache.Put("b", []byte("2"))
	cache.Put("c", []byte("3"))

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := cache.Get("a"); !ok {
		t.Error("expected 'a' to exist")
	}
	cache.Put("d", []byte("4"))

	if cache.Len() != 3 {
		t.Errorf("cache exceeded capacity: %d items", cache.Len())
	}
	if _, ok := cache.Get("b"); ok {
		t.Error("expected 'b' to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := cache.Get(k); !ok {
			t.Errorf("expected %q to exist", k)
		}
	}

	cache.Put("a", []byte("updated"))
	if v, _ := cache.Get("a"); string(v) != "updated" {
		t.Errorf("expected 'updated', got '%s'", v)
	}
	if cache.Len() != 3 {
		t.Errorf("replacing should not grow the cache, got %d", cache.Len())
	}

	cache.Delete("c")
	if _, ok := cache.Get("c"); ok {
		t.Error("expected 'c' to be deleted")
	}

	hits, misses := cache.Stats()
	if hits != 5 || misses != 2 {
		t.Errorf("expected 5 hits and 2 misses, got %d and %d", hits, misses)
	}
}

func TestLRUCache_Disabled(t *testing.T) {
	cache := NewLRUCache[int](0)
	cache.Put("a", 1)
	if _, ok := cache.Get("a"); ok {
		t.Error("zero capacity cache should not store anything")
	}
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d", cache.Len())
	}
}

func TestLRUCache_Concurrent(t *testing.T) {
	cache := NewLRUCache[int](16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%40)
				cache.Put(key, i)
				cache.Get(key)
				if i%10 == 0 {
					cache.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()
	if cache.Len() > 16 {
		t.Errorf("cache exceeded capacity: %d items", cache.Len())
	}
}
