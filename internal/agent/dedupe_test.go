package agent

import (
	"testing"
	"time"
)

func TestDedupePutGet(t *testing.T) {
	c := NewDedupeCache(10, time.Minute)
	c.Put("chat:k-1", "payload")

	v, ok := c.Get("chat:k-1")
	if !ok || v.(string) != "payload" {
		t.Fatalf("get = (%v, %v)", v, ok)
	}
	if _, ok := c.Get("chat:absent"); ok {
		t.Fatalf("absent key should miss")
	}
}

func TestDedupeTTLExpiry(t *testing.T) {
	c := NewDedupeCache(10, 20*time.Millisecond)
	c.Put("k", 1)
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expired entry still served")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted on read")
	}
}

func TestDedupeLRUEviction(t *testing.T) {
	c := NewDedupeCache(3, time.Minute)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Touch "a" so "b" becomes the eviction candidate.
	c.Get("a")
	c.Put("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Fatalf("LRU entry should have been evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("entry %q unexpectedly evicted", k)
		}
	}
}

func TestDedupeDelete(t *testing.T) {
	c := NewDedupeCache(10, time.Minute)
	c.Put("k", 1)
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Fatalf("deleted entry still present")
	}
}
