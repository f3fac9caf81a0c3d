package backend

import "testing"

func TestPreparedCacheEviction(t *testing.T) {
	c := newPreparedCache(2)
	if ev := c.Add("__pgdog_1"); ev != "" {
		t.Fatalf("unexpected eviction: %q", ev)
	}
	if ev := c.Add("__pgdog_2"); ev != "" {
		t.Fatalf("unexpected eviction: %q", ev)
	}
	ev := c.Add("__pgdog_3")
	if ev != "__pgdog_1" {
		t.Fatalf("expected eviction of __pgdog_1, got %q", ev)
	}
	if c.Has("__pgdog_1") {
		t.Fatal("expected __pgdog_1 to be evicted")
	}
	if !c.Has("__pgdog_2") || !c.Has("__pgdog_3") {
		t.Fatal("expected __pgdog_2 and __pgdog_3 still cached")
	}
}

func TestPreparedCacheReAddIsNoop(t *testing.T) {
	c := newPreparedCache(2)
	c.Add("a")
	c.Add("b")
	if ev := c.Add("a"); ev != "" {
		t.Fatalf("re-adding an existing entry should not evict, got %q", ev)
	}
}
