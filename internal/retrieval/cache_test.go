package retrieval

import (
	"testing"
	"time"
)

func TestEmbedCache_Expiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewEmbedCache(time.Minute, 10)
	c.now = func() time.Time { return now }

	c.Put("m", "hello", []float32{1, 2})
	if v, ok := c.Get("m", "hello"); !ok || len(v) != 2 {
		t.Fatalf("Get = %v, %v; want hit", v, ok)
	}
	if _, ok := c.Get("other-model", "hello"); ok {
		t.Error("cache hit across models")
	}

	now = now.Add(time.Minute)
	if _, ok := c.Get("m", "hello"); ok {
		t.Error("expected entry to expire after ttl")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0 after expired read", c.Len())
	}
}

func TestEmbedCache_EvictsOldest(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewEmbedCache(time.Hour, 2)
	c.now = func() time.Time { return now }

	c.Put("m", "a", []float32{1})
	now = now.Add(time.Second)
	c.Put("m", "b", []float32{2})
	now = now.Add(time.Second)
	c.Put("m", "c", []float32{3})

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("m", "a"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Get("m", "c"); !ok {
		t.Error("newest entry missing")
	}
}
