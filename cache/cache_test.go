package cache

import (
	"testing"
	"time"
)

func TestCache_TTL(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	c := New(4, time.Minute)
	c.now = func() time.Time { return now }

	k := Key("organic.Summary", `{"domain":"a.example"}`)
	c.Set(k, []byte("body"))
	if got, ok := c.Get(k); !ok || string(got) != "body" {
		t.Fatalf("Get = %q, %v", got, ok)
	}

	now = now.Add(61 * time.Second)
	if _, ok := c.Get(k); ok {
		t.Error("entry should expire after the ttl")
	}
}

func TestCache_Capacity(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	c := New(2, time.Minute)
	c.now = func() time.Time { return now }

	c.Set("a", []byte("1"))
	now = now.Add(2 * time.Minute)
	c.Set("b", []byte("2"))
	c.Set("c", []byte("3"))
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("newest entry must be kept")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expired entry a should have been evicted before live entry b")
	}

	c.Set("c", []byte("3b"))
	if c.Len() != 2 {
		t.Errorf("overwriting a key should not evict, Len = %d", c.Len())
	}
}

func TestCache_Disabled(t *testing.T) {
	var nilCache *Cache
	nilCache.Set("k", []byte("v"))
	if _, ok := nilCache.Get("k"); ok {
		t.Error("nil cache should never hit")
	}

	c := New(2, 0)
	c.Set("k", []byte("v"))
	if _, ok := c.Get("k"); ok {
		t.Error("zero ttl should disable the cache")
	}
}

func TestKey_SeparatesParts(t *testing.T) {
	if Key("ab", "c") == Key("a", "bc") {
		t.Error("keys for different part splits must differ")
	}
}
