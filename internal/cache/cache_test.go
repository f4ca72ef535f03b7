package cache

import (
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
)

func headers(ua, accept string) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", ua)
	h.Set("Accept", accept)
	return h
}

func TestCache_SetGet(t *testing.T) {
	c, err := New(t.TempDir(), time.Minute, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := headers("agent/1", "text/html")
	if _, ok, _ := c.Get("http://a.test/", h); ok {
		t.Fatal("expected miss before any Set")
	}

	if err := c.Set("http://a.test/", h, 200, http.Header{"Content-Type": {"text/plain"}}, []byte("hi"), "text/plain"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entry, ok, err := c.Get("http://a.test/", h)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if entry.Content != "hi" || entry.StatusCode != 200 {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Stores != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCache_DifferentHeadersDifferentKey(t *testing.T) {
	c, err := New(t.TempDir(), time.Minute, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h1 := headers("agent/1", "text/html")
	h2 := headers("agent/2", "text/html")

	if err := c.Set("http://a.test/", h1, 200, nil, []byte("one"), "text/plain"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := c.Get("http://a.test/", h2); ok {
		t.Fatal("expected miss for different User-Agent")
	}
}

func TestCache_Expiry(t *testing.T) {
	c, err := New(t.TempDir(), 10*time.Millisecond, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := headers("agent/1", "*/*")
	if err := c.Set("http://a.test/", h, 200, nil, []byte("hi"), "text/plain"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok, err := c.Get("http://a.test/", h); ok || err != nil {
		t.Fatalf("expected expired miss, got ok=%v err=%v", ok, err)
	}

	stats := c.Stats()
	if stats.Expired != 1 {
		t.Fatalf("expected one expiry, got %+v", stats)
	}
}

func TestCache_DisabledWhenMaxAgeZero(t *testing.T) {
	c, err := New(t.TempDir(), 0, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := headers("agent/1", "*/*")
	if err := c.Set("http://a.test/", h, 200, nil, []byte("hi"), "text/plain"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := c.Get("http://a.test/", h); ok {
		t.Fatal("expected disabled cache to always miss")
	}
}

func TestCache_ByteBudgetEviction(t *testing.T) {
	c, err := New(t.TempDir(), time.Hour, 200, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body := make([]byte, 100)
	for i := 0; i < 5; i++ {
		h := headers("agent", string(rune('a'+i)))
		if err := c.Set("http://a.test/"+string(rune('a'+i)), h, 200, nil, body, "application/octet-stream"); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
	}

	stats := c.Stats()
	if stats.Evictions == 0 {
		t.Fatal("expected evictions once byte budget exceeded")
	}
	if stats.Bytes > 200 {
		t.Fatalf("cache bytes %d exceed budget 200", stats.Bytes)
	}
}
