package cache

import (
	"net/http"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func TestLRUCacheExpiry(t *testing.T) {
	clock := newClock()
	c := NewLRUCache[string](3, time.Minute).WithClock(clock.Now)

	c.Set("a", "1")
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Fatalf("Get(a) = %q, %v", v, ok)
	}

	clock.Advance(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Error("entry should have expired")
	}
	if c.Size() != 0 {
		t.Errorf("expired entry should be removed on read, size %d", c.Size())
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache[string](3, time.Hour)
	c.Set("key1", "value1")
	c.Set("key2", "value2")
	c.Set("key3", "value3")
	c.Get("key1")
	c.Set("key4", "value4")

	if _, ok := c.Get("key2"); ok {
		t.Error("key2 was least recently used and should be evicted")
	}
	for _, k := range []string{"key1", "key3", "key4"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s should still be cached", k)
		}
	}
}

func TestLRUCacheSetIfAbsent(t *testing.T) {
	clock := newClock()
	c := NewLRUCache[int](10, time.Minute).WithClock(clock.Now)

	if v, stored := c.SetIfAbsent("k", 1); !stored || v != 1 {
		t.Fatalf("first SetIfAbsent = %d, %v", v, stored)
	}
	if v, stored := c.SetIfAbsent("k", 2); stored || v != 1 {
		t.Fatalf("second SetIfAbsent = %d, %v; want 1, false", v, stored)
	}

	clock.Advance(time.Hour)
	if v, stored := c.SetIfAbsent("k", 3); !stored || v != 3 {
		t.Fatalf("SetIfAbsent over expired entry = %d, %v", v, stored)
	}
}

func TestCleanExpired(t *testing.T) {
	clock := newClock()
	c := NewLRUCache[int](10, time.Minute).WithClock(clock.Now)
	c.Set("old1", 1)
	c.Set("old2", 2)
	clock.Advance(2 * time.Minute)
	c.Set("fresh", 3)

	m := NewManager(nil)
	m.Register("test", c)
	if n := m.CleanAll(); n != 2 {
		t.Errorf("CleanAll() = %d, want 2", n)
	}
	if c.Size() != 1 {
		t.Errorf("Size() = %d, want 1", c.Size())
	}
}

func TestManagerStop(t *testing.T) {
	m := NewManager(nil)
	m.Stop()
	m.Stop()

	m = NewManager(nil)
	m.Register("test", NewLRUCache[int](1, time.Millisecond))
	m.StartCleanup(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	m.Stop()
}

func TestIdempotencyStore(t *testing.T) {
	clock := newClock()
	s := NewIdempotencyStore(100, time.Hour).WithClock(clock.Now)
	key := Key("user-1", http.MethodPost, "/obligations", "abc")
	fp := Fingerprint([]byte(`{"debtor_name":"Anna"}`))

	if _, state := s.Claim(key, fp); state != IdempotencyNew {
		t.Fatalf("first claim = %v, want new", state)
	}
	if _, state := s.Claim(key, fp); state != IdempotencyInFlight {
		t.Fatalf("concurrent claim = %v, want in flight", state)
	}

	s.Complete(key, fp, Response{Status: http.StatusCreated, ContentType: "application/json", Body: []byte(`{"id":"o1"}`)})

	resp, state := s.Claim(key, fp)
	if state != IdempotencyReplay || resp == nil || resp.Status != http.StatusCreated || string(resp.Body) != `{"id":"o1"}` {
		t.Fatalf("replay = %+v, %v", resp, state)
	}

	if _, state := s.Claim(key, Fingerprint([]byte(`{}`))); state != IdempotencyMismatch {
		t.Errorf("different payload = %v, want mismatch", state)
	}

	other := Key("user-2", http.MethodPost, "/obligations", "abc")
	if _, state := s.Claim(other, fp); state != IdempotencyNew {
		t.Errorf("keys are scoped per owner, got %v", state)
	}

	clock.Advance(2 * time.Hour)
	if _, state := s.Claim(key, fp); state != IdempotencyNew {
		t.Errorf("expired key = %v, want new", state)
	}
}

func TestIdempotencyServerErrorReleasesKey(t *testing.T) {
	s := NewIdempotencyStore(10, time.Hour)
	key := Key("user-1", http.MethodPost, "/ledgers", "k")
	fp := Fingerprint(nil)

	s.Claim(key, fp)
	s.Complete(key, fp, Response{Status: http.StatusServiceUnavailable})

	if _, state := s.Claim(key, fp); state != IdempotencyNew {
		t.Errorf("claim after 5xx = %v, want new", state)
	}
}
