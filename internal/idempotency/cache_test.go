package idempotency

import (
	"fmt"
	"testing"
	"time"
)

func newTestCache(cfg Config, at time.Time) (*Cache, *time.Time) {
	c := New(cfg)
	current := at
	c.now = func() time.Time { return current }
	return c, &current
}

func TestStoreAndTryGet(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(Config{TTL: time.Minute}, time.Now())

	c.Store("c1", "k1", 200, []byte(`{"orderId":"x"}`))

	status, payload, ok := c.TryGet("c1", "k1")
	if !ok || status != 200 || string(payload) != `{"orderId":"x"}` {
		t.Errorf("TryGet = %d %q %v, want cached response", status, payload, ok)
	}
}

func TestMissOnOtherClient(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(Config{TTL: time.Minute}, time.Now())

	c.Store("c1", "k1", 200, []byte("r"))
	if _, _, ok := c.TryGet("c2", "k1"); ok {
		t.Error("key leaked across clients")
	}
}

func TestTTLExpiryPurgedLazily(t *testing.T) {
	t.Parallel()
	c, current := newTestCache(Config{TTL: time.Minute}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	c.Store("c1", "k1", 400, []byte("err"))

	*current = current.Add(59 * time.Second)
	if _, _, ok := c.TryGet("c1", "k1"); !ok {
		t.Fatal("entry expired early")
	}

	*current = current.Add(2 * time.Second)
	if _, _, ok := c.TryGet("c1", "k1"); ok {
		t.Fatal("expired entry returned")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0 after lazy purge", c.Len())
	}
}

func TestGlobalCapEvictsOldest(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c, current := newTestCache(Config{TTL: time.Hour, MaxTotal: 3}, base)

	for i := 0; i < 4; i++ {
		*current = base.Add(time.Duration(i) * time.Second)
		c.Store("c1", fmt.Sprintf("k%d", i), 200, nil)
	}

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, _, ok := c.TryGet("c1", "k0"); ok {
		t.Error("oldest entry survived global eviction")
	}
	if _, _, ok := c.TryGet("c1", "k3"); !ok {
		t.Error("newest entry evicted")
	}
}

func TestPerClientCapEvictsThatClientsOldest(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c, current := newTestCache(Config{TTL: time.Hour, MaxTotal: 100, MaxPerClient: 2}, base)

	*current = base
	c.Store("other", "ka", 200, nil)
	for i := 0; i < 3; i++ {
		*current = base.Add(time.Duration(i+1) * time.Second)
		c.Store("c1", fmt.Sprintf("k%d", i), 200, nil)
	}

	if _, _, ok := c.TryGet("c1", "k0"); ok {
		t.Error("client's oldest entry survived per-client eviction")
	}
	// Another client's older entry is untouched by c1's cap.
	if _, _, ok := c.TryGet("other", "ka"); !ok {
		t.Error("other client's entry evicted by c1's cap")
	}
}

func TestEvictionTieBrokenBySequence(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c, _ := newTestCache(Config{TTL: time.Hour, MaxTotal: 2}, base)

	// All entries share createdAt; the first stored must go first.
	c.Store("c1", "first", 200, nil)
	c.Store("c1", "second", 200, nil)
	c.Store("c1", "third", 200, nil)

	if _, _, ok := c.TryGet("c1", "first"); ok {
		t.Error("first-stored entry survived tie-broken eviction")
	}
	for _, k := range []string{"second", "third"} {
		if _, _, ok := c.TryGet("c1", k); !ok {
			t.Errorf("entry %q evicted, want kept", k)
		}
	}
}

func TestStoreOverwritesSameKey(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(Config{TTL: time.Minute, MaxTotal: 10}, time.Now())

	c.Store("c1", "k1", 400, []byte("old"))
	c.Store("c1", "k1", 200, []byte("new"))

	status, payload, ok := c.TryGet("c1", "k1")
	if !ok || status != 200 || string(payload) != "new" {
		t.Errorf("TryGet = %d %q %v, want overwritten entry", status, payload, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}
