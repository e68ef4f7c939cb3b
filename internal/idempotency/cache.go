// Package idempotency provides the client-scoped response cache that makes
// order placement retry-safe.
//
// Entries are keyed by (client id, idempotency key) and hold the exact
// status code and payload that were returned the first time. A replay with
// the same key short-circuits the pipeline before any side effect and
// returns the cached bytes verbatim.
//
// Entries expire after a TTL and are purged lazily on access. Capacity is
// bounded twice: per client and globally, both enforced by evicting the
// oldest entry first, with created-at ties broken by the entry's insertion
// sequence so eviction is deterministic.
package idempotency

import (
	"sync"
	"time"
)

// Config bounds the cache.
type Config struct {
	TTL          time.Duration `mapstructure:"ttl"`
	MaxTotal     int           `mapstructure:"max_total"`
	MaxPerClient int           `mapstructure:"max_per_client"`
}

type key struct {
	clientID string
	idemKey  string
}

type entry struct {
	seq       uint64 // insertion sequence, deterministic eviction tie-break
	status    int
	payload   []byte
	createdAt time.Time
	expiresAt time.Time
}

// Cache is the idempotency store. A single mutex serializes reads and
// writes, so lookups and stores are linearizable.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[key]*entry
	seq     uint64
	now     func() time.Time
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	return &Cache{
		cfg:     cfg,
		entries: make(map[key]*entry),
		now:     time.Now,
	}
}

// TryGet returns the cached response for (clientID, idemKey) if present and
// not expired. Expired entries are removed on the way out.
func (c *Cache) TryGet(clientID, idemKey string) (status int, payload []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{clientID: clientID, idemKey: idemKey}
	e, found := c.entries[k]
	if !found {
		return 0, nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, k)
		return 0, nil, false
	}
	return e.status, e.payload, true
}

// Store caches a response and then enforces the capacity caps: first the
// global cap, then the per-client cap, evicting oldest-first.
func (c *Cache) Store(clientID, idemKey string, status int, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.seq++
	c.entries[key{clientID: clientID, idemKey: idemKey}] = &entry{
		seq:       c.seq,
		status:    status,
		payload:   payload,
		createdAt: now,
		expiresAt: now.Add(c.cfg.TTL),
	}

	if c.cfg.MaxTotal > 0 {
		for len(c.entries) > c.cfg.MaxTotal {
			c.evictOldest("")
		}
	}
	if c.cfg.MaxPerClient > 0 {
		for c.clientCount(clientID) > c.cfg.MaxPerClient {
			c.evictOldest(clientID)
		}
	}
}

// Len returns the total number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// clientCount counts entries for one client. Caller holds c.mu.
func (c *Cache) clientCount(clientID string) int {
	n := 0
	for k := range c.entries {
		if k.clientID == clientID {
			n++
		}
	}
	return n
}

// evictOldest removes the oldest entry, optionally restricted to one
// client. Oldest means smallest createdAt, then smallest sequence.
// Caller holds c.mu.
func (c *Cache) evictOldest(clientID string) {
	var victim key
	var victimEntry *entry
	for k, e := range c.entries {
		if clientID != "" && k.clientID != clientID {
			continue
		}
		if victimEntry == nil || older(e, victimEntry) {
			victim, victimEntry = k, e
		}
	}
	if victimEntry != nil {
		delete(c.entries, victim)
	}
}

func older(a, b *entry) bool {
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.seq < b.seq
}
