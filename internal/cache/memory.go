package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	v   float64
	exp time.Time
}

// TTLCache is an in-process Cache guarded by a RWMutex.
type TTLCache struct {
	mu         sync.RWMutex
	m          map[string]entry
	defaultTTL time.Duration
	now        func() time.Time
}

// Option configures a TTLCache.
type Option func(*TTLCache)

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *TTLCache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *TTLCache) {
		if now != nil {
			c.now = now
		}
	}
}

func NewTTLCache(opts ...Option) *TTLCache {
	c := &TTLCache{
		m:          make(map[string]entry),
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores value under key, replacing any previous entry.
func (c *TTLCache) Put(_ context.Context, key string, value float64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.m[key] = entry{v: value, exp: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Get returns the value while now <= expiresAt. An expired entry is removed
// on the way out.
func (c *TTLCache) Get(_ context.Context, key string) (float64, bool, error) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return 0, false, nil
	}
	if !c.now().After(e.exp) {
		return e.v, true, nil
	}

	c.mu.Lock()
	// a concurrent Put may have replaced the entry since the read lock
	if cur, ok := c.m[key]; ok && c.now().After(cur.exp) {
		delete(c.m, key)
	}
	c.mu.Unlock()
	return 0, false, nil
}

func (c *TTLCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
	return nil
}

// Sweep removes every entry whose expiry is strictly in the past and reports
// how many were removed.
func (c *TTLCache) Sweep(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.m {
		if e.exp.Before(now) {
			delete(c.m, key)
			removed++
		}
	}
	return removed, nil
}

// Stats reports every entry without removing expired ones.
func (c *TTLCache) Stats(_ context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	stats := Stats{Entries: make([]Entry, 0, len(c.m))}
	for key, e := range c.m {
		stats.add(Entry{Key: key, Value: e.v, ExpiresAt: e.exp, Expired: now.After(e.exp)})
	}
	sort.Slice(stats.Entries, func(i, j int) bool { return stats.Entries[i].Key < stats.Entries[j].Key })
	return stats, nil
}

// Len reports the number of stored entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

var _ Cache = (*TTLCache)(nil)
