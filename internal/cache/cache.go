// Package cache stores computed pairwise conversion rates with expiry.
//
// Two backends share the Cache contract: TTLCache keeps entries in process,
// RedisCache keeps them in an external key-value store. Warmup and the sweep
// task work against either.
package cache

import (
	"context"
	"time"
)

const (
	// DefaultTTL applies when Put is called with a non-positive ttl.
	DefaultTTL = time.Hour
	// DefaultSweepInterval is the period of the background sweep.
	DefaultSweepInterval = 10 * time.Minute
)

// Cache is the conversion-rate cache contract. A miss is (0, false, nil);
// err is reserved for backend failures.
type Cache interface {
	Put(ctx context.Context, key string, value float64, ttl time.Duration) error
	Get(ctx context.Context, key string) (float64, bool, error)
	Invalidate(ctx context.Context, key string) error
	Sweep(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// Entry describes one cached rate as reported by Stats.
type Entry struct {
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
	Expired   bool      `json:"expired"`
}

// Stats is a point-in-time view of the cache. Entries that have expired but
// not yet been removed are counted as Expired.
type Stats struct {
	Total   int     `json:"total"`
	Active  int     `json:"active"`
	Expired int     `json:"expired"`
	Entries []Entry `json:"entries"`
}

func (s *Stats) add(e Entry) {
	s.Total++
	if e.Expired {
		s.Expired++
	} else {
		s.Active++
	}
	s.Entries = append(s.Entries, e)
}
