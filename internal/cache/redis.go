package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig selects the Redis instance backing the cache.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	Prefix     string
	DefaultTTL time.Duration
}

// RedisCache is a Cache stored in Redis. Each value is kept as a small JSON
// document carrying its own expiry so Stats can report it; Redis' native TTL
// removes the key shortly after.
type RedisCache struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
	now        func() time.Time
}

type redisPayload struct {
	V   float64 `json:"v"`
	Exp int64   `json:"exp"`
}

// expiryGrace keeps an expired key visible to Stats until the next sweep.
const expiryGrace = time.Minute

// deleteIfUnchanged removes KEYS[1] only while it still holds ARGV[1], so an
// entry rewritten by a concurrent Put survives lazy expiry and sweeps.
var deleteIfUnchanged = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisCacheWithClient(client, cfg.Prefix, cfg.DefaultTTL), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client redis.UniversalClient, prefix string, defaultTTL time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "ratepipeline"
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &RedisCache{client: client, prefix: prefix, defaultTTL: defaultTTL, now: time.Now}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) wrapKey(key string) string {
	return c.prefix + ":rate:" + key
}

func (c *RedisCache) unwrapKey(key string) string {
	return strings.TrimPrefix(key, c.prefix+":rate:")
}

func (c *RedisCache) Put(ctx context.Context, key string, value float64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(redisPayload{V: value, Exp: c.now().Add(ttl).UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.wrapKey(key), data, ttl+expiryGrace).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (float64, bool, error) {
	p, raw, ok, err := c.load(ctx, c.wrapKey(key))
	if err != nil || !ok {
		return 0, false, err
	}
	if c.now().After(time.UnixMilli(p.Exp)) {
		if _, err := c.deleteStale(ctx, c.wrapKey(key), raw); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}
	return p.V, true, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.wrapKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Sweep(ctx context.Context) (int, error) {
	now := c.now()
	removed := 0
	err := c.scan(ctx, func(key string, p redisPayload, raw []byte) error {
		if !time.UnixMilli(p.Exp).Before(now) {
			return nil
		}
		deleted, err := c.deleteStale(ctx, key, raw)
		if err != nil {
			return err
		}
		if deleted {
			removed++
		}
		return nil
	})
	return removed, err
}

func (c *RedisCache) Stats(ctx context.Context) (Stats, error) {
	now := c.now()
	stats := Stats{Entries: []Entry{}}
	err := c.scan(ctx, func(key string, p redisPayload, _ []byte) error {
		exp := time.UnixMilli(p.Exp)
		stats.add(Entry{Key: c.unwrapKey(key), Value: p.V, ExpiresAt: exp, Expired: now.After(exp)})
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	sort.Slice(stats.Entries, func(i, j int) bool { return stats.Entries[i].Key < stats.Entries[j].Key })
	return stats, nil
}

func (c *RedisCache) scan(ctx context.Context, fn func(key string, p redisPayload, raw []byte) error) error {
	iter := c.client.Scan(ctx, 0, c.wrapKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		p, raw, ok, err := c.load(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(key, p, raw); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

func (c *RedisCache) load(ctx context.Context, key string) (redisPayload, []byte, bool, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return redisPayload{}, nil, false, nil
		}
		return redisPayload{}, nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var p redisPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return redisPayload{}, nil, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return p, b, true, nil
}

// deleteStale deletes key if it still holds raw. It reports whether the key
// was removed.
func (c *RedisCache) deleteStale(ctx context.Context, key string, raw []byte) (bool, error) {
	n, err := deleteIfUnchanged.Run(ctx, c.client, []string{key}, raw).Int()
	if err != nil {
		return false, fmt.Errorf("redis del %s: %w", key, err)
	}
	return n > 0, nil
}

var _ Cache = (*RedisCache)(nil)
