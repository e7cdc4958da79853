package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisTTL    = 24 * time.Hour
	defaultRedisPrefix = "clubrotor:metadata:"
)

// RedisCache stores metadata snapshots as JSON strings with a TTL.
type RedisCache struct {
	rdb    goredis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisCache constructs a RedisCache. A non-positive ttl uses 24h.
func NewRedisCache(rdb goredis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisCache{rdb: rdb, prefix: defaultRedisPrefix, ttl: ttl}
}

func (c *RedisCache) key(ref string) string { return c.prefix + ref }

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, externalRef string) (Metadata, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(externalRef)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, err
	}
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		// Corrupt entry: treat as a miss so it gets rewritten.
		return Metadata{}, false, nil
	}
	return md, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, md Metadata) error {
	if md.ExternalRef == "" {
		return ErrInvalidRef
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(md.ExternalRef), raw, c.ttl).Err()
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, rawURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
