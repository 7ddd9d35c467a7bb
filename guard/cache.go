package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CacheConfig configures the Redis-backed verdict cache.
type CacheConfig struct {
	Addr       string        `yaml:"addr" json:"addr"`
	Password   string        `yaml:"password" json:"password"`
	DB         int           `yaml:"db" json:"db"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	PoolSize   int           `yaml:"pool_size" json:"pool_size"`
}

// DefaultCacheConfig returns sensible Redis defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Addr:       "localhost:6379",
		TTL:        5 * time.Minute,
		MaxRetries: 3,
		PoolSize:   10,
	}
}

// VerdictCache memoizes rail verdicts in Redis so identical content is not
// re-checked. Keys are content hashes, not content, so no user text is
// stored in clear.
type VerdictCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewVerdictCache connects to Redis and verifies the connection.
func NewVerdictCache(cfg CacheConfig, logger *zap.Logger) (*VerdictCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: cfg.MaxRetries,
		PoolSize:   cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &VerdictCache{
		redis:  client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "verdict_cache")),
	}, nil
}

// Get returns the cached verdict for content under the given rail, or
// (nil, false) on a miss. Redis failures are treated as misses.
func (c *VerdictCache) Get(ctx context.Context, rail, content string) (*RailResult, bool) {
	raw, err := c.redis.Get(ctx, verdictKey(rail, content)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("verdict cache get failed", zap.String("rail", rail), zap.Error(err))
		}
		return nil, false
	}

	var res RailResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		c.logger.Warn("verdict cache entry corrupt, ignoring", zap.String("rail", rail), zap.Error(err))
		return nil, false
	}
	return &res, true
}

// Set stores a verdict. Failures are logged and ignored; the cache is an
// optimization, never a correctness dependency.
func (c *VerdictCache) Set(ctx context.Context, rail, content string, res *RailResult) {
	data, err := json.Marshal(res)
	if err != nil {
		c.logger.Warn("verdict cache marshal failed", zap.String("rail", rail), zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, verdictKey(rail, content), data, c.ttl).Err(); err != nil {
		c.logger.Warn("verdict cache set failed", zap.String("rail", rail), zap.Error(err))
	}
}

// Ping checks Redis reachability, for readiness probes.
func (c *VerdictCache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (c *VerdictCache) Close() error {
	return c.redis.Close()
}

func verdictKey(rail, content string) string {
	sum := sha256.Sum256([]byte(rail + "\x00" + content))
	return "railguard:verdict:" + hex.EncodeToString(sum[:])
}

// CachedRail wraps a rail with the verdict cache. Transforming rails (PII
// masking) should not be wrapped: the cached verdict carries the transform,
// but callers holding stale content would re-apply it anyway, so only
// verdict-only rails benefit.
type CachedRail struct {
	inner  Rail
	cache  *VerdictCache
	onHit  func()
	onMiss func()
}

// NewCachedRail wraps inner with cache. onHit and onMiss are optional
// observability hooks.
func NewCachedRail(inner Rail, cache *VerdictCache, onHit, onMiss func()) *CachedRail {
	return &CachedRail{inner: inner, cache: cache, onHit: onHit, onMiss: onMiss}
}

func (c *CachedRail) Name() string  { return c.inner.Name() }
func (c *CachedRail) Priority() int { return c.inner.Priority() }

func (c *CachedRail) Check(ctx context.Context, content string) (*RailResult, error) {
	if res, ok := c.cache.Get(ctx, c.inner.Name(), content); ok {
		if c.onHit != nil {
			c.onHit()
		}
		return res, nil
	}
	if c.onMiss != nil {
		c.onMiss()
	}

	res, err := c.inner.Check(ctx, content)
	if err != nil {
		return nil, err
	}
	c.cache.Set(ctx, c.inner.Name(), content, res)
	return res, nil
}
