// Package cache memoises preprocessed inputs keyed by file path and transform configuration.
//
// The cache is an optimisation only: every failure inside it is logged and
// treated as a miss, so losing it changes latency but never results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raphaelgruber/ocrbatch/internal/metrics"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

// DefaultSize is the in-process LRU capacity.
const DefaultSize = 128

// Tier is a shared second-level cache consulted after the in-process LRU.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Cache is a bounded LRU with an optional shared tier.
// All methods are thread-safe.
type Cache struct {
	local   *lru.Cache[string, []byte]
	remote  Tier
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures a Cache.
type Option func(*Cache)

// WithRemote adds a shared tier whose entries expire after ttl (0 = never).
func WithRemote(t Tier, ttl time.Duration) Option {
	return func(c *Cache) {
		c.remote = t
		c.ttl = ttl
	}
}

// WithLogger sets the logger for tier failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics counts hits and misses.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache holding at most size entries in process.
func New(size int, opts ...Option) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	local, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c := &Cache{local: local, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key derives the cache key for a path under a transform configuration.
func Key(path, config string) string {
	sum := sha256.Sum256([]byte(path + "\x00" + config))
	return hex.EncodeToString(sum[:])
}

// GetOrCompute returns the cached value for (path, config), calling fn on a miss.
// Only fn's own error is returned; cache failures fall through to fn.
func (c *Cache) GetOrCompute(ctx context.Context, path, config string, fn func() ([]byte, error)) ([]byte, error) {
	if c == nil {
		return fn()
	}
	key := Key(path, config)

	if v, ok := c.local.Get(key); ok {
		c.metrics.Inc(metrics.CounterCacheHit)
		return v, nil
	}

	if c.remote != nil {
		v, err := c.remote.Get(ctx, key)
		switch {
		case err == nil:
			c.metrics.Inc(metrics.CounterCacheRemoteHit)
			c.local.Add(key, v)
			return v, nil
		case !errors.Is(err, ErrCacheMiss):
			c.logger.Warn("cache tier read failed", "path", path, "error", err)
		}
	}

	c.metrics.Inc(metrics.CounterCacheMiss)
	v, err := fn()
	if err != nil {
		return nil, err
	}

	c.local.Add(key, v)
	if c.remote != nil {
		if err := c.remote.Set(ctx, key, v, c.ttl); err != nil {
			c.logger.Warn("cache tier write failed", "path", path, "error", err)
		}
	}
	return v, nil
}

// Len returns the number of entries held in process.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.local.Len()
}

// Purge drops every in-process entry.
func (c *Cache) Purge() {
	if c != nil {
		c.local.Purge()
	}
}

// Close releases the shared tier.
func (c *Cache) Close() error {
	if c == nil || c.remote == nil {
		return nil
	}
	return c.remote.Close()
}
