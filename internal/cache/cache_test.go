package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/ocrbatch/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapTier is an in-memory Tier that can be told to fail.
type mapTier struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet bool
	failSet bool
	sets    int
}

func newMapTier() *mapTier { return &mapTier{data: make(map[string][]byte)} }

func (m *mapTier) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("tier down")
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (m *mapTier) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.failSet {
		return errors.New("tier down")
	}
	m.data[key] = value
	return nil
}

func (m *mapTier) Close() error { return nil }

func counting(v string, calls *atomic.Int32) func() ([]byte, error) {
	return func() ([]byte, error) {
		calls.Add(1)
		return []byte(v), nil
	}
}

func TestGetOrComputeMemoises(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewCollector()
	c, err := New(4, WithMetrics(m))
	require.NoError(t, err)

	var calls atomic.Int32
	v, err := c.GetOrCompute(ctx, "/a.png", "cfg1", counting("x", &calls))
	require.NoError(t, err)
	assert.Equal(t, "x", string(v))

	v, err = c.GetOrCompute(ctx, "/a.png", "cfg1", counting("y", &calls))
	require.NoError(t, err)
	assert.Equal(t, "x", string(v), "second call must hit")
	assert.Equal(t, int32(1), calls.Load())

	_, err = c.GetOrCompute(ctx, "/a.png", "cfg2", counting("z", &calls))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "a different config is a different key")

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(2), snap.CacheMisses)
}

func TestEvictionOnlyCostsRecompute(t *testing.T) {
	ctx := context.Background()
	c, err := New(1)
	require.NoError(t, err)

	var calls atomic.Int32
	first, err := c.GetOrCompute(ctx, "/a.png", "", counting("a", &calls))
	require.NoError(t, err)
	_, err = c.GetOrCompute(ctx, "/b.png", "", counting("b", &calls))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	again, err := c.GetOrCompute(ctx, "/a.png", "", counting("a", &calls))
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int32(3), calls.Load())
}

func TestComputeErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	c, err := New(4)
	require.NoError(t, err)

	boom := errors.New("decode failed")
	_, err = c.GetOrCompute(ctx, "/bad.png", "", func() ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestRemoteTier(t *testing.T) {
	ctx := context.Background()
	tier := newMapTier()
	m := metrics.NewCollector()

	writer, err := New(4, WithRemote(tier, time.Minute))
	require.NoError(t, err)
	var calls atomic.Int32
	_, err = writer.GetOrCompute(ctx, "/a.png", "cfg", counting("shared", &calls))
	require.NoError(t, err)
	assert.Equal(t, 1, tier.sets)

	// A second process with a cold LRU reads through the shared tier
	reader, err := New(4, WithRemote(tier, time.Minute), WithMetrics(m))
	require.NoError(t, err)
	v, err := reader.GetOrCompute(ctx, "/a.png", "cfg", counting("other", &calls))
	require.NoError(t, err)
	assert.Equal(t, "shared", string(v))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), m.Snapshot().CacheRemoteHits)
	assert.Equal(t, 1, reader.Len(), "remote hits are promoted to the LRU")
}

func TestRemoteFailuresFallThrough(t *testing.T) {
	ctx := context.Background()
	tier := newMapTier()
	tier.failGet = true
	tier.failSet = true

	c, err := New(4, WithRemote(tier, 0))
	require.NoError(t, err)

	var calls atomic.Int32
	v, err := c.GetOrCompute(ctx, "/a.png", "", counting("ok", &calls))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(v))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNilCacheComputes(t *testing.T) {
	var c *Cache
	var calls atomic.Int32
	v, err := c.GetOrCompute(context.Background(), "/a.png", "", counting("direct", &calls))
	require.NoError(t, err)
	assert.Equal(t, "direct", string(v))
	assert.NoError(t, c.Close())
}

func TestKeyIsStable(t *testing.T) {
	assert.Equal(t, Key("/a", "c"), Key("/a", "c"))
	assert.NotEqual(t, Key("/a", "c"), Key("/a", "d"))
	assert.NotEqual(t, Key("/ab", ""), Key("/a", "b"), "path and config are separated")
	assert.Len(t, Key("/a", "c"), 64)
}
