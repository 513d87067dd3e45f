package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTiming(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpStoreWrite, 10*time.Millisecond)
	c.RecordTiming(OpStoreWrite, 30*time.Millisecond)

	snap := c.Snapshot()
	require.NotNil(t, snap.StoreWrite)
	assert.Equal(t, int64(2), snap.StoreWrite.Count)
	assert.Equal(t, int64(40), snap.StoreWrite.TotalTimeMs)
	assert.InDelta(t, 20.0, snap.StoreWrite.AvgTimeMs, 0.001)
	assert.Equal(t, int64(10), snap.StoreWrite.MinTimeMs)
	assert.Equal(t, int64(30), snap.StoreWrite.MaxTimeMs)
	assert.Nil(t, snap.StoreWrite.TotalOutputChars, "store writes carry no output stats")

	assert.Nil(t, snap.Extract, "no data means no snapshot")
	assert.Nil(t, snap.Preprocess)
}

func TestRecordExtraction(t *testing.T) {
	c := NewCollector()
	c.RecordExtraction(100*time.Millisecond, 0)
	c.RecordExtraction(300*time.Millisecond, 50)

	snap := c.Snapshot()
	require.NotNil(t, snap.Extract)
	assert.Equal(t, int64(2), snap.Extract.Count)
	require.NotNil(t, snap.Extract.TotalOutputChars)
	assert.Equal(t, int64(50), *snap.Extract.TotalOutputChars)
	assert.InDelta(t, 25.0, *snap.Extract.AvgOutputChars, 0.001)
	assert.Equal(t, int64(0), *snap.Extract.MinOutputChars)
	assert.Equal(t, int64(50), *snap.Extract.MaxOutputChars)
}

func TestCounters(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc(CounterCacheHit)
		}()
	}
	wg.Wait()
	c.Inc(CounterCacheMiss)

	snap := c.Snapshot()
	assert.Equal(t, int64(50), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.Zero(t, snap.CacheRemoteHits)
}

func TestNilCollectorDiscards(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTiming(OpExtract, time.Second)
		c.RecordExtraction(time.Second, 1)
		c.Inc(CounterCacheHit)
		assert.Equal(t, Snapshot{}, c.Snapshot())
	})
}
