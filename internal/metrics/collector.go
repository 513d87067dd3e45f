// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Output size metrics (only for extraction)
	TotalOutputChars int64
	MinOutputChars   int64
	MaxOutputChars   int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64

	// Output stats (nil if not applicable)
	TotalOutputChars *int64
	AvgOutputChars   *float64
	MinOutputChars   *int64
	MaxOutputChars   *int64
}

// Snapshot represents the run statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	Extract       *OperationSnapshot
	Preprocess    *OperationSnapshot
	StoreWrite    *OperationSnapshot
	StoreRead     *OperationSnapshot

	CacheHits       int64
	CacheMisses     int64
	CacheRemoteHits int64
}

// Operation names for the collector.
const (
	OpExtract    = "extract"
	OpPreprocess = "preprocess"
	OpStoreWrite = "store_write"
	OpStoreRead  = "store_read"
)

// Counter names for the collector.
const (
	CounterCacheHit       = "cache_hit"
	CounterCacheMiss      = "cache_miss"
	CounterCacheRemoteHit = "cache_remote_hit"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe and a nil Collector discards everything.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	counters  map[string]int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		counters:  make(map[string]int64),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{
			MinTime:        time.Duration(math.MaxInt64),
			MinOutputChars: math.MaxInt64,
		}
		c.ops[op] = m
	}
	return m
}

// record updates timing fields. Caller must hold write lock.
func (m *OperationMetrics) record(duration time.Duration) {
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreate(op).record(duration)
}

// RecordExtraction records timing and output size for one extraction call.
func (c *Collector) RecordExtraction(duration time.Duration, outputChars int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(OpExtract)
	m.record(duration)

	m.TotalOutputChars += outputChars
	if outputChars < m.MinOutputChars {
		m.MinOutputChars = outputChars
	}
	if outputChars > m.MaxOutputChars {
		m.MaxOutputChars = outputChars
	}
}

// Inc increments a named counter.
func (c *Collector) Inc(counter string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters[counter]++
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics, includeOutput bool) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	if includeOutput {
		total := m.TotalOutputChars
		avg := float64(m.TotalOutputChars) / float64(m.Count)
		minOut := m.MinOutputChars
		maxOut := m.MaxOutputChars

		// Reset sentinel value for display
		if minOut == math.MaxInt64 {
			minOut = 0
		}

		snap.TotalOutputChars = &total
		snap.AvgOutputChars = &avg
		snap.MinOutputChars = &minOut
		snap.MaxOutputChars = &maxOut
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds:   time.Since(c.startTime).Seconds(),
		Extract:         snapshotOp(c.ops[OpExtract], true),
		Preprocess:      snapshotOp(c.ops[OpPreprocess], false),
		StoreWrite:      snapshotOp(c.ops[OpStoreWrite], false),
		StoreRead:       snapshotOp(c.ops[OpStoreRead], false),
		CacheHits:       c.counters[CounterCacheHit],
		CacheMisses:     c.counters[CounterCacheMiss],
		CacheRemoteHits: c.counters[CounterCacheRemoteHit],
	}
}
