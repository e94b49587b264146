// Package metrics tracks in-memory counters and gauges for broker
// operations: pushes, pops, acks, releases, migrations, and queue depth.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks system-wide broker metrics in memory.
type Collector struct {
	totalPushed   atomic.Int64
	totalPopped   atomic.Int64
	totalAcked    atomic.Int64
	totalReleased atomic.Int64

	mu               sync.RWMutex
	queueDepths      map[string]int64
	migratedDelayed  int64
	migratedReserved int64
	blockedWaitTotal time.Duration
	blockedWaitCount int64
	startTime        time.Time
}

// Metrics is a point-in-time snapshot of Collector state.
type Metrics struct {
	TotalPushed      int64            `json:"total_pushed"`
	TotalPopped      int64            `json:"total_popped"`
	TotalAcked       int64            `json:"total_acked"`
	TotalReleased    int64            `json:"total_released"`
	QueueDepths      map[string]int64 `json:"queue_depths"`
	MigratedDelayed  int64            `json:"migrated_delayed"`
	MigratedReserved int64            `json:"migrated_reserved"`
	AvgBlockedWait   time.Duration    `json:"avg_blocked_wait"`
	Uptime           time.Duration    `json:"uptime"`
}

// Default returns the global metrics collector instance.
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates a new, independent metrics collector.
func NewCollector() *Collector {
	return &Collector{
		queueDepths: make(map[string]int64),
		startTime:   time.Now(),
	}
}

// RecordPush records one job enqueued (immediate or delayed) onto queue.
func (c *Collector) RecordPush(queue string) {
	c.totalPushed.Add(1)
}

// RecordPushN records n jobs enqueued in a single Bulk call.
func (c *Collector) RecordPushN(queue string, n int) {
	c.totalPushed.Add(int64(n))
}

// RecordPop records one successful reservation from queue.
func (c *Collector) RecordPop(queue string) {
	c.totalPopped.Add(1)
}

// RecordAck records one reserved job acknowledged (deleted) from queue.
func (c *Collector) RecordAck(queue string) {
	c.totalAcked.Add(1)
}

// RecordRelease records one reserved job released back to the delayed set.
func (c *Collector) RecordRelease(queue string) {
	c.totalReleased.Add(1)
}

// RecordMigratedDelayed records n jobs moved from delayed to ready.
func (c *Collector) RecordMigratedDelayed(n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.migratedDelayed += int64(n)
}

// RecordMigratedReserved records n jobs moved from reserved to ready
// (visibility-timeout recovery).
func (c *Collector) RecordMigratedReserved(n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.migratedReserved += int64(n)
}

// RecordQueueDepth updates the current ready-list depth for queue.
func (c *Collector) RecordQueueDepth(queue string, depth int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepths[queue] = depth
}

// RecordBlockedWait records how long a Pop call spent blocked in BLPOP.
func (c *Collector) RecordBlockedWait(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockedWaitTotal += d
	c.blockedWaitCount++
}

// GetMetrics returns a snapshot of current metrics.
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	queueDepths := make(map[string]int64, len(c.queueDepths))
	for k, v := range c.queueDepths {
		queueDepths[k] = v
	}

	var avgWait time.Duration
	if c.blockedWaitCount > 0 {
		avgWait = c.blockedWaitTotal / time.Duration(c.blockedWaitCount)
	}

	return Metrics{
		TotalPushed:      c.totalPushed.Load(),
		TotalPopped:      c.totalPopped.Load(),
		TotalAcked:       c.totalAcked.Load(),
		TotalReleased:    c.totalReleased.Load(),
		QueueDepths:      queueDepths,
		MigratedDelayed:  c.migratedDelayed,
		MigratedReserved: c.migratedReserved,
		AvgBlockedWait:   avgWait,
		Uptime:           time.Since(c.startTime),
	}
}

// Reset clears all metrics. Useful for tests.
func (c *Collector) Reset() {
	c.totalPushed.Store(0)
	c.totalPopped.Store(0)
	c.totalAcked.Store(0)
	c.totalReleased.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepths = make(map[string]int64)
	c.migratedDelayed = 0
	c.migratedReserved = 0
	c.blockedWaitTotal = 0
	c.blockedWaitCount = 0
	c.startTime = time.Now()
}

// GetMetrics returns metrics from the global collector.
func GetMetrics() Metrics {
	return Default().GetMetrics()
}

// ResetMetrics resets the global collector.
func ResetMetrics() {
	Default().Reset()
}
