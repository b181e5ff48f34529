// Package metrics keeps in-process counters of bucket activity.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks consumption and contention statistics. It satisfies the
// engine Recorder interface.
type Metrics struct {
	totalRequests    atomic.Int64
	allowedRequests  atomic.Int64
	blockedRequests  atomic.Int64
	conflicts        atomic.Int64
	retriesExhausted atomic.Int64

	// Per-bucket stats
	mu          sync.RWMutex
	bucketStats map[string]*BucketStats
	startTime   time.Time
	now         func() time.Time
}

// BucketStats tracks statistics for a single bucket key
type BucketStats struct {
	Key              string    `json:"key"`
	TotalRequests    int64     `json:"total_requests"`
	AllowedRequests  int64     `json:"allowed_requests"`
	BlockedRequests  int64     `json:"blocked_requests"`
	Conflicts        int64     `json:"conflicts"`
	RetriesExhausted int64     `json:"retries_exhausted"`
	LastRequestAt    time.Time `json:"last_request_at"`
	FirstRequestAt   time.Time `json:"first_request_at"`
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		bucketStats: make(map[string]*BucketStats),
		startTime:   time.Now(),
		now:         time.Now,
	}
}

// stats returns the entry for key, creating it. Caller holds mu.
func (m *Metrics) stats(key string) *BucketStats {
	s, ok := m.bucketStats[key]
	if !ok {
		s = &BucketStats{Key: key, FirstRequestAt: m.now()}
		m.bucketStats[key] = s
	}
	return s
}

// RecordRequest records a consumption attempt
func (m *Metrics) RecordRequest(key string, allowed bool) {
	m.totalRequests.Add(1)
	if allowed {
		m.allowedRequests.Add(1)
	} else {
		m.blockedRequests.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats(key)
	s.TotalRequests++
	if allowed {
		s.AllowedRequests++
	} else {
		s.BlockedRequests++
	}
	s.LastRequestAt = m.now()
}

// RecordConflict records a lost compare-and-swap
func (m *Metrics) RecordConflict(key string) {
	m.conflicts.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats(key).Conflicts++
}

// RecordRetriesExhausted records a call that gave up under contention
func (m *Metrics) RecordRetriesExhausted(key string) {
	m.retriesExhausted.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats(key).RetriesExhausted++
}

// GetSnapshot returns a snapshot of current metrics with the ten busiest buckets
func (m *Metrics) GetSnapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	top := make([]*BucketStats, 0, len(m.bucketStats))
	for _, s := range m.bucketStats {
		cp := *s
		top = append(top, &cp)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].TotalRequests != top[j].TotalRequests {
			return top[i].TotalRequests > top[j].TotalRequests
		}
		return top[i].Key < top[j].Key
	})
	if len(top) > 10 {
		top = top[:10]
	}

	return &Snapshot{
		TotalRequests:    m.totalRequests.Load(),
		AllowedRequests:  m.allowedRequests.Load(),
		BlockedRequests:  m.blockedRequests.Load(),
		Conflicts:        m.conflicts.Load(),
		RetriesExhausted: m.retriesExhausted.Load(),
		UniqueBuckets:    int64(len(m.bucketStats)),
		TopBuckets:       top,
		UptimeSeconds:    int64(m.now().Sub(m.startTime).Seconds()),
		StartTime:        m.startTime,
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	TotalRequests    int64          `json:"total_requests"`
	AllowedRequests  int64          `json:"allowed_requests"`
	BlockedRequests  int64          `json:"blocked_requests"`
	Conflicts        int64          `json:"conflicts"`
	RetriesExhausted int64          `json:"retries_exhausted"`
	UniqueBuckets    int64          `json:"unique_buckets"`
	TopBuckets       []*BucketStats `json:"top_buckets"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
	StartTime        time.Time      `json:"start_time"`
}
