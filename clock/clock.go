// Package clock provides the nanosecond time source used to refill buckets.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns the current instant in nanoseconds. Implementations used by
// several processes sharing a bucket must agree on the epoch.
type Clock interface {
	NowNanos() int64
}

// System reads the wall clock as Unix nanoseconds.
type System struct{}

// NowNanos returns time.Now().UnixNano().
func (System) NowNanos() int64 {
	return time.Now().UnixNano()
}

// Manual is a Clock that only moves when told to. It is safe for concurrent use.
type Manual struct {
	nanos atomic.Int64
}

// NewManual returns a Manual clock set to start.
func NewManual(start int64) *Manual {
	m := &Manual{}
	m.nanos.Store(start)
	return m
}

// NowNanos returns the current fake instant.
func (m *Manual) NowNanos() int64 {
	return m.nanos.Load()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.nanos.Add(int64(d))
}

// Set moves the clock to an absolute instant, possibly backwards.
func (m *Manual) Set(nanos int64) {
	m.nanos.Store(nanos)
}
