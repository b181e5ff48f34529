package store

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/K-jun98/bucket4j/clock"
	"github.com/K-jun98/bucket4j/remote"
)

// MemoryStore keeps buckets in process. It is safe for concurrent use and
// supports both the CAS and the atomic execution path.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	clock   clock.Clock
}

// memoryEntry wraps stored bytes with their revision and expiry.
type memoryEntry struct {
	data      []byte
	version   Version
	expiresAt int64 // 0 = never
}

var (
	_ Backend        = (*MemoryStore)(nil)
	_ AtomicExecutor = (*MemoryStore)(nil)
	_ Remover        = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store. Expiry is measured on c, nil meaning the system clock.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		clock:   c,
	}
}

// live returns the entry for key unless it is missing or expired. Caller holds mu.
func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expiresAt != 0 && s.clock.NowNanos() >= e.expiresAt {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) put(key string, data []byte, version Version, ttl time.Duration) {
	e := &memoryEntry{data: append([]byte(nil), data...), version: version}
	if ttl > 0 {
		// a hint reaching past the end of the clock means no expiry
		if now := s.clock.NowNanos(); now <= 0 || int64(ttl) <= math.MaxInt64-now {
			e.expiresAt = now + int64(ttl)
		}
	}
	s.entries[key] = e
}

// Fetch returns a copy of the stored record.
func (s *MemoryStore) Fetch(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	return &Record{Data: append([]byte(nil), e.data...), Version: e.version}, nil
}

// CompareAndSwap implements Backend.
func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, expected Version, data []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	switch {
	case e == nil && expected != NoVersion:
		return false, nil
	case e != nil && e.version != expected:
		return false, nil
	}
	s.put(key, data, expected+1, ttl)
	return true, nil
}

// ExecuteAtomically runs the request while holding the store lock.
func (s *MemoryStore) ExecuteAtomically(_ context.Context, key string, request []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	version := NoVersion
	if e := s.live(key); e != nil {
		current, version = e.data, e.version
	}

	out, err := remote.Execute(request, current)
	if err != nil {
		return nil, err
	}
	if out.Changed() {
		s.put(key, out.State, version+1, out.TTL)
	}
	return out.Response, nil
}

// Remove deletes the bucket stored under key.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Count returns the number of stored buckets, expired ones included until the next Cleanup.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear removes all buckets.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*memoryEntry)
}

// Cleanup drops expired buckets and returns how many were removed.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowNanos()
	removed := 0
	for key, e := range s.entries {
		if e.expiresAt != 0 && now >= e.expiresAt {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// StartBackgroundCleanup starts a goroutine that periodically drops expired buckets.
// Call the returned function to stop it.
func (s *MemoryStore) StartBackgroundCleanup(interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				s.Cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
