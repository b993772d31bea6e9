// Package cache provides the lookaside cache used by the tool dispatcher.
//
// The cache is an optimization, never a dependency: every backend failure
// degrades to a pass-through miss. Correctness must not depend on cache
// availability, only latency does.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is the lookaside contract. Get returns (value, true) on a fresh hit
// and (nil, false) otherwise, including on any backend failure. Set is best
// effort. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Nop is a Cache that stores nothing. Used when caching is disabled.
type Nop struct{}

// Get always misses.
func (Nop) Get(context.Context, string) ([]byte, bool) { return nil, false }

// Set discards the value.
func (Nop) Set(context.Context, string, []byte, time.Duration) {}

// Memory is an in-process Cache with time-based eviction. Entries expire
// after their TTL; eviction is lazy on read plus a sweep when the map grows.
// Volume is low (tool results), so there is no size bound.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value      []byte
	insertedAt time.Time
	ttl        time.Duration
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

const sweepThreshold = 1024

// Get returns the cached value if present and younger than its TTL.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.now().Sub(e.insertedAt) >= e.ttl {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl. Non-positive ttl stores nothing.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= sweepThreshold {
		now := m.now()
		for k, e := range m.entries {
			if now.Sub(e.insertedAt) >= e.ttl {
				delete(m.entries, k)
			}
		}
	}
	m.entries[key] = memoryEntry{value: value, insertedAt: m.now(), ttl: ttl}
}

// SetClock overrides the time source. Tests only.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }
