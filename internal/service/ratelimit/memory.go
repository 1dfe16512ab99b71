package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is one fixed-window counter in the in-memory fallback store.
type bucket struct {
	count   int
	resetAt time.Time
}

// memoryStore is the in-process fallback used when the distributed store is
// unavailable or unconfigured. Counts are exact within one process; across
// instances the same client can exceed the global limit by up to the instance
// count, which is the documented degradation of this path.
type memoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newMemoryStore() *memoryStore {
	return &memoryStore{buckets: make(map[string]*bucket)}
}

// check applies a fixed-window count: expired windows reset, counts increment
// only while under the max.
func (m *memoryStore) check(key string, rule Rule) (allowed bool, remaining int, resetAt time.Time) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{count: 0, resetAt: now.Add(rule.Window)}
		m.buckets[key] = b
	}

	if b.count >= rule.MaxRequests {
		return false, 0, b.resetAt
	}
	b.count++
	return true, rule.MaxRequests - b.count, b.resetAt
}

// peek reports the current state without incrementing.
func (m *memoryStore) peek(key string, rule Rule) (remaining int, resetAt time.Time) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || now.After(b.resetAt) {
		return rule.MaxRequests, now.Add(rule.Window)
	}
	remaining = rule.MaxRequests - b.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, b.resetAt
}

func (m *memoryStore) reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, key)
}

// sweep removes expired buckets.
func (m *memoryStore) sweep() int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, b := range m.buckets {
		if now.After(b.resetAt) {
			delete(m.buckets, key)
			removed++
		}
	}
	return removed
}

// startSweep garbage-collects expired buckets until the context is cancelled.
func (m *memoryStore) startSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}
