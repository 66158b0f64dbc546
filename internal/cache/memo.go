// Package cache provides the small TTL memo shared by the image and instance
// type lookups.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// Memo caches successful results per key for a fixed TTL and keeps at most
// maxEntries keys. Errors are never cached.
//
// Computation happens outside the lock, so two callers missing on the same key
// may both compute it. The last one to finish wins.
type Memo[V any] struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]entry[V]
}

// NewMemo creates a memo. A maxEntries of zero means unbounded.
func NewMemo[V any](ttl time.Duration, maxEntries int) *Memo[V] {
	return &Memo[V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]entry[V]),
	}
}

// Get returns the cached value for key if it has not expired.
func (m *Memo[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key.
func (m *Memo[V]) Set(key string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.evictLocked(now)
	m.entries[key] = entry[V]{value: value, expires: now.Add(m.ttl)}
}

// Do returns the cached value for key or computes and stores it.
func (m *Memo[V]) Do(key string, compute func() (V, error)) (V, bool, error) {
	if v, ok := m.Get(key); ok {
		return v, true, nil
	}
	v, err := compute()
	if err != nil {
		return v, false, err
	}
	m.Set(key, v)
	return v, false, nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memo[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memo[V]) evictLocked(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
	if m.maxEntries <= 0 {
		return
	}
	for len(m.entries) >= m.maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, e := range m.entries {
			if oldestKey == "" || e.expires.Before(oldest) {
				oldestKey, oldest = k, e.expires
			}
		}
		delete(m.entries, oldestKey)
	}
}
