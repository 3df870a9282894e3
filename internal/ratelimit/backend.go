package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errInvalidLimit = errors.New("ratelimit: limit must be positive")

// Usage is the counter state observed by one Take.
type Usage struct {
	Allowed bool
	Count   int
	ResetAt time.Time
}

// Backend stores per-key fixed-window counters. Take must check and increment atomically with
// respect to other Takes on the same key.
type Backend interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Usage, error)
	Reset(ctx context.Context, key string) error
}

// MemoryBackend keeps counters in process memory. Each key has its own lock so organizations do
// not contend with each other.
type MemoryBackend struct {
	mu       sync.RWMutex
	counters map[string]*counter
}

type counter struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	removed bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{counters: make(map[string]*counter)}
}

func (m *MemoryBackend) Take(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Usage, error) {
	if limit <= 0 {
		return Usage{}, errInvalidLimit
	}
	for {
		c := m.counter(key)
		c.mu.Lock()
		if c.removed {
			// Reset won the race for this entry; retry against the fresh one.
			c.mu.Unlock()
			continue
		}
		if now.After(c.resetAt) {
			c.count = 0
			c.resetAt = now.Add(window)
		}
		u := Usage{Count: c.count, ResetAt: c.resetAt}
		if c.count < limit {
			c.count++
			u.Allowed = true
			u.Count = c.count
		}
		c.mu.Unlock()
		return u, nil
	}
}

func (m *MemoryBackend) counter(key string) *counter {
	m.mu.RLock()
	c, ok := m.counters[key]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[key]; ok {
		return c
	}
	c = &counter{}
	m.counters[key] = c
	return c
}

func (m *MemoryBackend) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[key]
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.removed = true
	c.mu.Unlock()
	delete(m.counters, key)
	return nil
}

// Len reports how many keys currently hold a counter.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.counters)
}
