// Package cache provides a small read-through TTL cache for slow-changing reference data such as
// role permission sets and organization plan tiers.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ontour.app/internal/obs"
)

// LoadFunc fetches the authoritative value for key.
type LoadFunc[V any] func(ctx context.Context, key string) (V, error)

type options struct {
	grace       time.Duration
	loadTimeout time.Duration
	now         func() time.Time
	name        string
}

// Option configures a TTL cache.
type Option func(*options)

// WithStaleGrace lets an expired value be served for d after its TTL when a reload fails.
func WithStaleGrace(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.grace = d
		}
	}
}

// WithLoadTimeout bounds a single load. Loads are shared between callers, so they do not run
// under any one caller's context.
func WithLoadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.loadTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

// WithName labels log lines emitted by the cache.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// TTL caches loaded values per key for a fixed time to live.
type TTL[V any] struct {
	load LoadFunc[V]
	ttl  time.Duration
	opts options

	mu      sync.RWMutex
	entries map[string]entry[V]
	group   singleflight.Group
}

// New returns a cache that reloads keys older than ttl through load.
func New[V any](load LoadFunc[V], ttl time.Duration, opts ...Option) *TTL[V] {
	o := options{
		grace:       5 * time.Minute,
		loadTimeout: 5 * time.Second,
		now:         time.Now,
		name:        "cache",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[V]{
		load:    load,
		ttl:     ttl,
		opts:    o,
		entries: make(map[string]entry[V]),
	}
}

// Get returns the cached value for key, loading it when absent or expired.
func (c *TTL[V]) Get(ctx context.Context, key string) (V, error) {
	now := c.opts.now()
	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Sub(cached.fetchedAt) < c.ttl {
		return cached.value, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.loadTimeout)
		defer cancel()
		v, err := c.load(loadCtx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry[V]{value: v, fetchedAt: c.opts.now()}
		c.mu.Unlock()
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(V), nil
		}
		if ok && now.Sub(cached.fetchedAt) < c.ttl+c.opts.grace {
			obs.Warn(c.opts.name+".stale_served", map[string]any{"key": key, "error": res.Err.Error()})
			return cached.value, nil
		}
		return zero, res.Err
	}
}

// Invalidate drops key so the next Get reloads it.
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
