package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CapabilityCache holds per-endpoint capability descriptors with a TTL.
// Concurrent misses for the same endpoint collapse into a single probe
// run; everyone else waits for that writer's result.
type CapabilityCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	group singleflight.Group
}

type cacheEntry struct {
	caps    Capabilities
	expires time.Time
	// demoted holds protocols that failed a send; they stay out of
	// selection until the entry's TTL window ends.
	demoted map[Protocol]time.Time
}

// NewCapabilityCache builds a cache with the given TTL.
func NewCapabilityCache(ttl time.Duration) *CapabilityCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CapabilityCache{
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
	}
}

// Get returns the cached descriptor when present and fresh.
func (c *CapabilityCache) Get(endpoint string) (Capabilities, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[endpoint]
	if !ok || time.Now().After(e.expires) {
		return Capabilities{}, false
	}
	return e.caps, true
}

// Put stores a descriptor, resetting the TTL window and any demotions.
func (c *CapabilityCache) Put(endpoint string, caps Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[endpoint] = &cacheEntry{
		caps:    caps,
		expires: time.Now().Add(c.ttl),
	}
}

// GetOrDetect returns the cached descriptor or runs detect exactly once
// per endpoint across concurrent callers.
func (c *CapabilityCache) GetOrDetect(ctx context.Context, endpoint string, detect func(context.Context) (Capabilities, error)) (Capabilities, error) {
	if caps, ok := c.Get(endpoint); ok {
		return caps, nil
	}

	v, err, _ := c.group.Do(endpoint, func() (interface{}, error) {
		// A racing caller may have filled the entry while we queued.
		if caps, ok := c.Get(endpoint); ok {
			return caps, nil
		}
		caps, err := detect(ctx)
		if err != nil {
			return Capabilities{}, err
		}
		c.Put(endpoint, caps)
		return caps, nil
	})
	if err != nil {
		return Capabilities{}, err
	}
	return v.(Capabilities), nil
}

// Demote marks a protocol failed for the endpoint until the current TTL
// window ends. Selection skips demoted protocols.
func (c *CapabilityCache) Demote(endpoint string, p Protocol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[endpoint]
	if !ok {
		e = &cacheEntry{expires: time.Now().Add(c.ttl)}
		c.entries[endpoint] = e
	}
	if e.demoted == nil {
		e.demoted = make(map[Protocol]time.Time)
	}
	e.demoted[p] = e.expires
}

// Demoted reports whether a protocol is currently demoted for the
// endpoint.
func (c *CapabilityCache) Demoted(endpoint string, p Protocol) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[endpoint]
	if !ok || e.demoted == nil {
		return false
	}
	until, ok := e.demoted[p]
	return ok && time.Now().Before(until)
}

// Clear drops one endpoint's descriptor.
func (c *CapabilityCache) Clear(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, endpoint)
}

// ClearAll drops every descriptor.
func (c *CapabilityCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Len reports the number of cached endpoints, fresh or not.
func (c *CapabilityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
