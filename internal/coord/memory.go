package coord

import (
	"context"
	"sync"
	"time"
)

// MemoryCoordinator is an in-process Coordinator for tests and
// single-instance deployments. TTLs are honored lazily on access.
type MemoryCoordinator struct {
	mu       sync.Mutex
	counters map[string]*memEntry
	locks    map[string]*memEntry
}

type memEntry struct {
	value     int64
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		counters: make(map[string]*memEntry),
		locks:    make(map[string]*memEntry),
	}
}

func (c *MemoryCoordinator) IncrBounded(_ context.Context, key string, limit int64, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	e := c.counters[key]
	if e == nil || e.expired(now) {
		e = &memEntry{}
		c.counters[key] = e
	}
	if e.value >= limit {
		return false, nil
	}
	if e.value == 0 && ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	e.value++
	return true, nil
}

func (c *MemoryCoordinator) Decr(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.counters[key]
	if e == nil || e.expired(time.Now()) {
		delete(c.counters, key)
		return nil
	}
	e.value--
	if e.value <= 0 {
		delete(c.counters, key)
	}
	return nil
}

func (c *MemoryCoordinator) CounterValue(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.counters[key]
	if e == nil || e.expired(time.Now()) {
		return 0, nil
	}
	return e.value, nil
}

func (c *MemoryCoordinator) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.locks[key]; ok && !e.expired(now) {
		return false, nil
	}
	c.locks[key] = &memEntry{value: 1, expiresAt: now.Add(ttl)}
	return true, nil
}

func (c *MemoryCoordinator) ReleaseLock(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.locks, key)
	return nil
}
