// Package coord provides the distributed coordination primitives the
// admission controller and scheduler build on: bounded counters and
// expiring locks shared across process instances.
package coord

import (
	"context"
	"time"
)

// Coordinator defines the coordination primitives used across instances.
type Coordinator interface {
	// IncrBounded atomically increments the counter at key if the current
	// value is below limit. Returns true if the increment was applied.
	// A fresh counter gets the given TTL so crashed holders cannot pin
	// capacity forever.
	IncrBounded(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error)

	// Decr decrements the counter at key and deletes it once the value
	// reaches zero or below.
	Decr(ctx context.Context, key string) error

	// CounterValue returns the current counter value, 0 if absent.
	CounterValue(ctx context.Context, key string) (int64, error)

	// AcquireLock attempts to take an expiring lock for the given key.
	// Returns true if this caller now holds the lock.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the lock at key. Releasing an absent lock is
	// not an error.
	ReleaseLock(ctx context.Context, key string) error
}
