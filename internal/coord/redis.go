package coord

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scriptherd/scriptherd/internal/observability"
)

// watchRetries bounds the optimistic retry loop when concurrent writers
// touch the same counter.
const watchRetries = 10

// RedisCoordinator implements Coordinator on a Redis backend. Counters
// use WATCH/MULTI so the check-then-increment is race free across
// instances; locks use SET NX with a TTL.
type RedisCoordinator struct {
	client *redis.Client
}

// NewRedisCoordinator connects to Redis and verifies connectivity.
func NewRedisCoordinator(addr, password string, db int) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCoordinator{client: client}, nil
}

// Close closes the underlying client.
func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

func (c *RedisCoordinator) IncrBounded(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.CoordLatency.Observe(time.Since(start).Seconds())
	}()

	acquired := false
	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current >= limit {
			acquired = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, key)
			if current == 0 {
				pipe.Expire(ctx, key, ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		acquired = true
		return nil
	}

	for i := 0; i < watchRetries; i++ {
		err := c.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return acquired, nil
	}
	return false, errors.New("coord: counter contention, retries exhausted")
}

func (c *RedisCoordinator) Decr(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		observability.CoordLatency.Observe(time.Since(start).Seconds())
	}()

	// Drop the key once it reaches zero so an idle counter does not
	// linger until its TTL, and a stray double release cannot open
	// extra capacity.
	script := `
		local val = redis.call("decr", KEYS[1])
		if val <= 0 then
			redis.call("del", KEYS[1])
			return 0
		end
		return val
	`
	return c.client.Eval(ctx, script, []string{key}).Err()
}

func (c *RedisCoordinator) CounterValue(ctx context.Context, key string) (int64, error) {
	val, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func (c *RedisCoordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.CoordLatency.Observe(time.Since(start).Seconds())
	}()

	return c.client.SetNX(ctx, key, "1", ttl).Result()
}

func (c *RedisCoordinator) ReleaseLock(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
