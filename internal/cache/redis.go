package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store shared between processes. Each scope has a generation
// counter; invalidating a scope increments it so older keys are never read
// again and expire by TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	obs    Observer
}

func NewRedis(client *redis.Client, ttl time.Duration, obs Observer) *Redis {
	return &Redis{client: client, ttl: ttl, obs: obs}
}

func generationKey(scope string) string {
	return fmt.Sprintf("agg_gen:%s", scope)
}

func entryKey(scope string, gen uint64, key string) string {
	return fmt.Sprintf("agg:%s:%d:%s", scope, gen, key)
}

func (r *Redis) Generation(ctx context.Context, scope string) (uint64, error) {
	return readGeneration(ctx, r.client, scope)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, c getter, scope string) (uint64, error) {
	gen, err := c.Get(ctx, generationKey(scope)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

func (r *Redis) Get(ctx context.Context, scope string, gen uint64, key string, dst any) (bool, error) {
	data, err := r.client.Get(ctx, entryKey(scope, gen, key)).Bytes()
	if err == redis.Nil {
		r.miss()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get cache entry from Redis: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode cached value: %w", err)
	}
	if r.obs != nil {
		r.obs.CacheHit()
	}
	return true, nil
}

// Set writes v under WATCH of the generation key, so an Invalidate from any
// process between Generation and Set discards the write.
func (r *Redis) Set(ctx context.Context, scope string, gen uint64, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, scope)
		if err != nil {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, entryKey(scope, gen, key), data, r.ttl)
			return nil
		})
		return err
	}, generationKey(scope))
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to set cache entry in Redis: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, scope string) error {
	if err := r.client.Incr(ctx, generationKey(scope)).Err(); err != nil {
		return fmt.Errorf("failed to bump cache generation: %w", err)
	}
	return nil
}

func (r *Redis) miss() {
	if r.obs != nil {
		r.obs.CacheMiss()
	}
}
