package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var errGenerationMoved = errors.New("cache generation moved")

// RedisCache wraps the Redis client with the operations the caches need.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache parses a redis:// URL and builds a client. The connection is
// established lazily.
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// HGet returns nil, nil when the key or field does not exist.
func (c *RedisCache) HGet(ctx context.Context, key, field string) ([]byte, error) {
	val, err := c.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// Get returns nil, nil when the key does not exist.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// Generation reads a counter key; a missing key is generation 0.
func (c *RedisCache) Generation(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// writeIfGeneration runs write in one MULTI while genKey still holds gen.
// It reports false without error when the generation moved, before or
// during the transaction.
func (c *RedisCache) writeIfGeneration(ctx context.Context, genKey string, gen int64, write func(p redis.Pipeliner)) (bool, error) {
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if errors.Is(err, redis.Nil) {
			cur = 0
		} else if err != nil {
			return err
		}
		if cur != gen {
			return errGenerationMoved
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			write(p)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errGenerationMoved), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, err
	}
}

// HSetIfGeneration is HSet guarded by writeIfGeneration.
func (c *RedisCache) HSetIfGeneration(ctx context.Context, genKey string, gen int64, key, field string, value []byte, ttl time.Duration) (bool, error) {
	return c.writeIfGeneration(ctx, genKey, gen, func(p redis.Pipeliner) {
		p.HSet(ctx, key, field, value)
		p.Expire(ctx, key, ttl)
	})
}

// SetIfGeneration is Set guarded by writeIfGeneration.
func (c *RedisCache) SetIfGeneration(ctx context.Context, genKey string, gen int64, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.writeIfGeneration(ctx, genKey, gen, func(p redis.Pipeliner) {
		p.Set(ctx, key, value, ttl)
	})
}

// Bump increments every generation key and deletes keys in one MULTI, so a
// reader that loaded data before the bump can no longer write it back.
func (c *RedisCache) Bump(ctx context.Context, genTTL time.Duration, genKeys []string, keys ...string) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range genKeys {
			p.Incr(ctx, k)
			p.Expire(ctx, k, genTTL)
		}
		if len(keys) > 0 {
			p.Del(ctx, keys...)
		}
		return nil
	})
	return err
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
