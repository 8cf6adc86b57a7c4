// Package dedupe remembers inbound channel events already handled so a
// redelivered update does not produce a second message.
package dedupe

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Store marks keys as seen. First reports whether this call was the first
// to mark key; Forget releases a key whose processing failed.
type Store interface {
	First(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type Memory struct {
	c   *cache.Cache
	ttl time.Duration
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{c: cache.New(ttl, ttl/2), ttl: ttl}
}

func (m *Memory) First(_ context.Context, key string) (bool, error) {
	// Add fails when the key is present, which makes check-and-set atomic
	return m.c.Add(key, struct{}{}, m.ttl) == nil, nil
}

func (m *Memory) Forget(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

// Redis shares the seen set between relay replicas.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, prefix: "chatsync:inbound:"}
}

func (r *Redis) First(ctx context.Context, key string) (bool, error) {
	return r.rdb.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
}

func (r *Redis) Forget(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key).Err()
}

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }
