package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "tiersync:ratelimit:"

// incrementScript counts a request and starts the window on the first hit.
// Returns {count, pttl}.
var incrementScript = redis.NewScript(`
	local count = redis.call("INCR", KEYS[1])
	local ttl = redis.call("PTTL", KEYS[1])
	if count == 1 or ttl < 0 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {count, ttl}
`)

// RedisStore shares buckets across instances. Keys expire with their window,
// so no sweep is needed.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed bucket store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Bucket, error) {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	res, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, windowMs).Int64Slice()
	if err != nil {
		return Bucket{}, fmt.Errorf("failed to execute rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Bucket{}, fmt.Errorf("unexpected result format from rate limit script")
	}
	return Bucket{
		Count:   int(res[0]),
		ResetAt: now.Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}
