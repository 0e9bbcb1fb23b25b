package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client *redis.Client
}

func newRedisStore(url string) (*redisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisStore{client: redis.NewClient(opts)}, nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, positive(ttl)).Err()
}

func (s *redisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, positive(ttl)).Result()
}

func (s *redisStore) HashSet(ctx context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for f, v := range fields {
		values[f] = v
	}
	return s.client.HSet(ctx, key, values).Err()
}

// HashSetTTL sends HSET and PEXPIRE as one MULTI/EXEC transaction.
func (s *redisStore) HashSetTTL(ctx context.Context, key string, fields map[string][]byte, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for f, v := range fields {
		values[f] = v
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		} else {
			pipe.Persist(ctx, key)
		}
		return nil
	})
	return err
}

// hitScript is applyHit as a Lua script over a hash {count, first_seen,
// last_seen}. ARGV: now ms, window ms, burst window ms, burst limit, limit.
// Returns {count, first_seen, last_seen, counted}.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local burstWindow = tonumber(ARGV[3])
local burstLimit = tonumber(ARGV[4])
local limit = tonumber(ARGV[5])

local st = redis.call('HMGET', KEYS[1], 'count', 'first_seen', 'last_seen')
local count = tonumber(st[1])
local first = tonumber(st[2])
local last = tonumber(st[3]) or 0
if not count or not first or now - first >= window then
	count = 0
	first = now
	last = 0
end

if (now - first < burstWindow and count >= burstLimit) or count >= limit then
	return {count, first, last, 0}
end

count = count + 1
redis.call('HSET', KEYS[1], 'count', count, 'first_seen', first, 'last_seen', now)
redis.call('PEXPIRE', KEYS[1], window)
return {count, first, now, 1}
`)

func (s *redisStore) Hit(ctx context.Context, key string, now time.Time, lim HitLimits) (Counter, bool, error) {
	res, err := hitScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(),
		lim.Window.Milliseconds(),
		lim.BurstWindow.Milliseconds(),
		lim.BurstLimit,
		lim.Limit,
	).Int64Slice()
	if err != nil {
		return Counter{}, false, err
	}
	if len(res) != 4 {
		return Counter{}, false, fmt.Errorf("rate script returned %d values", len(res))
	}
	return Counter{Count: int(res[0]), FirstSeen: res[1], LastSeen: res[2]}, res[3] == 1, nil
}

func (s *redisStore) HashGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	val, err := s.client.HGet(ctx, key, field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.client.Persist(ctx, key).Err()
	}
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

// positive maps "no expiry" onto go-redis' zero duration.
func positive(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
