// Package store is the token store: a schema-agnostic, TTL-bearing key-value
// store holding master token records, segment reference hashes and rate
// counters.
//
// Primary backend: Redis (env REDIS_URL).
// Fallback: Postgres (env DATABASE_URL).
// If neither is available, an in-memory store is used (development only).
package store

import (
	"context"
	"errors"
	"time"
)

// Store is the narrow interface the proxy needs from its source of truth.
// Every operation is atomic per key; no operation spans keys.
type Store interface {
	// Get returns the value at key, or found=false if absent or expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set writes value at key with the given ttl (ttl <= 0 means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only if key is absent. It reports whether it wrote.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// HashSet writes all fields of key in one call.
	HashSet(ctx context.Context, key string, fields map[string][]byte) error
	// HashGet returns one field of key, or found=false.
	HashGet(ctx context.Context, key, field string) (value []byte, found bool, err error)
	// HashSetTTL writes all fields of key and sets its ttl in one atomic
	// step; on error neither is applied.
	HashSetTTL(ctx context.Context, key string, fields map[string][]byte, ttl time.Duration) error
	// Expire sets the ttl of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Hit counts one request against the counter at key, atomically. It
	// returns the counter after the call and whether the request was
	// counted; a refused request leaves the counter unchanged.
	Hit(ctx context.Context, key string, now time.Time, lim HitLimits) (Counter, bool, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// ErrMemoryInProduction is returned by New when no durable backend is
// configured in production.
var ErrMemoryInProduction = errors.New("production requires REDIS_URL or DATABASE_URL for the token store; in-memory store is not allowed")

// Options selects and configures a backend.
type Options struct {
	RedisURL    string
	DatabaseURL string
	IsProd      bool
}

// New creates the best available store: Redis > Postgres > in-memory.
func New(ctx context.Context, opts Options) (Store, error) {
	if opts.RedisURL != "" {
		s, err := newRedisStore(opts.RedisURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	if opts.DatabaseURL != "" {
		s, err := newPostgresStore(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	if opts.IsProd {
		return nil, ErrMemoryInProduction
	}
	return NewMemory(), nil
}

// Keys used by the proxy. Centralised so every backend and caller agree.

func StreamKey(token string) string { return "stream:token:" + token }

func SegmentsKey(token string) string { return "stream:segments:" + token }

func SegmentUsedKey(token, id string) string { return "stream:segment-used:" + token + ":" + id }

func RateKey(token, clientAddress string) string {
	return "stream:rate:" + token + ":" + clientAddress
}
