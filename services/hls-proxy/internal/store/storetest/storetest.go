// Package storetest provides store doubles for tests of store consumers.
package storetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/stream-guard/services/hls-proxy/internal/store"
)

// ErrUnavailable is what Failing returns from every call.
var ErrUnavailable = errors.New("store unavailable")

// Failing is a store whose backend is unreachable.
type Failing struct{}

func (Failing) Get(context.Context, string) ([]byte, bool, error) { return nil, false, ErrUnavailable }
func (Failing) Set(context.Context, string, []byte, time.Duration) error {
	return ErrUnavailable
}
func (Failing) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, ErrUnavailable
}
func (Failing) HashSet(context.Context, string, map[string][]byte) error { return ErrUnavailable }
func (Failing) HashSetTTL(context.Context, string, map[string][]byte, time.Duration) error {
	return ErrUnavailable
}
func (Failing) HashGet(context.Context, string, string) ([]byte, bool, error) {
	return nil, false, ErrUnavailable
}
func (Failing) Expire(context.Context, string, time.Duration) error { return ErrUnavailable }
func (Failing) Hit(context.Context, string, time.Time, store.HitLimits) (store.Counter, bool, error) {
	return store.Counter{}, false, ErrUnavailable
}
func (Failing) Ping(context.Context) error { return ErrUnavailable }
func (Failing) Close() error               { return nil }

// Recording wraps a store and counts calls per operation.
type Recording struct {
	store.Store

	mu    sync.Mutex
	calls map[string]int
}

func NewRecording(s store.Store) *Recording {
	return &Recording{Store: s, calls: make(map[string]int)}
}

func (r *Recording) record(op string) {
	r.mu.Lock()
	r.calls[op]++
	r.mu.Unlock()
}

// Calls returns how often op ("Get", "HashSet", ...) was invoked.
func (r *Recording) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *Recording) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r.record("Get")
	return r.Store.Get(ctx, key)
}

func (r *Recording) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.record("Set")
	return r.Store.Set(ctx, key, value, ttl)
}

func (r *Recording) HashSet(ctx context.Context, key string, fields map[string][]byte) error {
	r.record("HashSet")
	return r.Store.HashSet(ctx, key, fields)
}

func (r *Recording) HashSetTTL(ctx context.Context, key string, fields map[string][]byte, ttl time.Duration) error {
	r.record("HashSetTTL")
	return r.Store.HashSetTTL(ctx, key, fields, ttl)
}

func (r *Recording) HashGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	r.record("HashGet")
	return r.Store.HashGet(ctx, key, field)
}

func (r *Recording) Expire(ctx context.Context, key string, ttl time.Duration) error {
	r.record("Expire")
	return r.Store.Expire(ctx, key, ttl)
}

func (r *Recording) Hit(ctx context.Context, key string, now time.Time, lim store.HitLimits) (store.Counter, bool, error) {
	r.record("Hit")
	return r.Store.Hit(ctx, key, now, lim)
}
