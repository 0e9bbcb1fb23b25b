package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is a development-only in-memory store.
// Not suitable for production: state is lost on restart and
// does not work across multiple instances.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	value     []byte
	hash      map[string][]byte
	expiresAt time.Time // zero means no expiry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memEntry), now: time.Now}
}

// SetClock replaces the time source. Tests use it to drive expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// live returns the entry for key, dropping it if expired. Caller holds mu.
func (m *Memory) live(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.value == nil {
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memEntry{value: clone(value), expiresAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) != nil {
		return false, nil
	}
	m.entries[key] = &memEntry{value: clone(value), expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) HashSet(_ context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{}
		m.entries[key] = e
	}
	if e.hash == nil {
		e.hash = make(map[string][]byte, len(fields))
	}
	for f, v := range fields {
		e.hash[f] = clone(v)
	}
	return nil
}

func (m *Memory) HashSetTTL(_ context.Context, key string, fields map[string][]byte, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{}
		m.entries[key] = e
	}
	if e.hash == nil {
		e.hash = make(map[string][]byte, len(fields))
	}
	for f, v := range fields {
		e.hash[f] = clone(v)
	}
	e.expiresAt = m.deadline(ttl)
	return nil
}

func (m *Memory) HashGet(_ context.Context, key, field string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return nil, false, nil
	}
	v, ok := e.hash[field]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.live(key); e != nil {
		e.expiresAt = m.deadline(ttl)
	}
	return nil
}

func (m *Memory) Hit(_ context.Context, key string, now time.Time, lim HitLimits) (Counter, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Counter
	found := false
	if e := m.live(key); e != nil && e.value != nil {
		found = json.Unmarshal(e.value, &c) == nil
	}
	c, counted := applyHit(c, found, now.UnixMilli(), lim)
	if !counted {
		return c, false, nil
	}
	out, err := json.Marshal(c)
	if err != nil {
		return Counter{}, false, err
	}
	m.entries[key] = &memEntry{value: out, expiresAt: m.deadline(lim.Window)}
	return c, true, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// HashLen reports the number of live fields under key.
func (m *Memory) HashLen(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.live(key); e != nil {
		return len(e.hash)
	}
	return 0
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
