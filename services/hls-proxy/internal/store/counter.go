package store

import "time"

// Counter is a fixed-window request counter as kept by Hit.
type Counter struct {
	Count     int   `json:"count"`
	FirstSeen int64 `json:"first_seen"` // unix ms
	LastSeen  int64 `json:"last_seen"`  // unix ms
}

// HitLimits parameterises Hit. Window is also the ttl of the counter.
type HitLimits struct {
	Window      time.Duration
	BurstWindow time.Duration
	BurstLimit  int
	Limit       int
}

// applyHit is the counter transition every backend implements: reset once
// Window has elapsed since FirstSeen, refuse without counting when either
// limit is reached, otherwise count. The Redis script mirrors it.
func applyHit(c Counter, found bool, now int64, lim HitLimits) (Counter, bool) {
	if !found || now-c.FirstSeen >= lim.Window.Milliseconds() {
		c = Counter{FirstSeen: now}
	}
	if now-c.FirstSeen < lim.BurstWindow.Milliseconds() && c.Count >= lim.BurstLimit {
		return c, false
	}
	if c.Count >= lim.Limit {
		return c, false
	}
	c.Count++
	c.LastSeen = now
	return c, true
}
