// Package ratelimit throttles segment requests per (master token, client
// address) and recognises common download tools.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/stream-guard/internal/platform/logging"
	"github.com/example/stream-guard/services/hls-proxy/internal/store"
)

const (
	ReasonBurst       = "Too many requests. Please wait a moment."
	ReasonSustained   = "Rate limit exceeded. Are you trying to download this video?"
	ReasonUnavailable = "Rate limit state unavailable."
)

// Config holds the two windows. Zero fields take the defaults.
type Config struct {
	BurstLimit      int
	BurstWindow     time.Duration
	SustainedLimit  int
	SustainedWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		BurstLimit:      100,
		BurstWindow:     5 * time.Second,
		SustainedLimit:  500,
		SustainedWindow: time.Minute,
	}
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed bool
	Reason  string
	// RetryAfter is how long until the window that denied the request ends.
	RetryAfter time.Duration
}

// Limiter keeps its counters in the token store so every replica sees the
// same state. Each check is a single atomic store operation.
type Limiter struct {
	store store.Store
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

func New(s store.Store, cfg Config, log *zap.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = def.BurstLimit
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = def.BurstWindow
	}
	if cfg.SustainedLimit <= 0 {
		cfg.SustainedLimit = def.SustainedLimit
	}
	if cfg.SustainedWindow <= 0 {
		cfg.SustainedWindow = def.SustainedWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{store: s, cfg: cfg, log: log, now: time.Now}
}

// WithClock replaces the limiter's clock.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check records a request from clientAddress against masterToken and
// reports whether it may proceed. Denied requests are not counted. When the
// store cannot be read or written the request is denied.
func (l *Limiter) Check(ctx context.Context, masterToken, clientAddress string) Decision {
	now := l.now()
	c, counted, err := l.store.Hit(ctx, store.RateKey(masterToken, clientAddress), now, store.HitLimits{
		Window:      l.cfg.SustainedWindow,
		BurstWindow: l.cfg.BurstWindow,
		BurstLimit:  l.cfg.BurstLimit,
		Limit:       l.cfg.SustainedLimit,
	})
	if err != nil {
		l.log.Warn("rate state unavailable", logging.Token(masterToken), zap.Error(err))
		return Decision{Reason: ReasonUnavailable}
	}
	if counted {
		return Decision{Allowed: true}
	}

	elapsed := now.UnixMilli() - c.FirstSeen
	if elapsed < l.cfg.BurstWindow.Milliseconds() && c.Count >= l.cfg.BurstLimit {
		l.log.Info("burst limit exceeded",
			logging.Token(masterToken),
			zap.String("client_address", clientAddress),
			zap.Int("count", c.Count),
		)
		return Decision{Reason: ReasonBurst, RetryAfter: l.remaining(l.cfg.BurstWindow, elapsed)}
	}
	l.log.Info("sustained limit exceeded",
		logging.Token(masterToken),
		zap.String("client_address", clientAddress),
		zap.Int("count", c.Count),
	)
	return Decision{Reason: ReasonSustained, RetryAfter: l.remaining(l.cfg.SustainedWindow, elapsed)}
}

func (l *Limiter) remaining(window time.Duration, elapsedMs int64) time.Duration {
	return window - time.Duration(elapsedMs)*time.Millisecond
}

var downloadTools = []string{
	"ffmpeg",
	"youtube-dl",
	"yt-dlp",
	"curl",
	"wget",
	"aria2",
	"idm",
	"streamlink",
	"vlc",
	"python-requests",
	"lavf",
}

// LooksAutomated reports whether agent names a known download tool.
func LooksAutomated(agent string) bool {
	ua := strings.ToLower(agent)
	if ua == "" {
		return false
	}
	for _, tool := range downloadTools {
		if strings.Contains(ua, tool) {
			return true
		}
	}
	return false
}
