package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	PublicBaseURL string
	AppEnv        string
	RedisURL      string
	DatabaseURL   string
	// NATSURL enables audit publishing when set.
	NATSURL string

	StreamTokenTTL    time.Duration
	SegmentTTL        time.Duration
	BindClientAddress bool
	BindClientAgent   bool
	TrustProxyHeaders bool
	SegmentSingleUse  bool
	KeyCacheSize      int

	RateBurstLimit      int
	RateBurstWindow     time.Duration
	RateSustainedLimit  int
	RateSustainedWindow time.Duration

	OriginTimeout      time.Duration
	PlaylistValidation string

	// IssuerJWTSecret enables POST /internal/streams when set.
	IssuerJWTSecret string
	IssuerScope     string

	HTTPIdleTimeout time.Duration

	CBMaxRequests      uint32
	CBInterval         time.Duration
	CBTimeout          time.Duration
	CBFailureThreshold uint32
}

func (c Config) IsProd() bool {
	return c.AppEnv == "production" || c.AppEnv == "prod"
}

func Load() (Config, error) {
	publicBase := strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
	if publicBase != "" {
		u, err := url.Parse(publicBase)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) url, got %q", publicBase)
		}
	}
	appEnv := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if appEnv == "" {
		appEnv = "development"
	}
	validation := strings.ToLower(strings.TrimSpace(os.Getenv("PLAYLIST_VALIDATION")))
	if validation == "" {
		validation = "strict"
	}
	scope := strings.TrimSpace(os.Getenv("ISSUER_SCOPE"))
	if scope == "" {
		scope = "streams:issue"
	}

	cfg := Config{
		PublicBaseURL: publicBase,
		AppEnv:        appEnv,
		RedisURL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		NATSURL:       strings.TrimSpace(os.Getenv("NATS_URL")),

		StreamTokenTTL:    envDuration("STREAM_TOKEN_TTL", 4*time.Hour),
		SegmentTTL:        envDuration("SEGMENT_TTL", 3*time.Hour),
		BindClientAddress: envBool("BIND_CLIENT_ADDRESS", true),
		BindClientAgent:   envBool("BIND_CLIENT_AGENT", true),
		TrustProxyHeaders: envBool("TRUST_PROXY_HEADERS", false),
		SegmentSingleUse:  envBool("SEGMENT_SINGLE_USE", false),
		KeyCacheSize:      envInt("KEY_CACHE_SIZE", 4096),

		RateBurstLimit:      envInt("RATE_BURST_LIMIT", 100),
		RateBurstWindow:     envDuration("RATE_BURST_WINDOW", 5*time.Second),
		RateSustainedLimit:  envInt("RATE_SUSTAINED_LIMIT", 500),
		RateSustainedWindow: envDuration("RATE_SUSTAINED_WINDOW", 60*time.Second),

		OriginTimeout:      envDuration("ORIGIN_TIMEOUT", 20*time.Second),
		PlaylistValidation: validation,

		IssuerJWTSecret: strings.TrimSpace(os.Getenv("ISSUER_JWT_SECRET")),
		IssuerScope:     scope,

		HTTPIdleTimeout: envDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),

		CBMaxRequests:      uint32(envInt("CB_MAX_REQUESTS", 1)),
		CBInterval:         envDuration("CB_INTERVAL", 60*time.Second),
		CBTimeout:          envDuration("CB_TIMEOUT", 30*time.Second),
		CBFailureThreshold: uint32(envInt("CB_FAILURE_THRESHOLD", 5)),
	}

	if cfg.RateBurstWindow > cfg.RateSustainedWindow {
		return Config{}, errors.New("RATE_BURST_WINDOW must not exceed RATE_SUSTAINED_WINDOW")
	}
	if cfg.IsProd() && cfg.RedisURL == "" && cfg.DatabaseURL == "" {
		return Config{}, errors.New("REDIS_URL or DATABASE_URL is required in production")
	}
	return cfg, nil
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
