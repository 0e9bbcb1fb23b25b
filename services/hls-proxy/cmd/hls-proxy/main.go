package main

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/stream-guard/internal/platform/audit"
	"github.com/example/stream-guard/internal/platform/auth"
	"github.com/example/stream-guard/internal/platform/config"
	"github.com/example/stream-guard/internal/platform/httpserver"
	"github.com/example/stream-guard/internal/platform/logging"
	"github.com/example/stream-guard/internal/platform/natsconn"
	"github.com/example/stream-guard/internal/platform/run"
	svcconfig "github.com/example/stream-guard/services/hls-proxy/internal/config"
	"github.com/example/stream-guard/services/hls-proxy/internal/origin"
	"github.com/example/stream-guard/services/hls-proxy/internal/proxy"
	"github.com/example/stream-guard/services/hls-proxy/internal/ratelimit"
	"github.com/example/stream-guard/services/hls-proxy/internal/rewriter"
	"github.com/example/stream-guard/services/hls-proxy/internal/segment"
	"github.com/example/stream-guard/services/hls-proxy/internal/store"
	"github.com/example/stream-guard/services/hls-proxy/internal/tokens"
	"github.com/example/stream-guard/services/hls-proxy/internal/validator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	svcCfg, err := svcconfig.Load()
	if err != nil {
		log.Error("config", zap.Error(err))
		run.Exit(1)
	}
	mode, err := validator.ParseMode(svcCfg.PlaylistValidation)
	if err != nil {
		log.Error("config", zap.Error(err))
		run.Exit(1)
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	st, err := store.New(initCtx, store.Options{
		RedisURL:    svcCfg.RedisURL,
		DatabaseURL: svcCfg.DatabaseURL,
		IsProd:      svcCfg.IsProd(),
	})
	cancel()
	if err != nil {
		log.Error("token store", zap.Error(err))
		run.Exit(1)
	}
	defer st.Close()
	if svcCfg.RedisURL == "" && svcCfg.DatabaseURL == "" {
		log.Warn("using in-memory token store; tokens will not survive restarts or be shared across replicas")
	}

	publisher := audit.New(nil, log)
	if svcCfg.NATSURL != "" {
		nc, err := natsconn.Connect(natsconn.Options{URL: svcCfg.NATSURL, Name: cfg.ServiceName, Logger: log})
		if err != nil {
			log.Error("nats", zap.Error(err))
			run.Exit(1)
		}
		defer nc.Drain()
		js, err := nc.JetStream()
		if err != nil {
			log.Error("jetstream", zap.Error(err))
			run.Exit(1)
		}
		publisher = audit.New(js, log)
		if err := publisher.EnsureStream(); err != nil {
			log.Warn("audit stream unavailable", zap.Error(err))
		}
	}

	codec, err := segment.NewCodec(st, segment.Options{
		SingleUse:    svcCfg.SegmentSingleUse,
		UsedTTL:      svcCfg.SegmentTTL,
		KeyCacheSize: svcCfg.KeyCacheSize,
		Logger:       log,
	})
	if err != nil {
		log.Error("segment codec", zap.Error(err))
		run.Exit(1)
	}

	h := proxy.New(proxy.Deps{
		Tokens: tokens.NewManager(st, tokens.Options{
			TTL:     svcCfg.StreamTokenTTL,
			Binding: tokens.Binding{Address: svcCfg.BindClientAddress, Agent: svcCfg.BindClientAgent},
			Logger:  log,
		}),
		Rewriter: rewriter.New(codec, st, rewriter.Options{SegmentTTL: svcCfg.SegmentTTL, Logger: log}),
		Codec:    codec,
		Limiter: ratelimit.New(st, ratelimit.Config{
			BurstLimit:      svcCfg.RateBurstLimit,
			BurstWindow:     svcCfg.RateBurstWindow,
			SustainedLimit:  svcCfg.RateSustainedLimit,
			SustainedWindow: svcCfg.RateSustainedWindow,
		}, log),
		Validator: validator.New(mode, log),
		Origin: origin.New(origin.Config{
			Timeout: svcCfg.OriginTimeout,
			Breaker: origin.BreakerConfig{
				MaxRequests:      svcCfg.CBMaxRequests,
				Interval:         svcCfg.CBInterval,
				Timeout:          svcCfg.CBTimeout,
				FailureThreshold: svcCfg.CBFailureThreshold,
			},
		}, log),
		Audit:  publisher,
		Logger: log,
	}, proxy.Config{
		PublicBaseURL:     svcCfg.PublicBaseURL,
		TrustProxyHeaders: svcCfg.TrustProxyHeaders,
	})

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		ReadyFunc: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return st.Ping(ctx)
		},
	})
	if svcCfg.IssuerJWTSecret != "" {
		h.IssuerRoutes(r, auth.ServiceVerifier{Secret: []byte(svcCfg.IssuerJWTSecret), Scope: svcCfg.IssuerScope})
	} else {
		log.Info("issuance endpoint disabled; ISSUER_JWT_SECRET not set")
	}
	h.Routes(r)

	srv := httpserver.New(httpserver.Options{
		Addr:        cfg.HTTP.Addr,
		ServiceName: cfg.ServiceName,
		Logger:      log,
		Router:      r,
		IdleTimeout: svcCfg.HTTPIdleTimeout,
	})

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		return srv.Start(log)
	}, srv.Shutdown)

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}
