// Package proxy is the HTTP surface of the HLS proxy: master playlist and
// segment endpoints for players, and the internal issuance endpoint for
// scrapers.
package proxy

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/stream-guard/internal/platform/auth"
	"github.com/example/stream-guard/services/hls-proxy/internal/origin"
	"github.com/example/stream-guard/services/hls-proxy/internal/ratelimit"
	"github.com/example/stream-guard/services/hls-proxy/internal/rewriter"
	"github.com/example/stream-guard/services/hls-proxy/internal/segment"
	"github.com/example/stream-guard/services/hls-proxy/internal/tokens"
	"github.com/example/stream-guard/services/hls-proxy/internal/validator"
)

const (
	PlaylistContentType = "application/vnd.apple.mpegurl"
	PlaylistCache       = "no-cache, no-store, must-revalidate"
	SegmentContentType  = "video/mp2t"
	SegmentCache        = "public, max-age=31536000, immutable"
)

// Auditor receives security events. *audit.Publisher satisfies it.
type Auditor interface {
	Publish(subject, eventName, token, clientAddress string, props map[string]any)
}

type nopAuditor struct{}

func (nopAuditor) Publish(string, string, string, string, map[string]any) {}

type Config struct {
	// PublicBaseURL is the externally visible origin of the proxy. When
	// empty it is derived from each request.
	PublicBaseURL string
	// TrustProxyHeaders makes X-Forwarded-* decide client address and
	// public base URL.
	TrustProxyHeaders bool
}

type Deps struct {
	Tokens    *tokens.Manager
	Rewriter  *rewriter.Rewriter
	Codec     *segment.Codec
	Limiter   *ratelimit.Limiter
	Validator *validator.Validator
	Origin    *origin.Client
	Audit     Auditor
	Logger    *zap.Logger
}

type Handler struct {
	tokens    *tokens.Manager
	rewriter  *rewriter.Rewriter
	codec     *segment.Codec
	limiter   *ratelimit.Limiter
	validator *validator.Validator
	origin    *origin.Client
	audit     Auditor
	log       *zap.Logger
	cfg       Config
}

func New(d Deps, cfg Config) *Handler {
	h := &Handler{
		tokens:    d.Tokens,
		rewriter:  d.Rewriter,
		codec:     d.Codec,
		limiter:   d.Limiter,
		validator: d.Validator,
		origin:    d.Origin,
		audit:     d.Audit,
		log:       d.Logger,
		cfg:       cfg,
	}
	if h.audit == nil {
		h.audit = nopAuditor{}
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.validator == nil {
		h.validator = validator.New(validator.Strict, h.log)
	}
	return h
}

// Routes mounts the player-facing endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/{token}", h.Playlist())
	r.Get("/{token}/{segment}", h.Segment())
}

// IssuerRoutes mounts the issuance endpoint behind service-token auth.
func (h *Handler) IssuerRoutes(r chi.Router, verifier auth.ServiceVerifier) {
	r.With(auth.RequireService(verifier)).Post("/internal/streams", h.Issue())
}
