package proxy

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/stream-guard/internal/platform/api"
	"github.com/example/stream-guard/internal/platform/audit"
	"github.com/example/stream-guard/internal/platform/httpserver"
	"github.com/example/stream-guard/internal/platform/logging"
	"github.com/example/stream-guard/services/hls-proxy/internal/origin"
	"github.com/example/stream-guard/services/hls-proxy/internal/ratelimit"
	"github.com/example/stream-guard/services/hls-proxy/internal/rewriter"
	"github.com/example/stream-guard/services/hls-proxy/internal/tokens"
)

// passthroughHeaders are copied from origin to client on binary responses.
var passthroughHeaders = []string{"Content-Length", "Content-Range", "ETag", "Last-Modified"}

// Playlist serves GET /{token}: the master playlist of a stream.
func (h *Handler) Playlist() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		token := chi.URLParam(r, "token")
		client := h.client(r)

		stream, ok := h.tokens.Resolve(r.Context(), token, client)
		if !ok {
			h.audit.Publish(audit.SubjectStreamDenied, "stream_denied", token, client.Address, nil)
			api.NotFound(w, rid)
			return
		}
		h.serveOrigin(w, r, stream, stream.OriginURL, true)
	}
}

// Segment serves GET /{token}/{segment}: any URI referenced by a rewritten
// playlist, including nested playlists.
func (h *Handler) Segment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		log := httpserver.LoggerFromRequest(h.log, r)
		token := chi.URLParam(r, "token")
		id := chi.URLParam(r, "segment")
		client := h.client(r)

		stream, ok := h.tokens.Resolve(r.Context(), token, client)
		if !ok {
			h.audit.Publish(audit.SubjectStreamDenied, "stream_denied", token, client.Address, nil)
			api.NotFound(w, rid)
			return
		}

		if ratelimit.LooksAutomated(client.Agent) {
			log.Info("automated client rejected", logging.Token(token), zap.String("user_agent", client.Agent))
			h.audit.Publish(audit.SubjectSegmentAutomated, "segment_automated_client", token, client.Address,
				map[string]any{"user_agent": client.Agent})
			api.Forbidden(w, "AUTOMATED_CLIENT", "Automated clients are not allowed", rid)
			return
		}

		if d := h.limiter.Check(r.Context(), token, client.Address); !d.Allowed {
			h.audit.Publish(audit.SubjectSegmentRateLimit, "segment_rate_limited", token, client.Address,
				map[string]any{"reason": d.Reason})
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			api.RateLimited(w, "RATE_LIMITED", d.Reason, rid, nil)
			return
		}

		target, err := h.codec.Decode(r.Context(), id, token)
		if err != nil {
			log.Warn("segment decode failed", logging.Token(token))
			h.audit.Publish(audit.SubjectSegmentDecodeFail, "segment_decode_failed", token, client.Address, nil)
			api.NotFound(w, rid)
			return
		}
		h.serveOrigin(w, r, stream, target.URL, false)
	}
}

// serveOrigin fetches target with the stream's headers and either rewrites
// it (playlists) or streams it through. A master fetch must yield a
// playlist; anything else is refused rather than passed through.
func (h *Handler) serveOrigin(w http.ResponseWriter, r *http.Request, stream *tokens.Stream, target string, master bool) {
	rid := httpserver.RequestIDFromContext(r.Context())
	log := httpserver.LoggerFromRequest(h.log, r)

	req := origin.Request{URL: target, Headers: stream.Headers}
	if !master {
		req.Range = r.Header.Get("Range")
		req.IfRange = r.Header.Get("If-Range")
	}
	resp, err := h.origin.Fetch(r.Context(), req)
	if err != nil {
		h.writeUpstreamError(w, r, stream.Token, err)
		return
	}
	defer resp.Body.Close()

	if !resp.Playlist && !master {
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = SegmentContentType
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Cache-Control", SegmentCache)
		w.Header().Set("Accept-Ranges", "bytes")
		for _, k := range passthroughHeaders {
			if v := resp.Header.Get(k); v != "" {
				w.Header().Set(k, v)
			}
		}
		w.WriteHeader(resp.Status)
		if _, err := io.Copy(w, resp.Body); err != nil {
			log.Debug("segment copy interrupted", logging.Token(stream.Token), zap.Error(err))
		}
		return
	}

	body, err := origin.ReadPlaylist(resp.Body)
	if err != nil {
		log.Warn("playlist read failed", logging.Token(stream.Token), zap.Error(err))
		api.WriteError(w, http.StatusBadGateway, "UPSTREAM_FAILED", "Upstream failed", rid, nil)
		return
	}
	if !resp.Playlist && !origin.LooksLikePlaylist([]byte(body)) {
		log.Warn("origin did not return a playlist", logging.Token(stream.Token),
			zap.String("content_type", resp.Header.Get("Content-Type")))
		api.WriteError(w, http.StatusBadGateway, "UPSTREAM_FAILED", "Upstream did not return a playlist", rid, nil)
		return
	}
	out, err := h.rewriter.Rewrite(r.Context(), rewriter.Input{
		Body:        body,
		BaseURL:     resp.URL,
		ProxyBase:   h.proxyBase(r),
		MasterToken: stream.Token,
	})
	if err != nil {
		log.Error("playlist rewrite failed", logging.Token(stream.Token), zap.Error(err))
		api.Internal(w, rid)
		return
	}
	out, err = h.validator.Check(out, stream.Token)
	if err != nil {
		log.Error("playlist rejected", logging.Token(stream.Token), zap.Error(err))
		h.audit.Publish(audit.SubjectPlaylistExposure, "playlist_exposed_url", stream.Token, h.clientAddress(r), nil)
		api.WriteError(w, http.StatusInternalServerError, "PLAYLIST_REJECTED", "Playlist failed security validation", rid, nil)
		return
	}

	w.Header().Set("Content-Type", PlaylistContentType)
	w.Header().Set("Cache-Control", PlaylistCache)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, out)
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, r *http.Request, token string, err error) {
	rid := httpserver.RequestIDFromContext(r.Context())
	log := httpserver.LoggerFromRequest(h.log, r)

	var fe *origin.FetchError
	if !errors.As(err, &fe) {
		fe = &origin.FetchError{Err: err}
	}
	switch {
	case fe.ClientError():
		log.Info("origin rejected request", logging.Token(token), zap.Int("status", fe.Status))
		api.WriteError(w, fe.Status, "UPSTREAM_REJECTED", http.StatusText(fe.Status), rid, nil)
	case fe.Timeout():
		log.Warn("origin timed out", logging.Token(token), zap.Error(err))
		api.WriteError(w, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "Upstream timed out", rid, nil)
	default:
		log.Warn("origin fetch failed", logging.Token(token), zap.Error(err))
		api.WriteError(w, http.StatusBadGateway, "UPSTREAM_FAILED", "Upstream failed", rid, nil)
	}
}
