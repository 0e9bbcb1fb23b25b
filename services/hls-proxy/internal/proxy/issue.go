package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/stream-guard/internal/platform/api"
	"github.com/example/stream-guard/internal/platform/audit"
	"github.com/example/stream-guard/internal/platform/auth"
	"github.com/example/stream-guard/internal/platform/httpserver"
	"github.com/example/stream-guard/internal/platform/logging"
	"github.com/example/stream-guard/services/hls-proxy/internal/tokens"
)

type issueRequest struct {
	OriginURL     string            `json:"origin_url"`
	Headers       map[string]string `json:"headers"`
	ClientAddress string            `json:"client_address"`
	ClientAgent   string            `json:"client_agent"`
}

type issueResponse struct {
	Token       string    `json:"token"`
	PlaylistURL string    `json:"playlist_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Issue serves POST /internal/streams: a scraper hands over a resolved
// stream and the viewer it is for, and gets back the playlist URL to give
// that viewer.
func (h *Handler) Issue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		log := httpserver.LoggerFromRequest(h.log, r)

		var req issueRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			api.BadRequest(w, "INVALID_JSON", "Invalid JSON", rid, nil)
			return
		}
		if strings.TrimSpace(req.OriginURL) == "" {
			api.BadRequest(w, "MISSING_ORIGIN_URL", "origin_url is required", rid, nil)
			return
		}

		issued, err := h.tokens.Issue(r.Context(),
			tokens.Source{OriginURL: strings.TrimSpace(req.OriginURL), Headers: req.Headers},
			tokens.Client{Address: strings.TrimSpace(req.ClientAddress), Agent: req.ClientAgent},
		)
		if errors.Is(err, tokens.ErrInvalidSource) {
			api.BadRequest(w, "INVALID_ORIGIN_URL", "origin_url must be an absolute http(s) url", rid, nil)
			return
		}
		if err != nil {
			log.Error("token issue failed", zap.Error(err))
			api.Internal(w, rid)
			return
		}

		caller, _ := auth.CallerFromContext(r.Context())
		log.Info("stream issued", logging.Token(issued.Token), zap.String("caller", caller))
		h.audit.Publish(audit.SubjectStreamIssued, "stream_issued", issued.Token, req.ClientAddress,
			map[string]any{"caller": caller})

		api.WriteJSON(w, http.StatusCreated, issueResponse{
			Token:       issued.Token,
			PlaylistURL: h.proxyBase(r) + "/" + issued.Token,
			ExpiresAt:   issued.ExpiresAt.UTC(),
		})
	}
}
