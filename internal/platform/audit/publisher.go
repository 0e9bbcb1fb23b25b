// Package audit publishes security-relevant proxy events (issuance, throttling,
// rejected references) to NATS JetStream for offline abuse analysis.
package audit

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/stream-guard/internal/platform/logging"
)

// Subject constants for every audit event type.
const (
	SubjectStreamIssued      = "audit.stream.issued"
	SubjectStreamDenied      = "audit.stream.denied"
	SubjectSegmentRateLimit  = "audit.segment.rate_limited"
	SubjectSegmentAutomated  = "audit.segment.automated_client"
	SubjectSegmentDecodeFail = "audit.segment.decode_failed"
	SubjectPlaylistExposure  = "audit.playlist.exposed_url"
)

// StreamName is the JetStream stream that captures all audit.* subjects.
const StreamName = "STREAM_AUDIT"

// Event is the canonical envelope sent to all audit.* subjects.
// Tokens are never published whole; only their log prefix.
type Event struct {
	EventID       string         `json:"event_id"`
	EventName     string         `json:"event_name"`
	TokenPrefix   string         `json:"token_prefix,omitempty"`
	ClientAddress string         `json:"client_address,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// Publisher publishes audit events to NATS JetStream.
// The zero value and a nil pointer are both safe no-op stubs.
type Publisher struct {
	js  nats.JetStreamContext
	log *zap.Logger
	now func() time.Time
}

// New creates a Publisher using an existing JetStream context.
// Pass js=nil to get a no-op stub (useful in tests and deployments without NATS).
func New(js nats.JetStreamContext, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{js: js, log: log, now: time.Now}
}

// Build assembles the envelope for an event without sending it.
func (p *Publisher) Build(eventName, token, clientAddress string, props map[string]any) Event {
	now := time.Now
	if p != nil && p.now != nil {
		now = p.now
	}
	return Event{
		EventID:       uuid.NewString(),
		EventName:     eventName,
		TokenPrefix:   logging.TokenPrefix(token),
		ClientAddress: clientAddress,
		OccurredAt:    now().UTC(),
		Properties:    props,
	}
}

// Publish sends an audit event asynchronously (fire-and-forget).
// Failures are logged as warnings and never surface to the caller; the
// request path must not depend on the audit stream.
func (p *Publisher) Publish(subject, eventName, token, clientAddress string, props map[string]any) {
	if p == nil || p.js == nil {
		return
	}
	ev := p.Build(eventName, token, clientAddress, props)
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("audit: marshal failed", zap.String("event", eventName), zap.Error(err))
		return
	}
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		p.log.Warn("audit: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// EnsureStream creates the audit stream, or widens its subjects if an older
// deployment created it narrower.
func (p *Publisher) EnsureStream() error {
	if p == nil || p.js == nil {
		return nil
	}
	info, err := p.js.StreamInfo(StreamName)
	if err == nil {
		for _, s := range info.Config.Subjects {
			if s == "audit.>" {
				return nil
			}
		}
		cfg := info.Config
		cfg.Subjects = []string{"audit.>"}
		_, err := p.js.UpdateStream(&cfg)
		return err
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"audit.>"},
		Storage:  nats.FileStorage,
		MaxAge:   30 * 24 * time.Hour,
	})
	return err
}
