// Package tokens issues and resolves master tokens: opaque handles that stand
// for one resolved stream (origin URL plus the headers the origin demands).
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/example/stream-guard/internal/platform/logging"
	"github.com/example/stream-guard/services/hls-proxy/internal/store"
)

const (
	tokenBytes = 32
	// TokenLen is the length of a master token in hex characters.
	TokenLen = tokenBytes * 2

	DefaultTTL = 4 * time.Hour
)

var ErrInvalidSource = errors.New("origin url must be an absolute http(s) url")

// Source is what a scraper hands over for a resolved stream.
type Source struct {
	OriginURL string
	Headers   map[string]string
}

// Client identifies the caller a token is issued to or presented by.
type Client struct {
	Address string
	Agent   string
}

// Binding selects which client fields a token is bound to.
type Binding struct {
	Address bool
	Agent   bool
}

// Issued is the result of minting a token.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Stream is a resolved master token.
type Stream struct {
	Token     string
	OriginURL string
	Headers   map[string]string
	ExpiresAt time.Time
}

type record struct {
	URL           string            `json:"url"`
	Headers       map[string]string `json:"headers"`
	ExpiresAt     int64             `json:"expires_at"`
	ClientAddress string            `json:"client_address,omitempty"`
	ClientAgent   string            `json:"client_agent,omitempty"`
}

type Manager struct {
	store   store.Store
	ttl     time.Duration
	binding Binding
	log     *zap.Logger
	now     func() time.Time
}

type Options struct {
	TTL     time.Duration
	Binding Binding
	Logger  *zap.Logger
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

func NewManager(s store.Store, opts Options) *Manager {
	m := &Manager{store: s, ttl: opts.TTL, binding: opts.Binding, log: opts.Logger, now: opts.Now}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Issue mints a fresh token for src and records it with the configured TTL.
// Client fields are recorded only for the bindings that are enabled.
func (m *Manager) Issue(ctx context.Context, src Source, c Client) (Issued, error) {
	u, err := url.Parse(src.OriginURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Issued{}, ErrInvalidSource
	}

	token, err := newToken()
	if err != nil {
		return Issued{}, err
	}
	expiresAt := m.now().Add(m.ttl)
	rec := record{URL: src.OriginURL, Headers: src.Headers, ExpiresAt: expiresAt.UnixMilli()}
	if m.binding.Address {
		rec.ClientAddress = c.Address
	}
	if m.binding.Agent {
		rec.ClientAgent = c.Agent
	}
	if rec.Headers == nil {
		rec.Headers = map[string]string{}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Issued{}, fmt.Errorf("encode token record: %w", err)
	}
	if err := m.store.Set(ctx, store.StreamKey(token), raw, m.ttl); err != nil {
		return Issued{}, fmt.Errorf("store token: %w", err)
	}
	return Issued{Token: token, ExpiresAt: time.UnixMilli(rec.ExpiresAt)}, nil
}

// Resolve looks up token on behalf of c. It reports false when the token is
// malformed, unknown, expired, bound to a different client, or when the
// store cannot be reached.
func (m *Manager) Resolve(ctx context.Context, token string, c Client) (*Stream, bool) {
	if !Valid(token) {
		return nil, false
	}
	raw, found, err := m.store.Get(ctx, store.StreamKey(token))
	if err != nil {
		m.log.Warn("token lookup failed", logging.Token(token), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		m.log.Warn("token record corrupt", logging.Token(token), zap.Error(err))
		return nil, false
	}
	if m.now().UnixMilli() >= rec.ExpiresAt {
		return nil, false
	}
	if m.binding.Address && rec.ClientAddress != "" && rec.ClientAddress != c.Address {
		m.log.Info("token address mismatch", logging.Token(token))
		return nil, false
	}
	if m.binding.Agent && rec.ClientAgent != "" && rec.ClientAgent != c.Agent {
		m.log.Info("token agent mismatch", logging.Token(token))
		return nil, false
	}
	return &Stream{
		Token:     token,
		OriginURL: rec.URL,
		Headers:   rec.Headers,
		ExpiresAt: time.UnixMilli(rec.ExpiresAt),
	}, true
}

// Valid reports whether s has the shape of a master token.
func Valid(s string) bool {
	if len(s) != TokenLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
